package roles

// TransitionPolicy decides whether a role change is legal.
// Allow returns nil to permit the change.
type TransitionPolicy interface {
	Allow(from, to Role) error
}

// TransitionPolicyFunc adapts a function to TransitionPolicy.
type TransitionPolicyFunc func(from, to Role) error

func (f TransitionPolicyFunc) Allow(from, to Role) error {
	return f(from, to)
}

// AllowAll permits any registered role to follow any other.
var AllowAll TransitionPolicy = TransitionPolicyFunc(func(Role, Role) error { return nil })

// StrictGraph permits only the plan -> code -> review workflow edges.
// Any role may return to Default, and staying on the same role is always legal.
type StrictGraph struct {
	edges map[Role][]Role
}

// NewStrictGraph returns the workflow graph policy.
func NewStrictGraph() *StrictGraph {
	return &StrictGraph{edges: map[Role][]Role{
		Default:  {Planner},
		Planner:  {Coder},
		Coder:    {Reviewer},
		Reviewer: {Coder},
	}}
}

func (g *StrictGraph) Allow(from, to Role) error {
	if from == to || to == Default {
		return nil
	}
	for _, next := range g.edges[from] {
		if next == to {
			return nil
		}
	}
	return ErrTransitionNotAllowed
}
