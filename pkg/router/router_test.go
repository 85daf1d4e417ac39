package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/audit"
	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/heuristics"
	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
	"github.com/zen-systems/routegate/pkg/roles"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySink struct {
	mu          sync.Mutex
	decisions   []audit.DecisionRecord
	transitions []audit.TransitionRecord
	closed      bool
}

func (m *memorySink) WriteDecision(_ context.Context, rec audit.DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, rec)
	return nil
}

func (m *memorySink) WriteTransition(_ context.Context, rec audit.TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, rec)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func staticConfig() *config.RoutingConfig {
	cfg := config.DefaultRoutingConfig()
	cfg.DefaultModel = "small"
	cfg.FallbackChain = []string{"small"}
	cfg.Roles = map[string]config.RoleConfig{
		"coder":   {Model: "coder-7b", Fallback: []string{"small"}},
		"planner": {Model: "big"},
	}
	cfg.Modes.LocalOnlyAllow = []string{"big"}
	cfg.Aliases = map[string]string{"fast": "small"}
	cfg.Providers = []config.ProviderConfig{
		{Name: "local", Type: "static", Models: []string{"small", "coder-7b"}},
		{Name: "lan", Type: "static", Class: "network", Models: []string{"big"}},
	}
	return cfg
}

func TestNewWiresConfiguredProviders(t *testing.T) {
	r, err := New(staticConfig(), nil, WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, mode.LocalOnly, r.Mode())
	assert.Equal(t, []string{"big", "coder-7b", "small"}, r.Availability().ListAvailableModels(ctx))

	d, err := r.Route(ctx, r.Request(roles.Coder, heuristics.Context{TaskDescription: "fix typo"}, ""))
	require.NoError(t, err)
	assert.Equal(t, "coder-7b", d.ModelID)
	assert.Equal(t, "local", d.Provider)

	d, err = r.Route(ctx, r.Request(roles.Planner, heuristics.Context{}, ""))
	require.NoError(t, err)
	assert.Equal(t, "big", d.ModelID)
	assert.Equal(t, "lan", d.Provider)

	d, err = r.Route(ctx, r.Request(roles.Default, heuristics.Context{}, "fast"))
	require.NoError(t, err)
	assert.Equal(t, "small", d.ModelID, "config alias")

	p, ok := r.Provider("lan")
	require.True(t, ok)
	assert.Equal(t, mode.ClassNetwork, p.Class())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := staticConfig()
	cfg.Strategy = "roulette"

	_, err := New(cfg, nil, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestProvidersWithoutKeysAreSkipped(t *testing.T) {
	t.Setenv(config.EnvOpenAIKey, "")
	cfg := staticConfig()
	cfg.Providers = append(cfg.Providers, config.ProviderConfig{Name: "oai", Type: "openai"})

	r, err := New(cfg, nil, WithLogger(quietLogger()))
	require.NoError(t, err)
	skipped := r.SkippedProviders()
	require.Contains(t, skipped, "oai")
	assert.Contains(t, skipped["oai"], "API key")
	assert.Len(t, r.Availability().Providers(), 2)
}

func TestRoleTransitionsAreAudited(t *testing.T) {
	sink := &memorySink{}
	r, err := New(staticConfig(), nil, WithLogger(quietLogger()), WithAudit(sink),
		WithTransitionPolicy(roles.NewStrictGraph()))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.SetRole(roles.Planner, "plan the change"))
	d, err := r.RouteCurrentRole(ctx, heuristics.Context{}, "")
	require.NoError(t, err)
	assert.Equal(t, "big", d.ModelID)

	err = r.SetRole(roles.Reviewer, "skip ahead")
	assert.True(t, errors.Is(err, roles.ErrTransitionNotAllowed))

	sink.mu.Lock()
	require.Len(t, sink.transitions, 1)
	assert.Equal(t, "default", sink.transitions[0].From)
	assert.Equal(t, "planner", sink.transitions[0].To)
	assert.Equal(t, "plan the change", sink.transitions[0].Reason)
	require.Len(t, sink.decisions, 1)
	assert.Equal(t, "planner", sink.decisions[0].Role)
	sink.mu.Unlock()

	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}

func TestRoutersAreIndependent(t *testing.T) {
	shared := provider.NewStatic("local", mode.ClassLocal, "small", "coder-7b")
	cfg := staticConfig()
	cfg.CircuitBreaker.FailureThreshold = 1

	a, err := New(cfg, nil, WithLogger(quietLogger()), WithProviders(shared))
	require.NoError(t, err)
	b, err := New(cfg, nil, WithLogger(quietLogger()), WithProviders(shared))
	require.NoError(t, err)
	ctx := context.Background()

	a.ReportOutcome("coder-7b", false, "HTTP 500")
	require.NoError(t, a.SetRole(roles.Coder, "implement"))

	da, err := a.Route(ctx, a.Request(roles.Coder, heuristics.Context{}, ""))
	require.NoError(t, err)
	assert.Equal(t, "small", da.ModelID)
	assert.True(t, da.FallbackUsed)

	db, err := b.Route(ctx, b.Request(roles.Coder, heuristics.Context{}, ""))
	require.NoError(t, err)
	assert.Equal(t, "coder-7b", db.ModelID)
	assert.Equal(t, roles.Default, b.Registry().GetCurrentRole())
}

func TestModeFromConfigApplies(t *testing.T) {
	cfg := staticConfig()
	cfg.Mode = "airgapped"

	r, err := New(cfg, nil, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, mode.Airgapped, r.Mode())

	d, err := r.Route(context.Background(), r.Request(roles.Planner, heuristics.Context{}, ""))
	require.NoError(t, err)
	assert.Equal(t, "small", d.ModelID)
	assert.Equal(t, "network model not permitted in airgapped mode", d.FailureReasons["big"])
}
