package roles

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("EST", -5*3600))
	return func() time.Time { return ts }
}

func TestRegistryStartsOnDefault(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()))

	for i := 0; i < 3; i++ {
		assert.Equal(t, Default, r.GetCurrentRole())
	}
	assert.Empty(t, r.GetRoleHistory())
}

func TestSetCurrentRoleRecordsTransition(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()), WithClock(fixedClock()))

	require.NoError(t, r.SetCurrentRole(Planner, "start planning"))

	assert.Equal(t, Planner, r.GetCurrentRole())
	history := r.GetRoleHistory()
	require.Len(t, history, 1)
	assert.Equal(t, Default, history[0].From)
	assert.Equal(t, Planner, history[0].To)
	assert.Equal(t, "start planning", history[0].Reason)
	assert.Equal(t, time.UTC, history[0].Timestamp.Location())
}

func TestRoleHistoryChains(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()))
	sequence := []Role{Planner, Coder, Reviewer, Coder, Default, Reviewer}
	for i, role := range sequence {
		require.NoError(t, r.SetCurrentRole(role, fmt.Sprintf("step %d", i)))
	}

	history := r.GetRoleHistory()
	require.Len(t, history, len(sequence))
	assert.Equal(t, Default, history[0].From)
	for i := 0; i+1 < len(history); i++ {
		assert.Equal(t, history[i].To, history[i+1].From, "entry %d", i)
	}
	assert.Equal(t, history[len(history)-1].To, r.GetCurrentRole())
}

func TestSetCurrentRoleUnknownRole(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()))
	require.NoError(t, r.SetCurrentRole(Coder, "code"))

	err := r.SetCurrentRole(Role(42), "bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownRole))

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, Coder, terr.From)
	assert.Equal(t, Role(42), terr.To)

	assert.Equal(t, Coder, r.GetCurrentRole())
	assert.Len(t, r.GetRoleHistory(), 1)
}

func TestGetRole(t *testing.T) {
	r := NewRegistry([]Definition{{Role: Coder, Description: "custom", PreferredModel: "qwen2.5-coder:14b"}})

	def, err := r.GetRole(Coder)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder:14b", def.PreferredModel)

	def, err = r.GetRole(Reviewer)
	require.NoError(t, err)
	assert.Contains(t, def.Constraints, "no_file_writes")

	_, err = r.GetRole(Role(-1))
	assert.True(t, errors.Is(err, ErrUnknownRole))
}

func TestListRolesOrdered(t *testing.T) {
	r := NewRegistry(nil)
	defs := r.ListRoles()
	require.Len(t, defs, 4)
	for i, d := range defs {
		assert.Equal(t, Role(i), d.Role)
	}
}

func TestStrictGraphPolicy(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()), WithPolicy(NewStrictGraph()))

	err := r.SetCurrentRole(Reviewer, "skip ahead")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransitionNotAllowed))
	assert.Equal(t, Default, r.GetCurrentRole())

	require.NoError(t, r.SetCurrentRole(Planner, "plan"))
	require.NoError(t, r.SetCurrentRole(Coder, "code"))
	require.NoError(t, r.SetCurrentRole(Reviewer, "review"))
	require.NoError(t, r.SetCurrentRole(Coder, "fix review findings"))
	require.NoError(t, r.SetCurrentRole(Coder, "continue"))
	require.NoError(t, r.SetCurrentRole(Default, "done"))
	assert.Len(t, r.GetRoleHistory(), 6)
}

func TestObserverReceivesEntries(t *testing.T) {
	var got []TransitionEntry
	r := NewRegistry(nil, WithLogger(quietLogger()), WithObserver(func(e TransitionEntry) {
		got = append(got, e)
	}))

	require.NoError(t, r.SetCurrentRole(Planner, "a"))
	require.NoError(t, r.SetCurrentRole(Coder, "b"))
	require.Len(t, got, 2)
	assert.Equal(t, r.GetRoleHistory(), got)
}

func TestConcurrentTransitions(t *testing.T) {
	r := NewRegistry(nil, WithLogger(quietLogger()))
	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				role := Builtin()[(w+i)%4]
				_ = r.SetCurrentRole(role, "concurrent")
				_ = r.GetCurrentRole()
				_ = r.GetRoleHistory()
			}
		}(w)
	}
	wg.Wait()

	history := r.GetRoleHistory()
	require.Len(t, history, writers*perWriter)
	for i := 0; i+1 < len(history); i++ {
		require.Equal(t, history[i].To, history[i+1].From)
	}
}

func TestParseRole(t *testing.T) {
	role, err := Parse("Reviewer")
	require.NoError(t, err)
	assert.Equal(t, Reviewer, role)

	_, err = Parse("architect")
	assert.True(t, errors.Is(err, ErrUnknownRole))
}

func TestConcurrentObserversSeeHistoryOrder(t *testing.T) {
	var observed []TransitionEntry
	r := NewRegistry(nil, WithLogger(quietLogger()), WithObserver(func(e TransitionEntry) {
		observed = append(observed, e)
	}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = r.SetCurrentRole(Builtin()[(w+i)%4], fmt.Sprintf("%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, r.GetRoleHistory(), observed)
}
