package fallback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/circuit"
	"github.com/zen-systems/routegate/pkg/mode"
)

type fakeAvailability struct {
	available map[string]bool
	denied    map[string]string
	checks    []string
}

func (f *fakeAvailability) IsModelAvailable(_ context.Context, id string) bool {
	f.checks = append(f.checks, id)
	return f.available[id]
}

func (f *fakeAvailability) Explain(_ context.Context, id string, _ mode.Mode) string {
	return f.denied[id]
}

func newBreaker(t *testing.T) *circuit.Breaker {
	t.Helper()
	b, err := circuit.New(circuit.Config{FailureThreshold: 1, BaseBackoff: time.Minute, MaxBackoff: time.Hour},
		circuit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return b
}

func newResolver(avail Availability, gate Gate) *Resolver {
	return NewResolver(avail, gate, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestResolveSkipsOpenAndUnavailable(t *testing.T) {
	avail := &fakeAvailability{available: map[string]bool{"A": true, "C": true}}
	breaker := newBreaker(t)
	breaker.RecordFailure("A", "timeout")

	res := newResolver(avail, breaker).Resolve(context.Background(), []string{"A", "B", "C"}, mode.LocalOnly)

	require.True(t, res.Success)
	assert.Equal(t, "C", res.ModelID)
	assert.Equal(t, []string{"A", "B", "C"}, res.TriedModels)
	assert.Equal(t, "circuit breaker open", res.FailureReasons["A"])
	assert.Equal(t, "unavailable", res.FailureReasons["B"])
	assert.True(t, res.FallbackUsed())
	assert.NotEmpty(t, res.Reason)
}

func TestResolveFirstCandidate(t *testing.T) {
	avail := &fakeAvailability{available: map[string]bool{"A": true, "B": true}}
	res := newResolver(avail, newBreaker(t)).Resolve(context.Background(), []string{"A", "B"}, mode.LocalOnly)

	require.True(t, res.Success)
	assert.Equal(t, "A", res.ModelID)
	assert.Equal(t, []string{"A"}, res.TriedModels)
	assert.False(t, res.FallbackUsed())
	assert.Empty(t, res.FailureReasons)
}

func TestResolveZeroCandidates(t *testing.T) {
	res := newResolver(&fakeAvailability{}, newBreaker(t)).Resolve(context.Background(), nil, mode.LocalOnly)

	assert.False(t, res.Success)
	assert.Empty(t, res.ModelID)
	assert.NotNil(t, res.TriedModels)
	assert.Empty(t, res.TriedModels)
	assert.NotEmpty(t, res.Reason)
}

func TestResolveAllUnavailable(t *testing.T) {
	candidates := []string{"x", "y", "z"}
	res := newResolver(&fakeAvailability{}, newBreaker(t)).Resolve(context.Background(), candidates, mode.Burst)

	assert.False(t, res.Success)
	assert.Empty(t, res.ModelID)
	assert.Equal(t, candidates, res.TriedModels)
	assert.Len(t, res.FailureReasons, 3)
	assert.Contains(t, res.Reason, "x [unavailable]")
}

func TestResolveModeRejection(t *testing.T) {
	avail := &fakeAvailability{
		available: map[string]bool{"claude-sonnet-4": true, "local": true},
		denied:    map[string]string{"claude-sonnet-4": "cloud model not permitted in airgapped mode"},
	}
	res := newResolver(avail, newBreaker(t)).Resolve(context.Background(), []string{"claude-sonnet-4", "local"}, mode.Airgapped)

	require.True(t, res.Success)
	assert.Equal(t, "local", res.ModelID)
	assert.Equal(t, "cloud model not permitted in airgapped mode", res.FailureReasons["claude-sonnet-4"])
}

func TestResolveWithFailuresAdvances(t *testing.T) {
	avail := &fakeAvailability{available: map[string]bool{"A": true, "B": true}}
	r := newResolver(avail, newBreaker(t))

	res := r.ResolveWithFailures(context.Background(), []string{"A", "B"}, mode.LocalOnly, map[string]string{"A": "HTTP 500"})
	require.True(t, res.Success)
	assert.Equal(t, "B", res.ModelID)
	assert.Equal(t, "HTTP 500", res.FailureReasons["A"])
	assert.NotContains(t, avail.checks, "A", "failed candidates are not re-probed")
}

func TestResolveDeduplicatesCandidates(t *testing.T) {
	res := newResolver(&fakeAvailability{}, newBreaker(t)).Resolve(context.Background(), []string{"a", "b", "a", "", "b"}, mode.LocalOnly)
	assert.Equal(t, []string{"a", "b"}, res.TriedModels)
}

func TestUnavailableModelDoesNotConsumeTrial(t *testing.T) {
	clock := time.Unix(1000, 0)
	breaker, err := circuit.New(circuit.Config{FailureThreshold: 1, BaseBackoff: time.Second, MaxBackoff: time.Second},
		circuit.WithClock(func() time.Time { return clock }),
		circuit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	breaker.RecordFailure("A", "boom")
	clock = clock.Add(time.Hour)

	avail := &fakeAvailability{available: map[string]bool{}}
	r := newResolver(avail, breaker)
	res := r.Resolve(context.Background(), []string{"A"}, mode.LocalOnly)
	assert.False(t, res.Success)

	avail.available["A"] = true
	res = r.Resolve(context.Background(), []string{"A"}, mode.LocalOnly)
	require.True(t, res.Success, "half-open trial still free")

	res = r.Resolve(context.Background(), []string{"A"}, mode.LocalOnly)
	assert.False(t, res.Success)
	assert.Equal(t, "circuit breaker half-open", res.FailureReasons["A"])
}
