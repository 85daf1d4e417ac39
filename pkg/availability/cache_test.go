package availability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/mode"
	"github.com/zen-systems/routegate/pkg/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gatedProvider blocks probes until release is closed or the probe context ends.
type gatedProvider struct {
	*provider.Static
	release chan struct{}
	probes  atomic.Int32
}

func (g *gatedProvider) ListModels(ctx context.Context) ([]string, error) {
	g.probes.Add(1)
	select {
	case <-g.release:
		return g.Static.ListModels(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCache(clock *fakeClock, policy mode.Policy, providers ...provider.Provider) *Cache {
	return New(providers, policy, WithClock(clock.Now), WithLogger(quietLogger()))
}

func TestAvailabilityServedFromCacheWithinTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "qwen2.5-coder:7b")
	c := newCache(clock, mode.Policy{}, local)

	assert.True(t, c.IsModelAvailable(ctx, "qwen2.5-coder:7b"))
	assert.False(t, c.IsModelAvailable(ctx, "llama3"))
	assert.Equal(t, 1, local.Probes())

	local.SetModels("llama3")
	clock.Advance(DefaultTTL - time.Millisecond)
	assert.True(t, c.IsModelAvailable(ctx, "qwen2.5-coder:7b"), "stale answer within TTL")
	assert.Equal(t, 1, local.Probes())

	clock.Advance(time.Millisecond)
	assert.False(t, c.IsModelAvailable(ctx, "qwen2.5-coder:7b"))
	assert.True(t, c.IsModelAvailable(ctx, "llama3"))
	assert.Equal(t, 2, local.Probes())
}

func TestInvalidateForcesRefresh(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "a")
	c := newCache(clock, mode.Policy{}, local)

	c.ListAvailableModels(ctx)
	c.Invalidate()
	c.ListAvailableModels(ctx)
	assert.Equal(t, 2, local.Probes())
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	gated := &gatedProvider{
		Static:  provider.NewStatic("ollama", mode.ClassLocal, "m1"),
		release: make(chan struct{}),
	}
	c := New([]provider.Provider{gated}, mode.Policy{},
		WithClock(clock.Now), WithLogger(quietLogger()), WithProbeTimeout(5*time.Second))

	const callers = 32
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.IsModelAvailable(context.Background(), "m1")
		}()
	}

	require.Eventually(t, func() bool { return gated.probes.Load() >= 1 }, time.Second, time.Millisecond)
	close(gated.release)
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "caller %d", i)
	}
	assert.Equal(t, int32(1), gated.probes.Load())
}

func TestCallerCancellationMeansUnavailable(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	gated := &gatedProvider{
		Static:  provider.NewStatic("ollama", mode.ClassLocal, "m1"),
		release: make(chan struct{}),
	}
	c := New([]provider.Provider{gated}, mode.Policy{},
		WithClock(clock.Now), WithLogger(quietLogger()), WithProbeTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.IsModelAvailable(ctx, "m1"))

	// The shared refresh was not abandoned with the caller.
	close(gated.release)
	assert.True(t, c.IsModelAvailable(context.Background(), "m1"))
	assert.Equal(t, int32(1), gated.probes.Load())
}

func TestProbeTimeoutMarksProviderDown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	stuck := &gatedProvider{
		Static:  provider.NewStatic("stuck", mode.ClassNetwork, "big"),
		release: make(chan struct{}),
	}
	healthy := provider.NewStatic("ollama", mode.ClassLocal, "small")
	c := New([]provider.Provider{stuck, healthy}, mode.Policy{},
		WithClock(clock.Now), WithLogger(quietLogger()), WithProbeTimeout(10*time.Millisecond))

	s := c.Snapshot(context.Background())
	require.NotNil(t, s)
	assert.Contains(t, s.ProviderErrors, "stuck")
	assert.False(t, c.IsModelAvailable(context.Background(), "big"))
	assert.True(t, c.IsModelAvailable(context.Background(), "small"))
}

func TestProviderDown(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "a", "b")
	local.SetDown(errors.New("connection refused"))
	c := newCache(clock, mode.Policy{}, local)

	assert.False(t, c.IsModelAvailable(ctx, "a"))
	assert.Empty(t, c.ListAvailableModels(ctx))
	assert.Equal(t, "unavailable", c.Explain(ctx, "a", mode.LocalOnly))
}

func TestModeFiltering(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "qwen2.5-coder:7b")
	lan := provider.NewStatic("vllm", mode.ClassNetwork, "llama3:70b", "mixtral")
	cloud := provider.NewStatic("anthropic", mode.ClassCloud, "claude-sonnet-4")

	tests := []struct {
		name   string
		policy mode.Policy
		mode   mode.Mode
		want   map[string]bool
	}{
		{
			name: "airgapped admits only local",
			mode: mode.Airgapped,
			policy: mode.Policy{
				BurstAllowCloud: true,
				LocalOnlyAllow:  []string{"llama3:70b"},
			},
			want: map[string]bool{"qwen2.5-coder:7b": true, "llama3:70b": false, "mixtral": false, "claude-sonnet-4": false},
		},
		{
			name:   "local only admits allow-listed network models",
			mode:   mode.LocalOnly,
			policy: mode.Policy{LocalOnlyAllow: []string{"llama3:70b"}},
			want:   map[string]bool{"qwen2.5-coder:7b": true, "llama3:70b": true, "mixtral": false, "claude-sonnet-4": false},
		},
		{
			name: "burst without cloud",
			mode: mode.Burst,
			want: map[string]bool{"qwen2.5-coder:7b": true, "llama3:70b": true, "mixtral": true, "claude-sonnet-4": false},
		},
		{
			name:   "burst with cloud",
			mode:   mode.Burst,
			policy: mode.Policy{BurstAllowCloud: true},
			want:   map[string]bool{"qwen2.5-coder:7b": true, "llama3:70b": true, "mixtral": true, "claude-sonnet-4": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(clock, tt.policy, local, lan, cloud)
			for model, want := range tt.want {
				assert.True(t, c.IsModelAvailable(ctx, model), model)
				assert.Equal(t, want, c.IsModelAvailableForMode(ctx, model, tt.mode), model)
			}
		})
	}
}

func TestAirgappedStricterThanLocalOnly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "a")
	lan := provider.NewStatic("vllm", mode.ClassNetwork, "b", "c")
	cloud := provider.NewStatic("openai", mode.ClassCloud, "gpt-4o")
	c := newCache(clock, mode.Policy{LocalOnlyAllow: []string{"b"}, BurstAllowCloud: true}, local, lan, cloud)

	for _, m := range c.ListAvailableModels(ctx) {
		if c.IsModelAvailableForMode(ctx, m, mode.Airgapped) {
			assert.True(t, c.IsModelAvailableForMode(ctx, m, mode.LocalOnly), m)
		}
	}
	assert.Equal(t, []string{"a"}, c.ListAvailableModelsForMode(ctx, mode.Airgapped))
	assert.Equal(t, []string{"a", "b"}, c.ListAvailableModelsForMode(ctx, mode.LocalOnly))
}

func TestLocalOnlyAllowByProvider(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	lan := provider.NewStatic("lan", mode.ClassNetwork, "llama3")
	gpu := provider.NewStatic("gpu", mode.ClassNetwork, "llama3")
	c := newCache(clock, mode.Policy{LocalOnlyAllow: []string{"llama3@lan"}}, gpu, lan)

	e, ok := c.Resolve(ctx, "llama3", mode.LocalOnly)
	require.True(t, ok)
	assert.Equal(t, "lan", e.Provider)
	assert.True(t, c.IsModelAvailableForMode(ctx, "llama3@lan", mode.LocalOnly))
	assert.False(t, c.IsModelAvailableForMode(ctx, "llama3@gpu", mode.LocalOnly))
	assert.Equal(t, "network model not permitted in local_only mode", c.Explain(ctx, "llama3@gpu", mode.LocalOnly))
	assert.Equal(t, []string{"llama3"}, c.ListAvailableModelsForMode(ctx, mode.LocalOnly))
}

func TestQualifiedIDsAndPreference(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	lan := provider.NewStatic("vllm", mode.ClassNetwork, "llama3")
	local := provider.NewStatic("ollama", mode.ClassLocal, "llama3")
	c := newCache(clock, mode.Policy{}, lan, local)

	e, ok := c.Resolve(ctx, "llama3", mode.Burst)
	require.True(t, ok)
	assert.Equal(t, "vllm", e.Provider, "earlier provider preferred")

	e, ok = c.Resolve(ctx, "llama3", mode.Airgapped)
	require.True(t, ok)
	assert.Equal(t, "ollama", e.Provider, "falls through to an admitted provider")

	assert.True(t, c.IsModelAvailable(ctx, "llama3@ollama"))
	assert.False(t, c.IsModelAvailableForMode(ctx, "llama3@vllm", mode.Airgapped))
	assert.False(t, c.IsModelAvailable(ctx, "llama3@nowhere"))
}

func TestListAvailableModelsSortedAndDeduplicated(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a := provider.NewStatic("a", mode.ClassLocal, "zeta", "alpha", "alpha")
	b := provider.NewStatic("b", mode.ClassLocal, "alpha", "mid")
	c := newCache(clock, mode.Policy{}, a, b)

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, c.ListAvailableModels(ctx))
}

func TestModelClass(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	local := provider.NewStatic("ollama", mode.ClassLocal, "gpt-oss:20b", "tiny")
	c := New([]provider.Provider{local}, mode.Policy{},
		WithClock(clock.Now), WithLogger(quietLogger()),
		WithClassOverrides(map[string]mode.Class{"tiny": mode.ClassNetwork}))

	assert.Equal(t, mode.ClassLocal, c.ModelClass(ctx, "gpt-oss:20b"), "provider class beats prefix")
	assert.Equal(t, mode.ClassNetwork, c.ModelClass(ctx, "tiny"), "override beats provider")
	assert.Equal(t, mode.ClassCloud, c.ModelClass(ctx, "claude-opus-4"), "prefix for unknown models")
	assert.Equal(t, mode.ClassLocal, c.ModelClass(ctx, "unknown-model"))

	assert.False(t, c.IsModelAvailableForMode(ctx, "tiny", mode.Airgapped))
}

func TestRefreshMetrics(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	up := provider.NewStatic("up", mode.ClassLocal, "a")
	down := provider.NewStatic("down", mode.ClassLocal, "b")
	down.SetDown(errors.New("refused"))
	m := &recordingMetrics{}
	c := New([]provider.Provider{up, down}, mode.Policy{},
		WithClock(clock.Now), WithLogger(quietLogger()), WithMetrics(m))

	c.ListAvailableModels(context.Background())
	assert.Equal(t, 1, m.calls)
	assert.Equal(t, 1, m.up)
	assert.Equal(t, 1, m.down)
}

type recordingMetrics struct {
	calls, up, down int
}

func (r *recordingMetrics) RecordRefresh(_ context.Context, _ time.Duration, up, down int) {
	r.calls++
	r.up = up
	r.down = down
}
