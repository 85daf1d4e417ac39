package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routegate/pkg/roles"
)

func sampleDecision(id string, ts time.Time) DecisionRecord {
	score := 42
	return DecisionRecord{
		ID:             id,
		Timestamp:      ts,
		Role:           "coder",
		Mode:           "local_only",
		Strategy:       "role_based",
		Success:        true,
		Model:          "qwen2.5-coder:7b",
		Provider:       "ollama",
		FallbackUsed:   true,
		Reason:         "selected fallback qwen2.5-coder:7b after 1 skipped",
		Tier:           "medium",
		Score:          &score,
		Candidates:     []string{"llama3:70b", "qwen2.5-coder:7b"},
		Tried:          []string{"llama3:70b", "qwen2.5-coder:7b"},
		FailureReasons: map[string]string{"llama3:70b": "circuit breaker open"},
		LatencyMillis:  0.4,
	}
}

func TestNewTransitionRecord(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	rec := NewTransitionRecord(roles.TransitionEntry{From: roles.Default, To: roles.Planner, Reason: "start", Timestamp: ts})

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "default", rec.From)
	assert.Equal(t, "planner", rec.To)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.True(t, rec.Timestamp.Equal(ts))
}

func TestFileSinkAppendsJSONLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "audit")
	sink, err := NewFileSink(dir)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, sink.WriteDecision(ctx, sampleDecision("d1", now)))
	require.NoError(t, sink.WriteDecision(ctx, sampleDecision("d2", now)))
	require.NoError(t, sink.WriteTransition(ctx, TransitionRecord{ID: "t1", Timestamp: now, From: "default", To: "coder", Reason: "go"}))
	require.NoError(t, sink.Close())

	f, err := os.Open(filepath.Join(dir, decisionsFile))
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec DecisionRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		ids = append(ids, rec.ID)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"d1", "d2"}, ids)

	data, err := os.ReadFile(filepath.Join(dir, transitionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"to_role":"coder"`)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}

	assert.Error(t, sink.WriteDecision(ctx, sampleDecision("d3", now)), "closed sink")
}

func TestFileSinkRequiresDir(t *testing.T) {
	_, err := NewFileSink("")
	assert.Error(t, err)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, store.WriteDecision(ctx, sampleDecision(id, base.Add(time.Duration(i)*time.Second))))
	}
	failed := DecisionRecord{ID: "fail", Timestamp: base.Add(-time.Hour), Role: "planner", Mode: "airgapped",
		Strategy: "single", Reason: "all candidates exhausted", Error: "no model available"}
	require.NoError(t, store.WriteDecision(ctx, failed))

	got, err := store.ListDecisions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)

	want := sampleDecision("new", base.Add(2*time.Second))
	assert.Equal(t, want, got[0])

	all, err := store.ListDecisions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	last := all[3]
	assert.Equal(t, "fail", last.ID)
	assert.False(t, last.Success)
	assert.Nil(t, last.Score)
	assert.Nil(t, last.Tried)
	assert.Equal(t, "no model available", last.Error)
}

func TestSQLiteStoreTransitions(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.WriteTransition(ctx, TransitionRecord{ID: "a", Timestamp: base, From: "default", To: "planner", Reason: "plan"}))
	require.NoError(t, store.WriteTransition(ctx, TransitionRecord{ID: "b", Timestamp: base.Add(time.Millisecond), From: "planner", To: "coder", Reason: "code"}))

	got, err := store.ListTransitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "planner", got[0].From)
	assert.True(t, got[1].Timestamp.Equal(base))
}

type failingSink struct{ Nop }

func (failingSink) WriteDecision(context.Context, DecisionRecord) error {
	return errors.New("disk full")
}

func TestMultiFansOutAndJoinsErrors(t *testing.T) {
	dir := t.TempDir()
	files, err := NewFileSink(dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	logs := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	m := Multi{files, logs, failingSink{}}

	err = m.WriteDecision(context.Background(), sampleDecision("d1", time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	require.NoError(t, m.WriteTransition(context.Background(), TransitionRecord{ID: "t1", From: "default", To: "reviewer"}))
	require.NoError(t, m.Close())

	assert.Contains(t, buf.String(), `"msg":"audit routing decision"`)
	assert.Contains(t, buf.String(), `"to_role":"reviewer"`)

	data, err := os.ReadFile(filepath.Join(dir, decisionsFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"d1"`)
}
