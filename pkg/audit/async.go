package audit

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the Async queue capacity when none is given.
const DefaultQueueSize = 1024

const asyncWriteTimeout = 5 * time.Second

var (
	// ErrQueueFull is returned when Async drops a record.
	ErrQueueFull = errors.New("audit queue full, record dropped")
	// ErrSinkClosed is returned for writes after Close.
	ErrSinkClosed = errors.New("audit sink closed")
)

type asyncItem struct {
	decision   *DecisionRecord
	transition *TransitionRecord
}

// Async hands records to a background writer so callers never wait on the
// inner sink. Records are written in the order they were accepted. When the
// queue is full the record is dropped and counted.
type Async struct {
	inner  Sink
	logger *slog.Logger
	queue  chan asyncItem
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

// NewAsync starts a writer for inner with room for size queued records.
func NewAsync(inner Sink, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		inner:  inner,
		logger: logger,
		queue:  make(chan asyncItem, size),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// WriteDecision implements Sink. It returns once the record is queued.
func (a *Async) WriteDecision(_ context.Context, rec DecisionRecord) error {
	rec.Candidates = slices.Clone(rec.Candidates)
	rec.Tried = slices.Clone(rec.Tried)
	rec.FailureReasons = maps.Clone(rec.FailureReasons)
	return a.enqueue(asyncItem{decision: &rec})
}

// WriteTransition implements Sink. It returns once the record is queued.
func (a *Async) WriteTransition(_ context.Context, rec TransitionRecord) error {
	return a.enqueue(asyncItem{transition: &rec})
}

// Dropped returns how many records were discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting records, writes everything already queued and closes
// the inner sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	if n := a.dropped.Load(); n > 0 {
		a.logger.Warn("audit records dropped", "dropped", n)
	}
	return a.inner.Close()
}

func (a *Async) enqueue(item asyncItem) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrSinkClosed
	}
	select {
	case a.queue <- item:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for item := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
		var err error
		var id string
		if item.decision != nil {
			id = item.decision.ID
			err = a.inner.WriteDecision(ctx, *item.decision)
		} else {
			id = item.transition.ID
			err = a.inner.WriteTransition(ctx, *item.transition)
		}
		cancel()
		if err != nil {
			a.logger.Warn("audit write failed", "audit_id", id, "error", err)
		}
	}
}
