package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	decisionsFile   = "decisions.jsonl"
	transitionsFile = "transitions.jsonl"
)

// FileSink appends records as JSON lines under a directory.
type FileSink struct {
	dir string

	mu          sync.Mutex
	decisions   *os.File
	transitions *os.File
}

// NewFileSink creates dir (0700) and opens the record files for appending.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	decisions, err := openAppend(filepath.Join(dir, decisionsFile))
	if err != nil {
		return nil, err
	}
	transitions, err := openAppend(filepath.Join(dir, transitionsFile))
	if err != nil {
		_ = decisions.Close()
		return nil, err
	}
	return &FileSink{dir: dir, decisions: decisions, transitions: transitions}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
}

// Dir returns the audit directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// WriteDecision implements Sink.
func (s *FileSink) WriteDecision(_ context.Context, rec DecisionRecord) error {
	return s.appendLine(true, rec)
}

// WriteTransition implements Sink.
func (s *FileSink) WriteTransition(_ context.Context, rec TransitionRecord) error {
	return s.appendLine(false, rec)
}

func (s *FileSink) appendLine(decision bool, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.transitions
	if decision {
		f = s.decisions
	}
	if f == nil {
		return fmt.Errorf("audit file sink closed")
	}
	_, err = f.Write(data)
	return err
}

// Close closes both files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{s.decisions, s.transitions} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.decisions, s.transitions = nil, nil
	return firstErr
}
