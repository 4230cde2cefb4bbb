// Package testsupport provides shared helpers for package tests: temp
// configs, history store openers, canned study specs, and a scriptable stub
// executor.
package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"adlib/internal/config"
	"adlib/internal/executor"
	"adlib/internal/history"
	"adlib/internal/study"
)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.HistoryPath = filepath.Join(base, "history.yaml")
	cfg.Workflow.PollSeconds = 1
	return &cfg
}

// MustOpenFileStore opens a file-backed history store and registers cleanup.
func MustOpenFileStore(t testing.TB, path string) *history.FileStore {
	t.Helper()

	store := history.NewFileStore(path, 0)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenSQLStore opens a SQLite history store and registers cleanup.
func MustOpenSQLStore(t testing.TB, path string) *history.SQLStore {
	t.Helper()

	store, err := history.OpenSQL(path)
	if err != nil {
		t.Fatalf("history.OpenSQL: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewSpec builds a minimal study spec for tests.
func NewSpec(t testing.TB, id, kind string, params map[string]string) *study.Spec {
	t.Helper()
	return study.New(id, kind, params)
}

// WriteSpecFile writes a spec under dir and returns its path.
func WriteSpecFile(t testing.TB, dir string, spec *study.Spec) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	path := filepath.Join(dir, spec.FileName())
	if err := spec.WriteFile(path); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

// StubExecutor resolves submissions from a script of canned outcomes keyed
// by study id. Unscripted ids succeed with empty results. OnSubmit, when
// set, runs synchronously inside Submit before the outcome is recorded.
type StubExecutor struct {
	mu         sync.Mutex
	script     map[string]executor.Outcome
	submitErrs map[string]error
	submits    []string
	polls      map[string]int
	OnSubmit   func(spec *study.Spec)
	// PollsUntilDone delays terminal outcomes by this many polls.
	PollsUntilDone int
}

// NewStubExecutor constructs an empty stub.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{
		script:     make(map[string]executor.Outcome),
		submitErrs: make(map[string]error),
		polls:      make(map[string]int),
	}
}

// FailSubmit makes Submit reject the given study id.
func (s *StubExecutor) FailSubmit(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs[id] = err
}

// Script sets the outcome returned for a study id.
func (s *StubExecutor) Script(id string, outcome executor.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[id] = outcome
}

// ScriptFunc registers a submit hook, typically used to make a scripted
// decision study deposit new specs.
func (s *StubExecutor) ScriptFunc(fn func(spec *study.Spec)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OnSubmit = fn
}

// Submitted returns the ids submitted so far, in order.
func (s *StubExecutor) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submits...)
}

type stubHandle struct{ id string }

func (h stubHandle) ID() string { return h.id }

// Submit records the submission and runs the submit hook.
func (s *StubExecutor) Submit(_ context.Context, spec *study.Spec, _ executor.RunContext) (executor.Handle, error) {
	s.mu.Lock()
	s.submits = append(s.submits, spec.ID)
	hook := s.OnSubmit
	submitErr := s.submitErrs[spec.ID]
	s.mu.Unlock()

	if submitErr != nil {
		return nil, submitErr
	}
	if hook != nil {
		hook(spec)
	}
	return stubHandle{id: spec.ID}, nil
}

// Poll replays the scripted outcome once enough polls have elapsed.
func (s *StubExecutor) Poll(_ context.Context, h executor.Handle) (executor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := h.ID()
	s.polls[id]++
	if s.polls[id] <= s.PollsUntilDone {
		return executor.Outcome{State: executor.StateRunning}, nil
	}
	if outcome, ok := s.script[id]; ok {
		return outcome, nil
	}
	return executor.Outcome{State: executor.StateSucceeded, Results: map[string]string{}}, nil
}

// Succeeded is shorthand for a succeeded outcome with the given results.
func Succeeded(results map[string]string) executor.Outcome {
	return executor.Outcome{State: executor.StateSucceeded, Results: results}
}

// Failed is shorthand for a failed outcome with a diagnostic.
func Failed(diagnostic string) executor.Outcome {
	return executor.Outcome{State: executor.StateFailed, Diagnostic: diagnostic}
}

var idCounter atomic.Int64

// UniqueID returns an id that is unique within the test binary run.
func UniqueID(t testing.TB, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", prefix, idCounter.Add(1))
}

var _ executor.Executor = (*StubExecutor)(nil)
