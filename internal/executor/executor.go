// Package executor defines the contract for running a study's step graph to
// completion, plus the Conductor adapter that shells out to the external
// conductor CLI. The core never inspects step graphs; it submits a spec and
// polls until the executor reports a terminal outcome.
package executor

import (
	"context"

	"adlib/internal/study"
)

// State classifies an execution's progress.
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Outcome is the result of polling an execution. Results is populated only
// for succeeded runs; Diagnostic only for failed ones.
type Outcome struct {
	State      State
	Results    map[string]string
	Diagnostic string
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o.State == StateSucceeded || o.State == StateFailed
}

// Handle identifies one submitted execution.
type Handle interface {
	ID() string
}

// RunContext carries the on-disk inputs for one execution.
type RunContext struct {
	// SpecPath is the study spec file handed to the executor binary.
	SpecPath string
	// WorkspaceDir is where the executor materializes the per-study run dir.
	WorkspaceDir string
	// Env is appended to the child process environment.
	Env []string
}

// Executor runs study specs to terminal outcomes. Submitting a spec the
// executor has never seen is idempotent; terminal outcomes are total absent
// a host crash.
type Executor interface {
	Submit(ctx context.Context, spec *study.Spec, run RunContext) (Handle, error)
	Poll(ctx context.Context, h Handle) (Outcome, error)
}
