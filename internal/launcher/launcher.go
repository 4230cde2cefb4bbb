// Package launcher drives the executor for individual study requests and
// keeps the history in step: a launch appends a pending record and promotes
// it to running before the child starts, and a poll that observes completion
// commits the terminal status durably before the caller may move the spec to
// the outbox.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adlib/internal/executor"
	"adlib/internal/history"
	"adlib/internal/logging"
	"adlib/internal/study"
)

const retryDelay = 200 * time.Millisecond

// Run is one in-flight execution. Status and Diagnostic are populated once
// a Poll observes the terminal outcome.
type Run struct {
	Spec       *study.Spec
	Status     history.Status
	Diagnostic string
	handle     executor.Handle
}

// Launcher binds the executor to the history store. An optional mirror store
// receives best-effort copies of every record for per-daemon local history.
type Launcher struct {
	store     history.Store
	mirror    history.Store
	exec      executor.Executor
	requester string
	attempts  int
	logger    *slog.Logger
}

// Options configures a Launcher.
type Options struct {
	Store     history.Store
	Mirror    history.Store
	Executor  executor.Executor
	Requester string
	// StoreAttempts bounds retries when the store is temporarily
	// unavailable (lock contention). Minimum 1.
	StoreAttempts int
	Logger        *slog.Logger
}

// New constructs a Launcher.
func New(opts Options) (*Launcher, error) {
	if opts.Store == nil {
		return nil, errors.New("launcher: history store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("launcher: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	attempts := opts.StoreAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Launcher{
		store:     opts.Store,
		mirror:    opts.Mirror,
		exec:      opts.Executor,
		requester: opts.Requester,
		attempts:  attempts,
		logger:    logger.With(logging.String(logging.FieldComponent, "launcher")),
	}, nil
}

// Launch records the spec as pending then running and submits it to the
// executor. Safe to call concurrently for independent specs.
func (l *Launcher) Launch(ctx context.Context, spec *study.Spec, run executor.RunContext) (*Run, error) {
	rec := history.Record{
		ID:         spec.ID,
		Kind:       spec.Kind,
		Parameters: spec.Parameters,
		Status:     history.StatusPending,
		Requester:  l.requester,
		Submitted:  time.Now().UTC(),
	}
	err := l.withRetry(ctx, func() error { return l.store.Append(ctx, rec) })
	switch {
	case err == nil:
		if err := l.withRetry(ctx, func() error {
			return l.store.Update(ctx, spec.ID, history.StatusRunning, nil)
		}); err != nil {
			return nil, fmt.Errorf("record running %s: %w", spec.ID, err)
		}
	case errors.Is(err, history.ErrConflict):
		// A record already exists, left by a run that never reached a
		// terminal status. Resume it instead of refusing the re-run.
		if err := l.resume(ctx, spec.ID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("record pending %s: %w", spec.ID, err)
	}
	l.mirrorRecord(ctx, rec)

	handle, err := l.exec.Submit(ctx, spec, run)
	if err != nil {
		// The child never started; close the record out so the attempt
		// stays observable.
		results := map[string]string{"diagnostic": err.Error()}
		if updateErr := l.withRetry(ctx, func() error {
			return l.store.Update(ctx, spec.ID, history.StatusFailed, results)
		}); updateErr != nil {
			l.logger.Error("failed to record submit failure",
				logging.String(logging.FieldStudyID, spec.ID),
				logging.Error(updateErr))
		}
		return nil, fmt.Errorf("submit %s: %w", spec.ID, err)
	}

	l.logger.Info("study launched",
		logging.String(logging.FieldStudyID, spec.ID),
		logging.String(logging.FieldStudyKind, spec.Kind))
	return &Run{Spec: spec, handle: handle}, nil
}

// resume moves a pre-existing record toward running so a recovered spec can
// re-run. A pending record is promoted; a running one is taken over as-is;
// a terminal one means there is nothing left to run.
func (l *Launcher) resume(ctx context.Context, id string) error {
	snapshot, err := l.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read history for %s: %w", id, err)
	}
	existing, ok := snapshot[id]
	if !ok {
		return fmt.Errorf("record pending %s: %w", id, history.ErrConflict)
	}
	switch existing.Status {
	case history.StatusPending:
		if err := l.withRetry(ctx, func() error {
			return l.store.Update(ctx, id, history.StatusRunning, nil)
		}); err != nil {
			return fmt.Errorf("record running %s: %w", id, err)
		}
	case history.StatusRunning:
		// The previous run died without an outcome; the executor restart
		// below produces one.
	default:
		return fmt.Errorf("resume %s: record already %s: %w", id, existing.Status, history.ErrConflict)
	}
	l.logger.Info("resuming interrupted study",
		logging.String(logging.FieldStudyID, id),
		logging.String("status", string(existing.Status)))
	return nil
}

// Poll checks one in-flight run. When the executor reports a terminal
// outcome, the matching history update is committed before Poll returns
// done=true, so callers may then move the spec to the outbox.
func (l *Launcher) Poll(ctx context.Context, run *Run) (bool, error) {
	outcome, err := l.exec.Poll(ctx, run.handle)
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", run.Spec.ID, err)
	}
	if !outcome.Terminal() {
		return false, nil
	}

	status := history.StatusSucceeded
	results := outcome.Results
	if outcome.State == executor.StateFailed {
		status = history.StatusFailed
		results = map[string]string{"diagnostic": outcome.Diagnostic}
	}
	if err := l.withRetry(ctx, func() error {
		return l.store.Update(ctx, run.Spec.ID, status, results)
	}); err != nil {
		return false, fmt.Errorf("record terminal %s: %w", run.Spec.ID, err)
	}
	l.mirrorUpdate(ctx, run.Spec.ID, status, results)
	run.Status = status
	run.Diagnostic = outcome.Diagnostic

	l.logger.Info("study resolved",
		logging.String(logging.FieldStudyID, run.Spec.ID),
		logging.String("status", string(status)))
	return true, nil
}

// withRetry retries store operations that fail with ErrUnavailable (lock
// contention on the shared history). Conflicts and other errors surface
// immediately.
func (l *Launcher) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < l.attempts; attempt++ {
		if err = op(); err == nil || !errors.Is(err, history.ErrUnavailable) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay << attempt):
		}
	}
	return err
}

func (l *Launcher) mirrorRecord(ctx context.Context, rec history.Record) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Append(ctx, rec); err != nil {
		l.logger.Warn("local history append failed",
			logging.String(logging.FieldStudyID, rec.ID), logging.Error(err))
		return
	}
	if err := l.mirror.Update(ctx, rec.ID, history.StatusRunning, nil); err != nil {
		l.logger.Warn("local history update failed",
			logging.String(logging.FieldStudyID, rec.ID), logging.Error(err))
	}
}

func (l *Launcher) mirrorUpdate(ctx context.Context, id string, status history.Status, results map[string]string) {
	if l.mirror == nil {
		return
	}
	if err := l.mirror.Update(ctx, id, status, results); err != nil {
		l.logger.Warn("local history update failed",
			logging.String(logging.FieldStudyID, id), logging.Error(err))
	}
}
