// Package daemon runs the decision loop: a single-threaded state machine
// that alternates between launching pending studies from the inbox and
// invoking a decision study that may enqueue new requests. The loop owns no
// policy; the decision study does. Multiple daemons cooperate only through
// the shared history store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"adlib/internal/executor"
	"adlib/internal/history"
	"adlib/internal/launcher"
	"adlib/internal/logging"
	"adlib/internal/mailbox"
	"adlib/internal/prepare"
	"adlib/internal/study"
)

// State names one phase of the decision loop.
type State string

const (
	StatePoll       State = "POLL"
	StateLaunch     State = "LAUNCH"
	StateWait       State = "WAIT"
	StateDecide     State = "DECIDE"
	StateTerminated State = "TERMINATED"
	StateError      State = "ERROR"
)

const markerLockTimeout = 10 * time.Second

// Options configures a Loop.
type Options struct {
	Tree  prepare.WorkerTree
	Store history.Store
	// Local receives a per-daemon mirror of every record plus the decision
	// runs, which never reach the shared store.
	Local    history.Store
	Mailbox  *mailbox.Mailbox
	Executor executor.Executor
	// HistoryPath is handed to decision studies so they can read the shared
	// history themselves.
	HistoryPath     string
	WorkerID        string
	PollInterval    time.Duration
	DecisionRetries int
	StoreAttempts   int
	Logger          *slog.Logger
}

// Loop is one daemon's decision state machine.
type Loop struct {
	tree            prepare.WorkerTree
	store           history.Store
	local           history.Store
	box             *mailbox.Mailbox
	studies         *launcher.Launcher
	decisions       *launcher.Launcher
	historyPath     string
	workerID        string
	pollInterval    time.Duration
	decisionRetries int
	logger          *slog.Logger

	lock *flock.Flock

	state           State
	lastWasDecision bool
	inflight        map[string]*launcher.Run

	// childCtx scopes executor children so a cancel marker can kill them
	// without stopping the loop itself.
	parentCtx   context.Context
	childCtx    context.Context
	childCancel context.CancelFunc
}

// New constructs a Loop. The shared store must already be open; Run verifies
// it is reachable before entering the state machine.
func New(opts Options) (*Loop, error) {
	if opts.Store == nil {
		return nil, errors.New("daemon: history store is required")
	}
	if opts.Mailbox == nil {
		return nil, errors.New("daemon: mailbox is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("daemon: executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(
		logging.String(logging.FieldComponent, "daemon"),
		logging.String(logging.FieldWorkerID, opts.WorkerID),
	)

	studies, err := launcher.New(launcher.Options{
		Store:         opts.Store,
		Mirror:        opts.Local,
		Executor:      opts.Executor,
		Requester:     opts.WorkerID,
		StoreAttempts: opts.StoreAttempts,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	// Decision runs are bookkeeping, not results; they live only in the
	// local history so the shared history stays a record of real studies.
	decisionStore := opts.Local
	if decisionStore == nil {
		decisionStore = opts.Store
	}
	decisions, err := launcher.New(launcher.Options{
		Store:         decisionStore,
		Executor:      opts.Executor,
		Requester:     opts.WorkerID,
		StoreAttempts: opts.StoreAttempts,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	retries := opts.DecisionRetries
	if retries < 1 {
		retries = 3
	}

	return &Loop{
		tree:            opts.Tree,
		store:           opts.Store,
		local:           opts.Local,
		box:             opts.Mailbox,
		studies:         studies,
		decisions:       decisions,
		historyPath:     opts.HistoryPath,
		workerID:        opts.WorkerID,
		pollInterval:    pollInterval,
		decisionRetries: retries,
		logger:          logger,
		lock:            flock.New(opts.Tree.DaemonLock),
		state:           StatePoll,
		inflight:        make(map[string]*launcher.Run),
	}, nil
}

// State returns the loop's current state.
func (l *Loop) State() State { return l.state }

// Run drives the state machine to TERMINATED or ERROR. The returned error is
// nil exactly when the loop terminated cleanly.
func (l *Loop) Run(ctx context.Context) error {
	ok, err := l.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another daemon already runs worker root %s", l.tree.Root)
	}
	defer l.lock.Unlock() //nolint:errcheck

	// Unreachable history at startup is fatal before any work begins.
	if _, err := l.store.Read(ctx); err != nil {
		l.state = StateError
		return fmt.Errorf("history store unreachable: %w", err)
	}
	if err := l.box.Recover(ctx, l.store); err != nil {
		l.state = StateError
		return fmt.Errorf("mailbox recovery: %w", err)
	}

	l.parentCtx = ctx
	l.childCtx, l.childCancel = context.WithCancel(ctx)
	defer l.childCancel()

	l.logger.Info("daemon started",
		logging.String("worker_root", l.tree.Root),
		logging.Duration("poll_interval", l.pollInterval))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		terminate, err := l.checkMarkers()
		if err != nil {
			l.logger.Warn("marker check failed", logging.Error(err))
		}
		if terminate {
			l.state = StateTerminated
		}

		switch l.state {
		case StatePoll:
			if err := l.poll(ctx); err != nil {
				return l.fail(err)
			}
		case StateLaunch:
			if err := l.launch(ctx); err != nil {
				return l.fail(err)
			}
		case StateWait:
			if err := l.wait(ctx); err != nil {
				return l.fail(err)
			}
		case StateDecide:
			if err := l.decide(ctx); err != nil {
				return l.fail(err)
			}
		case StateTerminated:
			l.logger.Info("daemon terminated cleanly")
			return nil
		default:
			return l.fail(fmt.Errorf("unknown state %q", l.state))
		}
	}
}

func (l *Loop) fail(err error) error {
	l.state = StateError
	l.logger.Error("daemon entering ERROR", logging.Error(err))
	return err
}

func (l *Loop) transition(next State) {
	if next != l.state {
		l.logger.Debug("state transition",
			logging.String("from", string(l.state)),
			logging.String(logging.FieldState, string(next)))
	}
	l.state = next
}

// poll inspects the inbox and in-flight set and picks the next state.
func (l *Loop) poll(ctx context.Context) error {
	pending, err := l.box.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("poll inbox: %w", err)
	}
	switch {
	case len(pending) > 0:
		l.transition(StateLaunch)
	case len(l.inflight) > 0:
		l.transition(StateWait)
	case !l.lastWasDecision:
		l.transition(StateDecide)
	default:
		l.transition(StateTerminated)
	}
	return nil
}

// launch claims every pending spec and starts them concurrently. A failure
// to launch one study is recorded and does not stop the others or the loop.
func (l *Loop) launch(ctx context.Context) error {
	pending, err := l.box.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}

	// Finding work in the inbox means the previous decision bore fruit.
	if len(pending) > 0 {
		l.lastWasDecision = false
	}

	type launched struct {
		run *launcher.Run
	}
	results := make([]launched, len(pending))

	// Children outlive this launch pass, so they run on the child context
	// rather than a group-scoped one.
	var g errgroup.Group
	for i, spec := range pending {
		if err := l.box.Claim(spec); err != nil {
			if errors.Is(err, mailbox.ErrAlreadyClaimed) {
				continue
			}
			return err
		}
		i, spec := i, spec
		g.Go(func() error {
			specPath := filepath.Join(l.box.InboxDir(), spec.FileName()+".claimed")
			run, err := l.studies.Launch(l.childCtx, spec, executor.RunContext{
				SpecPath:     specPath,
				WorkspaceDir: l.tree.Workspace,
			})
			if err != nil {
				l.logger.Warn("study launch failed",
					logging.String(logging.FieldStudyID, spec.ID),
					logging.Error(err))
				// A submit failure already closed the record out as failed;
				// commit the spec now rather than waiting for a restart's
				// recovery pass. Anything non-terminal stays claimed for
				// recovery.
				l.commitIfTerminal(ctx, spec)
				return nil
			}
			results[i] = launched{run: run}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if res.run != nil {
			l.inflight[res.run.Spec.ID] = res.run
		}
	}
	l.transition(StateWait)
	return nil
}

// commitIfTerminal moves a claimed spec to the outbox when its history record
// already reached a terminal status.
func (l *Loop) commitIfTerminal(ctx context.Context, spec *study.Spec) {
	snapshot, err := l.store.Read(ctx)
	if err != nil {
		l.logger.Warn("cannot check record after failed launch",
			logging.String(logging.FieldStudyID, spec.ID), logging.Error(err))
		return
	}
	rec, ok := snapshot[spec.ID]
	if !ok || !rec.Status.Terminal() {
		return
	}
	if err := l.box.CommitToOutbox(spec); err != nil {
		l.logger.Warn("cannot commit failed study",
			logging.String(logging.FieldStudyID, spec.ID), logging.Error(err))
	}
}

// wait polls every in-flight run once. Resolved studies are committed to the
// outbox and control returns to POLL; otherwise the loop sleeps one interval.
func (l *Loop) wait(ctx context.Context) error {
	resolved := 0
	for id, run := range l.inflight {
		done, err := l.studies.Poll(ctx, run)
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		if err := l.box.CommitToOutbox(run.Spec); err != nil {
			return err
		}
		delete(l.inflight, id)
		resolved++
	}
	if resolved > 0 {
		l.transition(StatePoll)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.pollInterval):
	}
	// New inbox deposits may have arrived while sleeping.
	l.transition(StatePoll)
	return nil
}

// decide runs one decision study to completion, retrying a bounded number of
// times before the failure becomes fatal.
func (l *Loop) decide(ctx context.Context) error {
	template, err := study.ReadFile(l.tree.DecisionStudy)
	if err != nil {
		return fmt.Errorf("read decision study: %w", err)
	}

	var diagnostics []string
	for attempt := 1; attempt <= l.decisionRetries; attempt++ {
		status, diag, err := l.runDecision(ctx, template)
		if err != nil {
			return err
		}
		if status == history.StatusSucceeded {
			l.lastWasDecision = true
			l.transition(StatePoll)
			return nil
		}
		diagnostics = append(diagnostics, fmt.Sprintf("attempt %d: %s", attempt, diag))
		l.logger.Warn("decision study failed",
			logging.Int("attempt", attempt),
			logging.String("diagnostic", diag))
	}
	return fmt.Errorf("decision study failed after %d attempts: %s",
		l.decisionRetries, strings.Join(diagnostics, "; "))
}

func (l *Loop) runDecision(ctx context.Context, template *study.Spec) (history.Status, string, error) {
	id := "decision-" + uuid.NewString()
	spec, err := template.Clone(id)
	if err != nil {
		return "", "", err
	}
	if err := spec.InjectPathDependencies(l.decisionPaths()); err != nil {
		return "", "", err
	}

	specPath := filepath.Join(l.tree.Workspace, spec.FileName())
	if err := spec.WriteFile(specPath); err != nil {
		return "", "", err
	}

	run, err := l.decisions.Launch(l.childCtx, spec, executor.RunContext{
		SpecPath:     specPath,
		WorkspaceDir: l.tree.Workspace,
		Env:          l.decisionEnv(),
	})
	if err != nil {
		return history.StatusFailed, err.Error(), nil
	}

	// DECIDE blocks: no two decision steps ever run concurrently.
	for {
		done, err := l.decisions.Poll(ctx, run)
		if err != nil {
			return "", "", err
		}
		if done {
			return run.Status, run.Diagnostic, nil
		}
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// decisionPaths is the fixed set of named locations every decision study
// receives.
func (l *Loop) decisionPaths() map[string]string {
	return map[string]string{
		study.EnvMenu:              l.tree.Menu,
		study.EnvStudies:           l.tree.Studies,
		study.EnvInbox:             l.box.InboxDir(),
		study.EnvDecisionMakerRoot: l.tree.DecisionMakerRoot,
		study.EnvHistory:           l.historyPath,
	}
}

func (l *Loop) decisionEnv() []string {
	paths := l.decisionPaths()
	env := make([]string, 0, len(paths))
	for name, path := range paths {
		env = append(env, name+"="+path)
	}
	return env
}

// checkMarkers handles the cancel and terminate marker files. Cancel kills
// running children and keeps the loop alive; terminate triggers a clean
// shutdown.
func (l *Loop) checkMarkers() (terminate bool, err error) {
	if exists(l.tree.CancelMarker) {
		if err := l.consumeMarker(l.tree.CancelMarker); err != nil {
			return false, err
		}
		l.logger.Info("cancelling running studies per external signal")
		l.cancelChildren()
	}
	if exists(l.tree.TermMarker) {
		if err := l.consumeMarker(l.tree.TermMarker); err != nil {
			return false, err
		}
		l.logger.Info("terminating per decision-maker signal")
		l.cancelChildren()
		return true, nil
	}
	return false, nil
}

// consumeMarker takes the marker's lock before removing it so a writer
// mid-signal is not raced.
func (l *Loop) consumeMarker(path string) error {
	lock := flock.New(path)
	lockCtx, cancel := context.WithTimeout(context.Background(), markerLockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire marker lock %s: %w", path, err)
	}
	if locked {
		defer lock.Unlock() //nolint:errcheck
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", path, err)
	}
	return nil
}

func (l *Loop) cancelChildren() {
	if l.childCancel != nil {
		l.childCancel()
	}
	parent := l.parentCtx
	if parent == nil {
		parent = context.Background()
	}
	l.childCtx, l.childCancel = context.WithCancel(parent)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
