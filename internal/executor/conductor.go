package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"adlib/internal/logging"
	"adlib/internal/study"
)

var commandContext = exec.CommandContext

// resultsMarker is the file a run must produce for the execution to count
// as a success; exit 0 without it is still a failure.
const resultsMarker = "results.yaml"

// Option configures the Conductor adapter.
type Option func(*Conductor)

// WithBinary overrides the default conductor binary name.
func WithBinary(binary string) Option {
	return func(c *Conductor) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithFlags passes extra flags through to every conductor invocation.
func WithFlags(flags []string) Option {
	return func(c *Conductor) {
		c.flags = append([]string(nil), flags...)
	}
}

// WithSrun wraps each invocation in `srun -n 1 --exclusive` for batch
// allocations.
func WithSrun(enabled bool) Option {
	return func(c *Conductor) {
		c.srun = enabled
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conductor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Conductor runs studies by spawning the external conductor CLI in the
// foreground, one child process per study. Child output is discarded; the
// run directory and its results marker are the only channel back.
type Conductor struct {
	binary string
	flags  []string
	srun   bool
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*conductorRun
}

// NewConductor constructs the adapter with defaults.
func NewConductor(opts ...Option) *Conductor {
	c := &Conductor{
		binary: "conductor",
		logger: logging.NewNop(),
		runs:   make(map[string]*conductorRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.String(logging.FieldComponent, "executor"))
	return c
}

type conductorRun struct {
	id      string
	runDir  string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (r *conductorRun) ID() string { return r.id }

// Submit spawns a conductor child for the spec and returns its handle.
// Submitting the same spec id again returns the existing handle.
func (c *Conductor) Submit(ctx context.Context, spec *study.Spec, run RunContext) (Handle, error) {
	if err := spec.ValidateBase(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.runs[spec.ID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.mu.Unlock()

	runDir := filepath.Join(run.WorkspaceDir, runDirName(spec))
	args := []string{"run"}
	args = append(args, c.flags...)
	args = append(args, "-o", runDir, "-fg", "-y", run.SpecPath)

	binary := c.binary
	if c.srun {
		args = append([]string{"-n", "1", "--exclusive", binary}, args...)
		binary = "srun"
	}

	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	cmd.Stdout = nil
	cmd.Stderr = nil
	if len(run.Env) > 0 {
		cmd.Env = append(os.Environ(), run.Env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s for %s: %w", c.binary, spec.ID, err)
	}
	c.logger.Info("launched study run",
		logging.String(logging.FieldStudyID, spec.ID),
		logging.String(logging.FieldStudyKind, spec.Kind),
		logging.String("run_dir", runDir))

	handle := &conductorRun{
		id:     spec.ID,
		runDir: runDir,
		cmd:    cmd,
		done:   make(chan struct{}),
	}
	go func() {
		handle.waitErr = cmd.Wait()
		close(handle.done)
	}()

	c.mu.Lock()
	c.runs[spec.ID] = handle
	c.mu.Unlock()
	return handle, nil
}

// Poll reports the execution's current outcome without blocking on a
// still-running child.
func (c *Conductor) Poll(ctx context.Context, h Handle) (Outcome, error) {
	run, ok := h.(*conductorRun)
	if !ok {
		return Outcome{}, fmt.Errorf("foreign execution handle %T", h)
	}

	// A finished run always surfaces its outcome, even when the caller's
	// context is already done: the work happened, so the record must say so.
	select {
	case <-run.done:
	default:
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateRunning}, nil
	}

	if run.waitErr != nil {
		return Outcome{
			State:      StateFailed,
			Diagnostic: fmt.Sprintf("%s exited: %v", c.binary, run.waitErr),
		}, nil
	}
	return c.readResults(run)
}

// readResults loads the results marker. Exit 0 without the marker is a
// failure: every run must leave an observable outcome.
func (c *Conductor) readResults(run *conductorRun) (Outcome, error) {
	path := filepath.Join(run.runDir, resultsMarker)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("results marker missing",
			logging.String(logging.FieldStudyID, run.id),
			logging.String("run_dir", run.runDir))
		return Outcome{
			State:      StateFailed,
			Diagnostic: fmt.Sprintf("no %s in %s", resultsMarker, run.runDir),
		}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("read results for %s: %w", run.id, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Outcome{
			State:      StateFailed,
			Diagnostic: fmt.Sprintf("malformed %s: %v", resultsMarker, err),
		}, nil
	}
	results := make(map[string]string, len(raw))
	for k, v := range raw {
		results[k] = fmt.Sprint(v)
	}
	return Outcome{State: StateSucceeded, Results: results}, nil
}

func runDirName(spec *study.Spec) string {
	if spec.Kind != "" {
		return spec.Kind + "_" + spec.ID
	}
	return "req_" + spec.ID
}

var _ Executor = (*Conductor)(nil)
