package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"adlib/internal/daemon"
	"adlib/internal/history"
	"adlib/internal/mailbox"
	"adlib/internal/prepare"
	"adlib/internal/study"
	"adlib/internal/testsupport"
)

const decisionTemplate = `description:
    name: decide
    kind: decision
env:
    dependencies:
        paths: []
study:
    - name: choose
      run:
          cmd: choose_next_study
`

type fixture struct {
	tree  prepare.WorkerTree
	store *history.FileStore
	box   *mailbox.Mailbox
	stub  *testsupport.StubExecutor
	loop  *daemon.Loop
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tree := prepare.NewWorkerTree(t.TempDir())
	for _, dir := range tree.Dirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	if err := os.WriteFile(tree.DecisionStudy, []byte(decisionTemplate), 0o644); err != nil {
		t.Fatalf("write decision study: %v", err)
	}

	historyPath := filepath.Join(t.TempDir(), "history.yaml")
	store := testsupport.MustOpenFileStore(t, historyPath)
	local := testsupport.MustOpenFileStore(t, tree.LocalHistory)

	box, err := mailbox.Open(tree.Inbox, tree.Outbox, nil)
	if err != nil {
		t.Fatalf("mailbox.Open: %v", err)
	}

	stub := testsupport.NewStubExecutor()
	loop, err := daemon.New(daemon.Options{
		Tree:            tree,
		Store:           store,
		Local:           local,
		Mailbox:         box,
		Executor:        stub,
		HistoryPath:     historyPath,
		WorkerID:        "worker-1",
		PollInterval:    5 * time.Millisecond,
		DecisionRetries: 2,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return &fixture{tree: tree, store: store, box: box, stub: stub, loop: loop}
}

func runLoop(t *testing.T, loop *daemon.Loop) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return loop.Run(ctx)
}

func isDecision(spec *study.Spec) bool {
	return spec.Kind == "decision"
}

// The end-to-end scenario: an empty inbox, one decision that requests S1,
// the executor resolving S1 with results, and a second decision that
// requests nothing.
func TestLoopRunsDecisionRequestedStudyToTermination(t *testing.T) {
	f := newFixture(t)

	decisions := 0
	f.stub.ScriptFunc(func(spec *study.Spec) {
		if !isDecision(spec) {
			return
		}
		decisions++
		if decisions == 1 {
			if err := f.box.Deposit(study.New("S1", "A", map[string]string{"x": "1"})); err != nil {
				t.Errorf("deposit from decision: %v", err)
			}
		}
	})
	f.stub.Script("S1", testsupport.Succeeded(map[string]string{"y": "2"}))

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.loop.State() != daemon.StateTerminated {
		t.Fatalf("final state = %s, want TERMINATED", f.loop.State())
	}
	if decisions != 2 {
		t.Fatalf("decision study ran %d times, want 2", decisions)
	}

	snapshot, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("shared history has %d records, want only S1: %v", len(snapshot), snapshot.IDs())
	}
	rec := snapshot["S1"]
	if rec.Status != history.StatusSucceeded || rec.Results["y"] != "2" {
		t.Fatalf("S1 record = %+v", rec)
	}

	if _, err := os.Stat(filepath.Join(f.box.OutboxDir(), "S1.yaml")); err != nil {
		t.Fatalf("S1 not committed to outbox: %v", err)
	}
}

// Termination requires a decision that produced nothing; a pre-seeded inbox
// must be drained first.
func TestLoopDrainsSeededInboxBeforeTerminating(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"S1", "S2"} {
		if err := f.box.Deposit(study.New(id, "A", nil)); err != nil {
			t.Fatalf("deposit %s: %v", id, err)
		}
	}

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snapshot, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, id := range []string{"S1", "S2"} {
		if snapshot[id].Status != history.StatusSucceeded {
			t.Fatalf("%s = %+v", id, snapshot[id])
		}
		if _, err := os.Stat(filepath.Join(f.box.OutboxDir(), id+".yaml")); err != nil {
			t.Fatalf("%s missing from outbox: %v", id, err)
		}
	}
}

// After a crash mid-run the claimed spec is re-queued and the record sits at
// running; the restarted loop must re-run it to a terminal status and commit
// it to the outbox.
func TestLoopRerunsInterruptedStudyAfterRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := study.New("S1", "A", map[string]string{"x": "1"})
	if err := f.box.Deposit(spec); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.box.Claim(spec); err != nil {
		t.Fatalf("claim: %v", err)
	}
	stale := history.Record{
		ID:         "S1",
		Kind:       "A",
		Parameters: map[string]string{"x": "1"},
		Status:     history.StatusPending,
		Requester:  "worker-1",
	}
	if err := f.store.Append(ctx, stale); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := f.store.Update(ctx, "S1", history.StatusRunning, nil); err != nil {
		t.Fatalf("seed running: %v", err)
	}

	f.stub.Script("S1", testsupport.Succeeded(map[string]string{"y": "2"}))

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snapshot, err := f.store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec := snapshot["S1"]
	if rec.Status != history.StatusSucceeded || rec.Results["y"] != "2" {
		t.Fatalf("S1 after recovery re-run = %+v", rec)
	}
	if _, err := os.Stat(filepath.Join(f.box.OutboxDir(), "S1.yaml")); err != nil {
		t.Fatalf("S1 not committed to outbox: %v", err)
	}
}

// A failed experiment is recorded and must not stop the loop.
func TestLoopSurvivesFailedStudy(t *testing.T) {
	f := newFixture(t)

	if err := f.box.Deposit(study.New("S1", "A", nil)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.stub.Script("S1", testsupport.Failed("simulation diverged"))

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snapshot, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec := snapshot["S1"]
	if rec.Status != history.StatusFailed {
		t.Fatalf("S1 = %+v", rec)
	}
	if !strings.Contains(rec.Results["diagnostic"], "diverged") {
		t.Fatalf("diagnostic lost: %v", rec.Results)
	}
}

// A spec whose child never starts is already recorded failed; the loop must
// commit it to the outbox in this lifetime, not leave it claimed for a
// future restart.
func TestLoopCommitsStudyWhoseSubmitFails(t *testing.T) {
	f := newFixture(t)

	if err := f.box.Deposit(study.New("S1", "A", nil)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.stub.FailSubmit("S1", errors.New("conductor binary not found"))

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.loop.State() != daemon.StateTerminated {
		t.Fatalf("final state = %s, want TERMINATED", f.loop.State())
	}

	snapshot, err := f.store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec := snapshot["S1"]
	if rec.Status != history.StatusFailed {
		t.Fatalf("S1 = %+v", rec)
	}
	if !strings.Contains(rec.Results["diagnostic"], "binary not found") {
		t.Fatalf("diagnostic lost: %v", rec.Results)
	}
	if _, err := os.Stat(filepath.Join(f.box.OutboxDir(), "S1.yaml")); err != nil {
		t.Fatalf("failed study not committed to outbox: %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.box.InboxDir(), "S1.yaml.claimed")); !os.IsNotExist(err) {
		t.Fatalf("claimed file should be gone from the inbox: %v", err)
	}
}

// A decision study that keeps failing exhausts its retries and the daemon
// exits with the accumulated diagnostic.
func TestLoopFailingDecisionEntersError(t *testing.T) {
	f := newFixture(t)

	f.stub.ScriptFunc(func(spec *study.Spec) {
		if isDecision(spec) {
			f.stub.Script(spec.ID, testsupport.Failed("no verdict"))
		}
	})

	err := runLoop(t, f.loop)
	if err == nil {
		t.Fatal("Run should fail when every decision attempt fails")
	}
	if !strings.Contains(err.Error(), "no verdict") {
		t.Fatalf("error %q should carry the decision diagnostic", err)
	}
	if f.loop.State() != daemon.StateError {
		t.Fatalf("final state = %s, want ERROR", f.loop.State())
	}
}

func TestLoopSecondInstanceIsRejected(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	f.stub.ScriptFunc(func(spec *study.Spec) {
		if isDecision(spec) {
			<-release
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(t, f.loop)
	}()

	// Give the first instance time to take the lock.
	time.Sleep(50 * time.Millisecond)

	second, err := daemon.New(daemon.Options{
		Tree:         f.tree,
		Store:        f.store,
		Mailbox:      f.box,
		Executor:     f.stub,
		WorkerID:     "worker-2",
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Run(context.Background()); err == nil {
		t.Fatal("second instance should fail to acquire the daemon lock")
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first instance: %v", err)
	}
}

func TestLoopTerminateMarkerStopsDaemon(t *testing.T) {
	f := newFixture(t)

	// Every decision requests another study, so only the marker can stop
	// the loop.
	n := 0
	f.stub.ScriptFunc(func(spec *study.Spec) {
		if !isDecision(spec) {
			return
		}
		n++
		id := testsupport.UniqueID(t, "chain")
		if err := f.box.Deposit(study.New(id, "A", nil)); err != nil {
			t.Errorf("deposit: %v", err)
		}
		if n == 3 {
			if err := os.WriteFile(f.tree.TermMarker, nil, 0o644); err != nil {
				t.Errorf("write marker: %v", err)
			}
		}
	})

	if err := runLoop(t, f.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.loop.State() != daemon.StateTerminated {
		t.Fatalf("final state = %s, want TERMINATED", f.loop.State())
	}
	if _, err := os.Stat(f.tree.TermMarker); !os.IsNotExist(err) {
		t.Fatalf("terminate marker not consumed: %v", err)
	}
}
