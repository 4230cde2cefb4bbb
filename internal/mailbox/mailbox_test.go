package mailbox_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"adlib/internal/history"
	"adlib/internal/mailbox"
	"adlib/internal/study"
	"adlib/internal/testsupport"
)

func newMailbox(t *testing.T) *mailbox.Mailbox {
	t.Helper()
	base := t.TempDir()
	box, err := mailbox.Open(filepath.Join(base, "inbox"), filepath.Join(base, "outbox"), nil)
	if err != nil {
		t.Fatalf("mailbox.Open: %v", err)
	}
	return box
}

func TestDepositAndListPendingOrder(t *testing.T) {
	box := newMailbox(t)
	ctx := context.Background()

	// Deposited out of order; listing is lexicographic by file name.
	for _, id := range []string{"S3", "S1", "S2"} {
		if err := box.Deposit(study.New(id, "A", nil)); err != nil {
			t.Fatalf("deposit %s: %v", id, err)
		}
	}

	pending, err := box.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	var ids []string
	for _, spec := range pending {
		ids = append(ids, spec.ID)
	}
	want := []string{"S1", "S2", "S3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("pending order = %v, want %v", ids, want)
		}
	}
}

func TestClaimIsAtMostOnce(t *testing.T) {
	box := newMailbox(t)
	ctx := context.Background()
	spec := study.New("S1", "A", nil)

	if err := box.Deposit(spec); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := box.Claim(spec); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := box.Claim(spec); !errors.Is(err, mailbox.ErrAlreadyClaimed) {
		t.Fatalf("second claim = %v, want ErrAlreadyClaimed", err)
	}

	pending, err := box.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("claimed spec still pending: %v", pending)
	}
}

func TestCommitToOutbox(t *testing.T) {
	box := newMailbox(t)
	spec := study.New("S1", "A", nil)

	if err := box.Deposit(spec); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := box.Claim(spec); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := box.CommitToOutbox(spec); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := os.Stat(filepath.Join(box.OutboxDir(), "S1.yaml")); err != nil {
		t.Fatalf("outbox file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(box.InboxDir(), "S1.yaml.claimed")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("claimed file still present: %v", err)
	}
}

func TestRecoverCommitsTerminalAndRequeuesRest(t *testing.T) {
	box := newMailbox(t)
	ctx := context.Background()
	store := testsupport.MustOpenFileStore(t, filepath.Join(t.TempDir(), "history.yaml"))

	finished := study.New("done", "A", nil)
	interrupted := study.New("interrupted", "A", nil)
	for _, spec := range []*study.Spec{finished, interrupted} {
		if err := box.Deposit(spec); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if err := box.Claim(spec); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	// Only the first study reached a terminal record before the crash.
	rec := history.Record{ID: "done", Kind: "A", Status: history.StatusPending, Submitted: time.Now().UTC()}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Update(ctx, "done", history.StatusRunning, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, "done", history.StatusSucceeded, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := box.Recover(ctx, store); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := os.Stat(filepath.Join(box.OutboxDir(), "done.yaml")); err != nil {
		t.Fatalf("terminal spec not committed: %v", err)
	}
	pending, err := box.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "interrupted" {
		t.Fatalf("interrupted spec not re-queued: %v", pending)
	}
}
