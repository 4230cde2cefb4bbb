// Package mailbox implements the per-daemon inbox/outbox queues as
// directories of study spec files. A spec enters the inbox as <id>.yaml,
// is claimed by renaming it to <id>.yaml.claimed, and moves to the outbox
// only once its history record is terminal. Renames are atomic within one
// filesystem, so a crash never loses a spec: a claimed-but-uncommitted file
// is recovered from the history on the next startup.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"adlib/internal/history"
	"adlib/internal/logging"
	"adlib/internal/study"
)

const (
	specSuffix    = ".yaml"
	claimedSuffix = ".yaml.claimed"
)

// ErrAlreadyClaimed is returned when a claim races another claim (or the
// file vanished) for the same spec.
var ErrAlreadyClaimed = errors.New("mailbox: spec already claimed")

// Mailbox is one daemon's pair of queue directories.
type Mailbox struct {
	inboxDir  string
	outboxDir string
	logger    *slog.Logger
}

// Open prepares a mailbox rooted at the two directories, creating them when
// absent.
func Open(inboxDir, outboxDir string, logger *slog.Logger) (*Mailbox, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	for _, dir := range []string{inboxDir, outboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create mailbox dir %s: %w", dir, err)
		}
	}
	return &Mailbox{
		inboxDir:  inboxDir,
		outboxDir: outboxDir,
		logger:    logger.With(logging.String(logging.FieldComponent, "mailbox")),
	}, nil
}

// InboxDir returns the inbox directory path.
func (m *Mailbox) InboxDir() string { return m.inboxDir }

// OutboxDir returns the outbox directory path.
func (m *Mailbox) OutboxDir() string { return m.outboxDir }

// ListPending returns every unclaimed spec in the inbox in lexicographic
// file-name order. The order is repeatable but carries no further meaning.
func (m *Mailbox) ListPending(ctx context.Context) ([]*study.Spec, error) {
	names, err := m.pendingNames()
	if err != nil {
		return nil, err
	}

	specs := make([]*study.Spec, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		spec, err := study.ReadFile(filepath.Join(m.inboxDir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable inbox file",
				logging.String("file", name), logging.Error(err))
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (m *Mailbox) pendingNames() ([]string, error) {
	entries, err := os.ReadDir(m.inboxDir)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, specSuffix) && !strings.HasSuffix(name, claimedSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Claim marks a pending spec as being processed by renaming its file. The
// rename makes claims at-most-once: a second claimant gets ErrAlreadyClaimed.
func (m *Mailbox) Claim(spec *study.Spec) error {
	src := filepath.Join(m.inboxDir, spec.FileName())
	dst := src + ".claimed"
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrAlreadyClaimed, spec.ID)
		}
		return fmt.Errorf("claim %s: %w", spec.ID, err)
	}
	m.logger.Debug("claimed study", logging.String(logging.FieldStudyID, spec.ID))
	return nil
}

// CommitToOutbox moves a claimed spec into the outbox. Callers must only do
// this after the spec's history record is terminal.
func (m *Mailbox) CommitToOutbox(spec *study.Spec) error {
	src := filepath.Join(m.inboxDir, spec.FileName()+".claimed")
	dst := filepath.Join(m.outboxDir, spec.FileName())
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("commit %s to outbox: %w", spec.ID, err)
	}
	m.logger.Debug("committed study to outbox", logging.String(logging.FieldStudyID, spec.ID))
	return nil
}

// Deposit writes a new spec into the inbox. Used by decision steps and for
// seeding the first study of an ensemble.
func (m *Mailbox) Deposit(spec *study.Spec) error {
	if err := Deposit(m.inboxDir, spec); err != nil {
		return err
	}
	m.logger.Debug("deposited study", logging.String(logging.FieldStudyID, spec.ID))
	return nil
}

// Deposit writes a spec into an inbox directory. Decision steps that only
// know the inbox path use this form.
func Deposit(inboxDir string, spec *study.Spec) error {
	if err := spec.ValidateBase(); err != nil {
		return err
	}
	if err := os.MkdirAll(inboxDir, 0o755); err != nil {
		return fmt.Errorf("create inbox dir %s: %w", inboxDir, err)
	}
	return spec.WriteFile(filepath.Join(inboxDir, spec.FileName()))
}

// Recover resolves claimed-but-uncommitted specs left behind by a crash.
// A spec whose history record is already terminal is committed to the
// outbox; anything else is un-claimed so the loop picks it up again.
func (m *Mailbox) Recover(ctx context.Context, store history.Store) error {
	entries, err := os.ReadDir(m.inboxDir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}

	var claimed []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), claimedSuffix) {
			claimed = append(claimed, entry.Name())
		}
	}
	if len(claimed) == 0 {
		return nil
	}
	sort.Strings(claimed)

	snapshot, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read history for recovery: %w", err)
	}

	for _, name := range claimed {
		path := filepath.Join(m.inboxDir, name)
		spec, err := study.ReadFile(path)
		if err != nil {
			m.logger.Warn("skipping unreadable claimed file",
				logging.String("file", name), logging.Error(err))
			continue
		}
		rec, ok := snapshot[spec.ID]
		if ok && rec.Status.Terminal() {
			if err := m.CommitToOutbox(spec); err != nil {
				return err
			}
			m.logger.Info("recovered completed study",
				logging.String(logging.FieldStudyID, spec.ID),
				logging.String("status", string(rec.Status)))
			continue
		}
		unclaimed := strings.TrimSuffix(path, ".claimed")
		if err := os.Rename(path, unclaimed); err != nil {
			return fmt.Errorf("unclaim %s: %w", spec.ID, err)
		}
		m.logger.Info("re-queued interrupted study",
			logging.String(logging.FieldStudyID, spec.ID))
	}
	return nil
}
