package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status represents the lifecycle of a study attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusSucceeded: 2,
	StatusFailed:    2,
}

// AllStatuses returns the known statuses in precedence order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	_, ok := statusRank[normalized]
	return normalized, ok
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ValidateTransition enforces the legal lifecycle: pending→running and
// running→{succeeded,failed}.
func ValidateTransition(from, to Status) error {
	switch {
	case from == StatusPending && to == StatusRunning:
		return nil
	case from == StatusRunning && to.Terminal():
		return nil
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// Record is one persisted study outcome. Once terminal it is immutable.
type Record struct {
	ID         string            `yaml:"request_id" json:"request_id"`
	Kind       string            `yaml:"kind,omitempty" json:"kind,omitempty"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Status     Status            `yaml:"status" json:"status"`
	Requester  string            `yaml:"requester,omitempty" json:"requester,omitempty"`
	Submitted  time.Time         `yaml:"submitted,omitempty" json:"submitted,omitempty"`
	Started    *time.Time        `yaml:"started,omitempty" json:"started,omitempty"`
	Finished   *time.Time        `yaml:"finished,omitempty" json:"finished,omitempty"`
	Results    map[string]string `yaml:"results,omitempty" json:"results,omitempty"`
}

// EquivalentContent reports whether two records describe the same attempt.
// Timestamps are excluded: two daemons racing to append the same id with the
// same descriptors must not conflict over clock skew.
func (r Record) EquivalentContent(other Record) bool {
	if r.ID != other.ID || r.Kind != other.Kind || r.Status != other.Status {
		return false
	}
	if r.Requester != other.Requester {
		return false
	}
	return equalStringMaps(r.Parameters, other.Parameters) &&
		equalStringMaps(r.Results, other.Results)
}

func equalStringMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Snapshot is a consistent point-in-time view of the global history.
type Snapshot map[string]Record

// IDs returns the record ids in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Terminal returns the subset of records that reached a terminal status.
func (s Snapshot) Terminal() Snapshot {
	out := make(Snapshot)
	for id, rec := range s {
		if rec.Status.Terminal() {
			out[id] = rec
		}
	}
	return out
}

// Store is the contract every history backend satisfies. Implementations must
// make each record atomically visible: a reader sees a record fully or not at
// all, and concurrent appends of distinct ids never lose writes.
type Store interface {
	// Read returns a consistent snapshot of every record.
	Read(ctx context.Context) (Snapshot, error)
	// Append writes a new record. Appending an identical record is a no-op;
	// a record with the same id but divergent content fails with ErrConflict.
	Append(ctx context.Context, rec Record) error
	// Update transitions an existing record. Unknown ids fail with
	// ErrNotFound, illegal transitions with ErrInvalidTransition.
	Update(ctx context.Context, id string, status Status, results map[string]string) error
	Close() error
}

// Advance moves a record toward target through the legal transitions,
// honoring status precedence (pending < running < succeeded = failed): a
// target at or below the record's current precedence is a no-op, so racing
// writers can replay their view of a run without conflict.
func Advance(ctx context.Context, s Store, id string, target Status, results map[string]string) error {
	snapshot, err := s.Read(ctx)
	if err != nil {
		return err
	}
	rec, ok := snapshot[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if statusRank[target] <= statusRank[rec.Status] {
		return nil
	}
	if rec.Status == StatusPending {
		if err := s.Update(ctx, id, StatusRunning, nil); err != nil {
			return err
		}
	}
	if target.Terminal() {
		return s.Update(ctx, id, target, results)
	}
	return nil
}

// Sentinel errors surfaced by every backend.
var (
	ErrConflict          = errors.New("history: conflicting record for id")
	ErrNotFound          = errors.New("history: record not found")
	ErrInvalidTransition = errors.New("history: invalid status transition")
	ErrUnavailable       = errors.New("history: store unavailable")
)

// Open selects a backend from the path: a .db or .sqlite suffix opens the
// SQLite store, anything else the flat-file store.
func Open(path string, lockTimeout time.Duration) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(filepath.Ext(path))) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQL(path)
	default:
		return NewFileStore(path, lockTimeout), nil
	}
}
