package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"
)

// lockFileName sits beside the history file and serializes writers across
// daemons on a shared file system.
const lockFileName = ".history.lock"

const lockRetryDelay = 50 * time.Millisecond

// FileStore persists the history as one YAML document. Writers serialize on
// an advisory file lock; every write lands via temp-file plus atomic rename,
// so readers only ever observe complete documents.
type FileStore struct {
	path        string
	lockTimeout time.Duration

	// mu serializes callers within this process: flock is per file
	// descriptor, so goroutines sharing one store would otherwise enter
	// the load-modify-write span together.
	mu   sync.Mutex
	lock *flock.Flock
}

type fileDocument struct {
	History map[string]Record `yaml:"history"`
}

// NewFileStore wraps the history file at path. The file does not need to
// exist yet; the first append creates it.
func NewFileStore(path string, lockTimeout time.Duration) *FileStore {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	lockPath := filepath.Join(filepath.Dir(path), lockFileName)
	return &FileStore{
		path:        path,
		lock:        flock.New(lockPath),
		lockTimeout: lockTimeout,
	}
}

// Path returns the location of the underlying history file.
func (s *FileStore) Path() string { return s.path }

// Read returns a snapshot of the history. A missing file is an empty history.
func (s *FileStore) Read(ctx context.Context) (Snapshot, error) {
	release, err := s.acquire(ctx, s.lock.TryRLockContext)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.load()
}

// Append writes a new record, idempotently for identical content.
func (s *FileStore) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("history: record id is required")
	}

	release, err := s.acquire(ctx, s.lock.TryLockContext)
	if err != nil {
		return err
	}
	defer release()

	snapshot, err := s.load()
	if err != nil {
		return err
	}
	if existing, ok := snapshot[rec.ID]; ok {
		if existing.EquivalentContent(rec) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
	}
	snapshot[rec.ID] = rec
	return s.write(snapshot)
}

// Update transitions an existing record to a new status.
func (s *FileStore) Update(ctx context.Context, id string, status Status, results map[string]string) error {
	release, err := s.acquire(ctx, s.lock.TryLockContext)
	if err != nil {
		return err
	}
	defer release()

	snapshot, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := snapshot[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := ValidateTransition(rec.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.Status = status
	switch {
	case status == StatusRunning:
		rec.Started = &now
	case status.Terminal():
		rec.Finished = &now
		rec.Results = results
	}
	snapshot[id] = rec
	return s.write(snapshot)
}

// Load bulk-inserts a snapshot under one lock, replacing records that
// already exist. Used for lossless round-trips with the SQLite backend.
func (s *FileStore) Load(ctx context.Context, snapshot Snapshot) error {
	release, err := s.acquire(ctx, s.lock.TryLockContext)
	if err != nil {
		return err
	}
	defer release()

	current, err := s.load()
	if err != nil {
		return err
	}
	for id, rec := range snapshot {
		current[id] = rec
	}
	return s.write(current)
}

// Close is a no-op for the file backend.
func (s *FileStore) Close() error { return nil }

type lockFunc func(ctx context.Context, retryDelay time.Duration) (bool, error)

func (s *FileStore) acquire(ctx context.Context, try lockFunc) (func(), error) {
	s.mu.Lock()

	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: ensure history directory: %v", ErrUnavailable, err)
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := try(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: acquire history lock: %v", ErrUnavailable, err)
	}
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: history lock timed out after %s", ErrUnavailable, s.lockTimeout)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func (s *FileStore) load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(Snapshot), nil
		}
		return nil, fmt.Errorf("%w: read history file: %v", ErrUnavailable, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse history file %s: %w", s.path, err)
	}
	if doc.History == nil {
		doc.History = make(map[string]Record)
	}
	for id, rec := range doc.History {
		if rec.ID == "" {
			rec.ID = id
			doc.History[id] = rec
		}
	}
	return doc.History, nil
}

func (s *FileStore) write(snapshot Snapshot) error {
	data, err := yaml.Marshal(fileDocument{History: snapshot})
	if err != nil {
		return fmt.Errorf("encode history file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create history temp file: %v", ErrUnavailable, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: write history temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: sync history temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: close history temp file: %v", ErrUnavailable, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: chmod history temp file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: replace history file: %v", ErrUnavailable, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
