package history_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"adlib/internal/history"
)

func newFileStore(t *testing.T) *history.FileStore {
	t.Helper()
	return history.NewFileStore(filepath.Join(t.TempDir(), "history.yaml"), 0)
}

func pendingRecord(id string) history.Record {
	return history.Record{
		ID:         id,
		Kind:       "A",
		Parameters: map[string]string{"x": "1"},
		Status:     history.StatusPending,
		Submitted:  time.Now().UTC(),
	}
}

func TestFileStoreReadMissingFile(t *testing.T) {
	store := newFileStore(t)
	snapshot, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snapshot) != 0 {
		t.Fatalf("expected empty snapshot, got %d records", len(snapshot))
	}
}

func TestFileStoreAppendIdempotent(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()
	rec := pendingRecord("S1")

	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("identical append should be idempotent: %v", err)
	}

	snapshot, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(snapshot))
	}
}

func TestFileStoreAppendConflict(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, pendingRecord("S1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	divergent := pendingRecord("S1")
	divergent.Parameters = map[string]string{"x": "2"}
	if err := store.Append(ctx, divergent); !errors.Is(err, history.ErrConflict) {
		t.Fatalf("divergent append = %v, want ErrConflict", err)
	}
}

func TestFileStoreUpdateLifecycle(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, pendingRecord("S1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Update(ctx, "S1", history.StatusRunning, nil); err != nil {
		t.Fatalf("update to running: %v", err)
	}
	results := map[string]string{"y": "2"}
	if err := store.Update(ctx, "S1", history.StatusSucceeded, results); err != nil {
		t.Fatalf("update to succeeded: %v", err)
	}

	snapshot, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	rec := snapshot["S1"]
	if rec.Status != history.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", rec.Status)
	}
	if rec.Results["y"] != "2" {
		t.Fatalf("results = %v, want y=2", rec.Results)
	}
	if rec.Started == nil || rec.Finished == nil {
		t.Fatal("expected started and finished timestamps to be set")
	}

	if err := store.Update(ctx, "S1", history.StatusRunning, nil); !errors.Is(err, history.ErrInvalidTransition) {
		t.Fatalf("terminal record update = %v, want ErrInvalidTransition", err)
	}
}

func TestFileStoreUpdateUnknownID(t *testing.T) {
	store := newFileStore(t)
	err := store.Update(context.Background(), "ghost", history.StatusRunning, nil)
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("update unknown id = %v, want ErrNotFound", err)
	}
}

// Two stores on the same file stand in for two daemons on a shared
// filesystem: concurrent appends of distinct ids must all survive.
func TestFileStoreConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.yaml")
	first := history.NewFileStore(path, 0)
	second := history.NewFileStore(path, 0)
	ctx := context.Background()

	const perWriter = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perWriter)
	for i, store := range []*history.FileStore{first, second} {
		wg.Add(1)
		go func(writer int, store *history.FileStore) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				rec := pendingRecord(fmt.Sprintf("w%d-s%d", writer, j))
				if err := store.Append(ctx, rec); err != nil {
					errs <- err
				}
			}
		}(i, store)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	snapshot, err := first.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snapshot) != 2*perWriter {
		t.Fatalf("lost writes: have %d records, want %d", len(snapshot), 2*perWriter)
	}
}

// Goroutines sharing one store is the shape a daemon's concurrent launches
// produce: every append must land even though the flock handle is shared.
func TestFileStoreConcurrentAppendsOneStore(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.Append(ctx, pendingRecord(fmt.Sprintf("S%d", n))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append: %v", err)
	}

	snapshot, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snapshot) != writers {
		t.Fatalf("lost writes: have %v, want %d records", snapshot.IDs(), writers)
	}
}

func TestFileStoreLoad(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	snapshot := history.Snapshot{
		"S1": pendingRecord("S1"),
		"S2": pendingRecord("S2"),
	}
	if err := store.Load(ctx, snapshot); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d records, want 2", len(got))
	}
}
