package history_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"adlib/internal/history"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		name    string
		from    history.Status
		to      history.Status
		wantErr bool
	}{
		{"pending to running", history.StatusPending, history.StatusRunning, false},
		{"running to succeeded", history.StatusRunning, history.StatusSucceeded, false},
		{"running to failed", history.StatusRunning, history.StatusFailed, false},
		{"pending to succeeded", history.StatusPending, history.StatusSucceeded, true},
		{"succeeded to running", history.StatusSucceeded, history.StatusRunning, true},
		{"failed to succeeded", history.StatusFailed, history.StatusSucceeded, true},
		{"running to pending", history.StatusRunning, history.StatusPending, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := history.ValidateTransition(tc.from, tc.to)
			if tc.wantErr {
				if !errors.Is(err, history.ErrInvalidTransition) {
					t.Fatalf("ValidateTransition(%s, %s) = %v, want ErrInvalidTransition", tc.from, tc.to, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateTransition(%s, %s) = %v, want nil", tc.from, tc.to, err)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, status := range history.AllStatuses() {
		got, ok := history.ParseStatus(string(status))
		if !ok || got != status {
			t.Fatalf("ParseStatus(%q) = %v, %v", status, got, ok)
		}
	}
	if _, ok := history.ParseStatus("finished"); ok {
		t.Fatal("ParseStatus accepted unknown status")
	}
}

func TestAdvanceByPrecedence(t *testing.T) {
	cases := []struct {
		name    string
		seed    []history.Status
		target  history.Status
		want    history.Status
		results map[string]string
	}{
		{"pending to running", []history.Status{history.StatusPending}, history.StatusRunning, history.StatusRunning, nil},
		{"pending straight to succeeded", []history.Status{history.StatusPending}, history.StatusSucceeded, history.StatusSucceeded, map[string]string{"y": "2"}},
		{"running to failed", []history.Status{history.StatusPending, history.StatusRunning}, history.StatusFailed, history.StatusFailed, map[string]string{"diagnostic": "boom"}},
		{"running back to pending is a no-op", []history.Status{history.StatusPending, history.StatusRunning}, history.StatusPending, history.StatusRunning, nil},
		{"replaying the same status is a no-op", []history.Status{history.StatusPending, history.StatusRunning}, history.StatusRunning, history.StatusRunning, nil},
		{"failed does not flip to succeeded", []history.Status{history.StatusPending, history.StatusRunning, history.StatusFailed}, history.StatusSucceeded, history.StatusFailed, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFileStore(t)
			ctx := context.Background()

			rec := pendingRecord("S1")
			if err := store.Append(ctx, rec); err != nil {
				t.Fatalf("seed append: %v", err)
			}
			for _, status := range tc.seed[1:] {
				if err := store.Update(ctx, "S1", status, nil); err != nil {
					t.Fatalf("seed update to %s: %v", status, err)
				}
			}

			if err := history.Advance(ctx, store, "S1", tc.target, tc.results); err != nil {
				t.Fatalf("Advance to %s: %v", tc.target, err)
			}
			snapshot, err := store.Read(ctx)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if snapshot["S1"].Status != tc.want {
				t.Fatalf("status = %s, want %s", snapshot["S1"].Status, tc.want)
			}
			for k, v := range tc.results {
				if snapshot["S1"].Results[k] != v {
					t.Fatalf("results = %v, want %v", snapshot["S1"].Results, tc.results)
				}
			}
		})
	}
}

func TestAdvanceUnknownID(t *testing.T) {
	store := newFileStore(t)
	err := history.Advance(context.Background(), store, "ghost", history.StatusRunning, nil)
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Advance unknown id = %v, want ErrNotFound", err)
	}
}

func TestEquivalentContentIgnoresTimestamps(t *testing.T) {
	base := history.Record{
		ID:         "S1",
		Kind:       "A",
		Parameters: map[string]string{"x": "1"},
		Status:     history.StatusPending,
		Submitted:  time.Now().UTC(),
	}
	other := base
	other.Submitted = base.Submitted.Add(3 * time.Second)

	if !base.EquivalentContent(other) {
		t.Fatal("records differing only in timestamps should be equivalent")
	}

	other.Parameters = map[string]string{"x": "2"}
	if base.EquivalentContent(other) {
		t.Fatal("records with divergent parameters should not be equivalent")
	}
}
