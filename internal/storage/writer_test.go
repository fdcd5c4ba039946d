package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memLogger struct {
	mu      sync.Mutex
	runs    []string
	failFor int
	calls   int
}

func (m *memLogger) LogRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failFor > 0 {
		m.failFor--
		return errors.New("connection reset")
	}
	m.runs = append(m.runs, run.ID)
	return nil
}

func (m *memLogger) snapshot() ([]string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...), m.calls
}

func TestAuditWriter_FlushDrainsQueue(t *testing.T) {
	store := &memLogger{}
	w := NewAuditWriter(store, 10)
	w.Start()

	for _, id := range []string{"a", "b", "c"} {
		w.Log(&Run{ID: id})
	}
	if !w.Flush(2 * time.Second) {
		t.Fatal("Flush timed out")
	}

	runs, _ := store.snapshot()
	if len(runs) != 3 {
		t.Fatalf("stored %v, want 3 runs", runs)
	}
	if got := w.Stats(); got != (WriterStats{Written: 3}) {
		t.Errorf("Stats() = %+v", got)
	}
	// A second flush, e.g. from a deferred call after an explicit one.
	if !w.Flush(time.Second) {
		t.Error("second Flush timed out")
	}
}

func TestAuditWriter_RetriesTransientFailure(t *testing.T) {
	store := &memLogger{failFor: 2}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Run{ID: "retry-me"})
	w.Flush(2 * time.Second)

	runs, calls := store.snapshot()
	if len(runs) != 1 || runs[0] != "retry-me" {
		t.Fatalf("stored %v", runs)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if got := w.Stats(); got.Written != 1 || got.Failed != 0 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestAuditWriter_GivesUpAfterRetries(t *testing.T) {
	store := &memLogger{failFor: 10}
	w := NewAuditWriter(store, 10)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Run{ID: "lost"})
	w.Flush(2 * time.Second)

	if _, calls := store.snapshot(); calls != 4 {
		t.Errorf("calls = %d, want 4 (first try + 3 retries)", calls)
	}
	if got := w.Stats(); got != (WriterStats{Failed: 1}) {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	store := &memLogger{}
	w := NewAuditWriter(store, 1)

	// Not started: the second entry cannot be queued.
	w.Log(&Run{ID: "kept"})
	w.Log(&Run{ID: "dropped"})
	w.Start()
	w.Flush(2 * time.Second)

	runs, _ := store.snapshot()
	if len(runs) != 1 || runs[0] != "kept" {
		t.Errorf("stored %v, want [kept]", runs)
	}
	if got := w.Stats(); got != (WriterStats{Written: 1, Dropped: 1}) {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{0: 100, -1: 100, 50: 50, 1000: 1000, 1001: 100}
	for in, want := range tests {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestTruncateForDB(t *testing.T) {
	if got := truncateForDB("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := truncateForDB("ab", 3); got != "ab" {
		t.Errorf("got %q", got)
	}
}
