package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/segment-relay/internal/ledger"
)

type memStore struct {
	mu      sync.Mutex
	entries []ledger.Entry
	closed  bool
}

func (m *memStore) Record(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) Summary(_ context.Context, userID string) (ledger.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s ledger.Summary
	for _, e := range m.entries {
		if e.UserID == userID {
			s.Relays++
		}
	}
	return s, nil
}

func (m *memStore) ListRecent(context.Context, string, int) ([]ledger.Entry, error) { return nil, nil }

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func entry(id string) ledger.Entry {
	return ledger.Entry{RelayID: id, UserID: "u1", Outcome: ledger.OutcomeCompleted}
}

func TestCloseFlushesQueuedEntries(t *testing.T) {
	mem := &memStore{}
	s := New(mem, Config{BatchSize: 1000, FlushInterval: time.Hour, NumWorkers: 3})
	for i := 0; i < 25; i++ {
		if err := s.Record(context.Background(), entry("r")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := mem.count(); got != 25 {
		t.Fatalf("expected 25 flushed entries, got %d", got)
	}
	if !mem.closed {
		t.Fatalf("underlying store not closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFlushOnInterval(t *testing.T) {
	mem := &memStore{}
	s := New(mem, Config{BatchSize: 1000, FlushInterval: 10 * time.Millisecond})
	defer s.Close()

	if err := s.Record(context.Background(), entry("r1")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for mem.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("entry was not flushed on interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sum, err := s.Summary(context.Background(), "u1")
	if err != nil || sum.Relays != 1 {
		t.Fatalf("Summary = %#v, %v", sum, err)
	}
}

func TestRecordAfterCloseAndValidation(t *testing.T) {
	s := New(&memStore{}, Config{})
	if err := s.Record(context.Background(), ledger.Entry{}); err == nil {
		t.Fatalf("expected validation error")
	}
	_ = s.Close()
	if err := s.Record(context.Background(), entry("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// batchStore accepts whole batches unless failBatch is set, in which case
// single records still succeed except for the relay named in reject.
type batchStore struct {
	memStore
	batches   int
	failBatch bool
	reject    string
}

func (b *batchStore) RecordBatch(_ context.Context, entries []ledger.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failBatch {
		return errors.New("batch rejected")
	}
	b.batches++
	b.entries = append(b.entries, entries...)
	return nil
}

func (b *batchStore) Record(ctx context.Context, e ledger.Entry) error {
	if e.RelayID == b.reject {
		return errors.New("row rejected")
	}
	return b.memStore.Record(ctx, e)
}

func TestFlushUsesBatchRecorder(t *testing.T) {
	store := &batchStore{}
	s := New(store, Config{BatchSize: 10, FlushInterval: time.Hour})
	for i := 0; i < 10; i++ {
		if err := s.Record(context.Background(), entry("r")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.count() != 10 || store.batches != 1 {
		t.Fatalf("expected one batch of 10, got batches=%d entries=%d", store.batches, store.count())
	}
}

func TestFailedBatchFallsBackToSingleRecords(t *testing.T) {
	store := &batchStore{failBatch: true, reject: "bad"}
	s := New(store, Config{BatchSize: 3, FlushInterval: time.Hour})
	for _, id := range []string{"a", "bad", "c"} {
		if err := s.Record(context.Background(), entry(id)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.count() != 2 {
		t.Fatalf("expected 2 entries stored singly, got %d", store.count())
	}
	if s.Failed() != 1 {
		t.Fatalf("expected 1 failed entry, got %d", s.Failed())
	}
}
