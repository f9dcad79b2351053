package async

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokligence/segment-relay/internal/ledger"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("async ledger closed")

// Store wraps a ledger.Store with asynchronous batch writes so recording a
// finished relay never delays the response.
// Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	logger        *log.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // maximum entries per batch (default: 100)
	FlushInterval time.Duration // maximum time between flushes (default: 1s)
	ChannelBuffer int           // queued entries before Record starts dropping (default: 10000)
	NumWorkers    int           // parallel batch writers (default: 1)
	Logger        *log.Logger
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        cfg.Logger,
	}

	for i := 0; i < cfg.NumWorkers; i++ {
		s.wg.Add(1)
		go s.batchWriter(i)
	}

	s.logf("ledger.async started workers=%d batch_size=%d flush_interval=%v buffer=%d",
		cfg.NumWorkers, cfg.BatchSize, cfg.FlushInterval, cfg.ChannelBuffer)
	return s
}

// batchWriter drains the queue until it is closed, flushing on size or interval.
func (s *Store) batchWriter(workerID int) {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(workerID, batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.entryChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write stores one batch. Stores that support transactions get the whole
// batch at once; if that fails the entries are retried one at a time so a
// single bad row does not take the rest with it.
func (s *Store) write(workerID int, batch []ledger.Entry) {
	ctx := context.Background()
	if br, ok := s.underlying.(ledger.BatchRecorder); ok {
		err := br.RecordBatch(ctx, batch)
		if err == nil {
			return
		}
		s.logf("ledger.async worker=%d batch=%d error=%v; retrying singly", workerID, len(batch), err)
	}
	failed := 0
	for _, entry := range batch {
		if err := s.underlying.Record(ctx, entry); err != nil {
			failed++
			s.failed.Add(1)
			s.logf("ledger.async worker=%d relay=%s error=%v", workerID, entry.RelayID, err)
		}
	}
	if failed > 0 {
		s.logf("ledger.async worker=%d flushed=%d failed=%d", workerID, len(batch)-failed, failed)
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Record queues an entry without blocking; a full queue drops it.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.entryChan <- entry:
	default:
		s.dropped.Add(1)
		s.logf("ledger.async queue full, dropping relay=%s", entry.RelayID)
	}
	return nil
}

// Dropped reports how many entries were discarded because the queue was full.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Failed reports how many queued entries the underlying store rejected.
func (s *Store) Failed() int64 { return s.failed.Load() }

// Summary delegates to the underlying store (blocking operation).
func (s *Store) Summary(ctx context.Context, userID string) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, userID)
}

// ListRecent delegates to the underlying store (blocking operation).
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, userID, limit)
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.entryChan)
	s.mu.Unlock()

	s.wg.Wait()
	return s.underlying.Close()
}
