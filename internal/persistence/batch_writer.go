package persistence

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers writes and commits them in one transaction, either when the
// buffer fills or on a timer.
type BatchWriter struct {
	db       *sql.DB
	log      zerolog.Logger
	buffer   []WriteOp
	mu       sync.Mutex
	flushMu  sync.Mutex
	maxSize  int
	interval time.Duration
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	stats    Stats
}

// Stats counts writer activity.
type Stats struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
}

// NewBatchWriter starts the background flusher. maxSize defaults to 50 and interval to 500ms.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log zerolog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		log:      log.With().Str("component", "batch_writer").Logger(),
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write buffers op and flushes when the buffer is full.
func (bw *BatchWriter) Write(query string, args ...any) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(); err != nil {
			bw.log.Error().Err(err).Msg("flush on full buffer")
		}
	}
}

// Flush commits everything buffered so far.
func (bw *BatchWriter) Flush() error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	atomic.AddUint64(&bw.stats.TotalWrites, uint64(len(ops)))
	atomic.AddUint64(&bw.stats.TotalBatches, 1)

	tx, err := bw.db.Begin()
	if err != nil {
		atomic.AddUint64(&bw.stats.TotalErrors, 1)
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&bw.stats.TotalErrors, 1)
			return fmt.Errorf("batch statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.stats.TotalErrors, 1)
		return fmt.Errorf("commit batch: %w", err)
	}
	bw.log.Debug().Int("ops", len(ops)).Msg("batch flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("background flush")
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				bw.log.Warn().Err(err).Msg("final flush")
			}
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) Stats() Stats {
	return Stats{
		TotalWrites:  atomic.LoadUint64(&bw.stats.TotalWrites),
		TotalBatches: atomic.LoadUint64(&bw.stats.TotalBatches),
		TotalErrors:  atomic.LoadUint64(&bw.stats.TotalErrors),
	}
}

// Close flushes what is left and stops the background flusher.
func (bw *BatchWriter) Close() error {
	bw.once.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
