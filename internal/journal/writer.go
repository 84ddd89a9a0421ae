package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iogate/iogate/internal/config"
)

const maxConsecutiveFails = 5

// Store persists a batch of records in one unit.
type Store interface {
	WriteBatch(ctx context.Context, batch []Record) error
}

// Writer buffers records and flushes them to a Store when a batch fills up
// or the flush interval passes. Failed batches are retried with the next
// flush until maxConsecutiveFails writes in a row have failed.
type Writer struct {
	store         Store
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	submitCh chan Record

	bufferMu      sync.Mutex
	requeueBuffer []Record

	batchMu      sync.Mutex
	currentBatch []Record

	consecutiveFailures int
}

// NewWriter creates a Writer. Zero batch size or interval fall back to the
// config defaults.
func NewWriter(store Store, cfg config.JournalConfig, logger *slog.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushIntervalMS <= 0 {
		cfg.FlushIntervalMS = 1000
	}
	return &Writer{
		store:         store,
		logger:        logger.With("component", "journal"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval(),
		submitCh:      make(chan Record, cfg.BatchSize*2),
		requeueBuffer: make([]Record, 0, cfg.BatchSize*10),
		currentBatch:  make([]Record, 0, cfg.BatchSize),
	}
}

// Submit queues a record. It blocks while the queue is full.
func (w *Writer) Submit(ctx context.Context, record Record) error {
	select {
	case w.submitCh <- record:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// Run processes submitted records until ctx ends, then flushes what is left.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("journal writer starting",
		"batch_size", w.batchSize,
		"flush_interval", w.flushInterval,
	)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			if err := w.flush(context.Background()); err != nil {
				w.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()

		case record := <-w.submitCh:
			w.batchMu.Lock()
			w.currentBatch = append(w.currentBatch, record)
			full := len(w.currentBatch) >= w.batchSize
			w.batchMu.Unlock()

			if full {
				if err := w.flush(ctx); err != nil {
					w.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-ticker.C:
			if err := w.flush(ctx); err != nil {
				w.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// drain moves records still sitting in the queue into the current batch.
func (w *Writer) drain() {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	for {
		select {
		case record := <-w.submitCh:
			w.currentBatch = append(w.currentBatch, record)
		default:
			return
		}
	}
}

// Pending returns the number of records waiting for a retry.
func (w *Writer) Pending() int {
	w.bufferMu.Lock()
	defer w.bufferMu.Unlock()
	return len(w.requeueBuffer)
}

func (w *Writer) flush(ctx context.Context) error {
	w.batchMu.Lock()
	batch := w.currentBatch
	w.currentBatch = make([]Record, 0, w.batchSize)
	w.batchMu.Unlock()

	w.bufferMu.Lock()
	if len(w.requeueBuffer) > 0 {
		batch = append(w.requeueBuffer, batch...)
		w.requeueBuffer = make([]Record, 0, w.batchSize*10)
	}
	w.bufferMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		w.consecutiveFailures++
		w.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"consecutive_failures", w.consecutiveFailures,
		)
		if w.consecutiveFailures < maxConsecutiveFails {
			w.requeue(batch)
		} else {
			w.logger.Error("max consecutive failures reached, dropping batch",
				"dropped_count", len(batch),
			)
			w.consecutiveFailures = 0
		}
		return err
	}

	w.consecutiveFailures = 0
	w.logger.Debug("batch written",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Writer) requeue(batch []Record) {
	w.bufferMu.Lock()
	defer w.bufferMu.Unlock()

	space := w.batchSize*10 - len(w.requeueBuffer)
	if space <= 0 {
		w.logger.Warn("requeue buffer full, dropping batch", "dropped_count", len(batch))
		return
	}
	if len(batch) > space {
		w.logger.Warn("partial requeue due to buffer limit",
			"requeued", space,
			"dropped", len(batch)-space,
		)
		batch = batch[:space]
	}
	w.requeueBuffer = append(w.requeueBuffer, batch...)
}
