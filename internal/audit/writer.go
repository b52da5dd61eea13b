package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize     = 10_000
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second

	// enqueueWait bounds how long Enqueue blocks when the queue is full
	// before dropping. Brief blocking absorbs flush-sized bursts without
	// ever stalling the request path for long.
	enqueueWait = 25 * time.Millisecond

	maxFlushRetries = 5
	retryBaseDelay  = 200 * time.Millisecond
	maxRetryDelay   = 10 * time.Second
)

// WriterOptions tune the background writer. Zero values take defaults.
type WriterOptions struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Writer accepts records on a bounded queue and flushes them to a Store
// in batches from a single background goroutine. A failed flush retains
// the batch and retries with backoff; the store's idempotent writes make
// the retry safe even if the first attempt partially landed.
type Writer struct {
	store Store

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	dropped atomic.Int64
	written atomic.Int64
	flushes atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewWriter starts the background flush goroutine. ctx bounds flush
// calls against the store; cancelling it does not stop the writer —
// call Close for that.
func NewWriter(ctx context.Context, store Store, opts WriterOptions) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("audit: context must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("audit: store must not be nil")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	w := &Writer{
		store:         store,
		ch:            make(chan Record, opts.QueueSize),
		done:          make(chan struct{}),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		baseCtx:       ctx,
		log:           opts.Logger,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Enqueue hands a record to the writer. When the queue is full it blocks
// briefly, then drops the record and counts it in Dropped.
func (w *Writer) Enqueue(r Record) {
	select {
	case w.ch <- r:
		return
	default:
	}

	t := time.NewTimer(enqueueWait)
	defer t.Stop()
	select {
	case w.ch <- r:
	case <-t.C:
		w.dropped.Add(1)
	}
}

// Dropped reports records lost to queue overflow or abandoned flushes.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written reports records durably handed to the store.
func (w *Writer) Written() int64 { return w.written.Load() }

// Flushes reports completed store writes, including retries.
func (w *Writer) Flushes() int64 { return w.flushes.Load() }

// Close drains the queue, flushes what remains, and stops the goroutine.
// Safe to call more than once.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// flushBatch retries internally and counts any abandoned records.
		// Start fresh either way so one poisoned batch cannot wedge the
		// writer.
		w.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= w.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case r := <-w.ch:
					batch = append(batch, r)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch writes one batch, retrying with exponential backoff. The
// same records are re-sent on each attempt; deduplication is the store's
// contract. Returns false when every attempt failed and the batch was
// abandoned.
func (w *Writer) flushBatch(batch []Record) bool {
	var err error
	for attempt := 0; attempt <= maxFlushRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			select {
			case <-time.After(delay):
			case <-w.baseCtx.Done():
				w.abandon(batch, w.baseCtx.Err())
				return false
			}
		}

		ctx, cancel := context.WithTimeout(w.baseCtx, 30*time.Second)
		err = w.store.WriteBatch(ctx, batch)
		cancel()

		if err == nil {
			w.flushes.Add(1)
			w.written.Add(int64(len(batch)))
			return true
		}

		w.log.WarnContext(w.baseCtx, "audit_flush_failed",
			slog.Int("attempt", attempt+1),
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)
	}

	w.abandon(batch, err)
	return false
}

func (w *Writer) abandon(batch []Record, err error) {
	w.dropped.Add(int64(len(batch)))
	w.log.ErrorContext(w.baseCtx, "audit_batch_abandoned",
		slog.Int("batch_size", len(batch)),
		slog.String("error", err.Error()),
	)
}
