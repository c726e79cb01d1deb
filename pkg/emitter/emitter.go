package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFlushInterval = 200 * time.Millisecond
	DefaultMaxBatchSize  = 150
)

// FlushFunc delivers one batch of buffered content. A non-nil error means the
// batch was not delivered; the emitter re-buffers it for the next trigger.
type FlushFunc func(ctx context.Context, batch string) error

type Options struct {
	// FlushInterval is the timer delay armed when the first chunk lands in an
	// empty buffer. Defaults to 200ms.
	FlushInterval time.Duration
	// MaxBatchSize triggers an immediate synchronous flush once the buffered
	// length reaches it. Defaults to 150.
	MaxBatchSize int
}

// Emitter buffers fine-grained generation output and flushes it in time- or
// size-triggered batches, decoupling per-token arrival from outbound message
// cadence. A failed flush never drops content: the batch is re-prepended to
// the live buffer and retried on the next trigger.
type Emitter struct {
	onFlush  FlushFunc
	interval time.Duration
	maxBatch int

	mu        sync.Mutex
	idle      *sync.Cond
	buf       string
	timer     *time.Timer
	flushing  bool
	finalized bool
	aborted   bool
}

func New(onFlush FlushFunc, opts Options) (*Emitter, error) {
	if onFlush == nil {
		return nil, errors.New("flush callback is nil")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	e := &Emitter{
		onFlush:  onFlush,
		interval: opts.FlushInterval,
		maxBatch: opts.MaxBatchSize,
	}
	e.idle = sync.NewCond(&e.mu)
	return e, nil
}

// AddChunk appends to the internal buffer. It arms the flush timer if none is
// pending and triggers a synchronous flush once the buffered length reaches
// the size threshold. Chunks arriving after Finalize or Abort are logged and
// dropped.
func (e *Emitter) AddChunk(ctx context.Context, chunk string) error {
	if chunk == "" {
		return nil
	}
	e.mu.Lock()
	if e.finalized || e.aborted {
		e.mu.Unlock()
		log.Warn().
			Str("component", "emitter").
			Int("chunk_len", len(chunk)).
			Bool("finalized", e.finalized).
			Msg("chunk rejected: emitter is done")
		return nil
	}
	e.buf += chunk
	sizeTriggered := len(e.buf) >= e.maxBatch
	if !sizeTriggered && e.timer == nil {
		e.timer = time.AfterFunc(e.interval, e.timerFlush)
	}
	e.mu.Unlock()

	if sizeTriggered {
		return e.flush(ctx)
	}
	return nil
}

// Finalize clears any pending timer, flushes remaining content and marks the
// emitter done. Idempotent. Must run before any turn-completed signal so no
// trailing content is dropped.
func (e *Emitter) Finalize(ctx context.Context) error {
	e.mu.Lock()
	if e.finalized || e.aborted {
		e.mu.Unlock()
		return nil
	}
	e.finalized = true
	e.stopTimerLocked()
	e.mu.Unlock()
	return e.flush(ctx)
}

// Abort synchronously drains and returns the unflushed buffer, bypassing the
// flush callback, so the caller can persist it directly as partial content.
// Idempotent: a second call returns the empty string. No further chunks are
// accepted afterwards.
func (e *Emitter) Abort() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.aborted {
		return ""
	}
	e.aborted = true
	e.stopTimerLocked()
	// An in-flight flush may still fail and hand its batch back. Wait for it
	// to settle so the drained buffer is complete.
	for e.flushing {
		e.idle.Wait()
	}
	buf := e.buf
	e.buf = ""
	return buf
}

// BufferedLen reports the current unflushed buffer length.
func (e *Emitter) BufferedLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

func (e *Emitter) timerFlush() {
	if err := e.flush(context.Background()); err != nil {
		log.Warn().
			Err(err).
			Str("component", "emitter").
			Msg("timed flush failed, content re-buffered")
	}
}

// flush atomically swaps the buffer for an empty one and invokes the flush
// callback outside the lock. The flushing flag keeps at most one flush in
// flight; a concurrent trigger waits for the in-flight one to settle and then
// drains whatever remains.
func (e *Emitter) flush(ctx context.Context) error {
	for {
		e.mu.Lock()
		for e.flushing {
			e.idle.Wait()
		}
		if e.aborted || len(e.buf) == 0 {
			e.mu.Unlock()
			return nil
		}
		e.stopTimerLocked()
		batch := e.buf
		e.buf = ""
		e.flushing = true
		e.mu.Unlock()

		err := e.onFlush(ctx, batch)

		e.mu.Lock()
		e.flushing = false
		e.idle.Broadcast()
		if err != nil {
			// Re-prepend so chunks added during the failed flush stay ordered
			// after the batch.
			e.buf = batch + e.buf
			if e.timer == nil && !e.finalized && !e.aborted {
				e.timer = time.AfterFunc(e.interval, e.timerFlush)
			}
			e.mu.Unlock()
			return errors.Wrap(err, "flush batch")
		}
		drainMore := e.finalized && len(e.buf) > 0
		if !drainMore && len(e.buf) > 0 && e.timer == nil && !e.aborted {
			e.timer = time.AfterFunc(e.interval, e.timerFlush)
		}
		e.mu.Unlock()
		if !drainMore {
			return nil
		}
	}
}

func (e *Emitter) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
