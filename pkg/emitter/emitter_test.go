package emitter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches []string
	failN   int
}

func (r *flushRecorder) flush(_ context.Context, batch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("delivery failed")
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *flushRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.batches, "")
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestSizeTriggeredFlushIsSynchronous(t *testing.T) {
	rec := &flushRecorder{}
	em, err := New(rec.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, em.AddChunk(ctx, "ab"))
	require.NoError(t, em.AddChunk(ctx, "cdefgh"))
	require.Equal(t, 0, rec.count(), "below threshold, nothing flushed")

	// Crossing the threshold flushes inline, before AddChunk returns.
	require.NoError(t, em.AddChunk(ctx, "ij"))
	require.Equal(t, 1, rec.count())
	require.Equal(t, "abcdefghij", rec.joined())
	require.Equal(t, 0, em.BufferedLen())
}

func TestTimerFlushDeliversBufferedContent(t *testing.T) {
	rec := &flushRecorder{}
	em, err := New(rec.flush, Options{FlushInterval: 10 * time.Millisecond, MaxBatchSize: 1000})
	require.NoError(t, err)

	require.NoError(t, em.AddChunk(context.Background(), "hello "))
	require.NoError(t, em.AddChunk(context.Background(), "world"))

	require.Eventually(t, func() bool {
		return rec.joined() == "hello world"
	}, time.Second, 5*time.Millisecond)
}

func TestFinalizeFlushesRemainder(t *testing.T) {
	rec := &flushRecorder{}
	em, err := New(rec.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 1000})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, em.AddChunk(ctx, "tail content"))
	require.NoError(t, em.Finalize(ctx))
	require.Equal(t, "tail content", rec.joined())

	// Idempotent, and no further chunks are accepted.
	require.NoError(t, em.Finalize(ctx))
	require.NoError(t, em.AddChunk(ctx, "late"))
	require.Equal(t, "tail content", rec.joined())
}

func TestFailedFlushReprependsContent(t *testing.T) {
	rec := &flushRecorder{failN: 1}
	em, err := New(rec.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 5})
	require.NoError(t, err)

	ctx := context.Background()
	require.Error(t, em.AddChunk(ctx, "12345"))
	require.Equal(t, 5, em.BufferedLen(), "failed batch stays buffered")

	// The next trigger retries the same content, in order.
	require.NoError(t, em.AddChunk(ctx, "6"))
	require.Equal(t, "123456", rec.joined())
}

func TestAbortDrainsBufferOnce(t *testing.T) {
	rec := &flushRecorder{}
	em, err := New(rec.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 1000})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, em.AddChunk(ctx, "partial thought"))

	require.Equal(t, "partial thought", em.Abort())
	require.Equal(t, "", em.Abort(), "second abort returns nothing")
	require.Equal(t, 0, rec.count(), "abort bypasses the flush callback")

	// Finalize after abort must not resurrect anything.
	require.NoError(t, em.Finalize(ctx))
	require.NoError(t, em.AddChunk(ctx, "more"))
	require.Equal(t, 0, rec.count())
}

// gatedFlush blocks inside the callback until released, so tests can hold a
// flush in flight deterministically.
type gatedFlush struct {
	entered chan struct{}
	release chan error

	mu      sync.Mutex
	batches []string
}

func newGatedFlush() *gatedFlush {
	return &gatedFlush{entered: make(chan struct{}, 1), release: make(chan error)}
}

func (g *gatedFlush) flush(_ context.Context, batch string) error {
	g.entered <- struct{}{}
	err := <-g.release
	if err == nil {
		g.mu.Lock()
		g.batches = append(g.batches, batch)
		g.mu.Unlock()
	}
	return err
}

func TestAbortWaitsOutFailingFlush(t *testing.T) {
	gate := newGatedFlush()
	em, err := New(gate.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 5})
	require.NoError(t, err)

	// The size trigger flushes inline, so this goroutine blocks inside the
	// callback holding the batch.
	flushErr := make(chan error, 1)
	go func() { flushErr <- em.AddChunk(context.Background(), "12345") }()
	<-gate.entered

	drained := make(chan string, 1)
	go func() { drained <- em.Abort() }()

	// The in-flight flush fails and hands its batch back; the waiting abort
	// must drain it rather than strand it.
	gate.release <- errors.New("delivery failed")
	require.Error(t, <-flushErr)
	require.Equal(t, "12345", <-drained)
	require.Equal(t, 0, em.BufferedLen())
	require.Equal(t, "", em.Abort())
}

func TestAbortDuringSuccessfulFlushDrainsOnlyRemainder(t *testing.T) {
	gate := newGatedFlush()
	em, err := New(gate.flush, Options{FlushInterval: time.Hour, MaxBatchSize: 5})
	require.NoError(t, err)

	flushDone := make(chan error, 1)
	go func() { flushDone <- em.AddChunk(context.Background(), "12345") }()
	<-gate.entered

	// A chunk arriving mid-flight stays buffered behind the in-flight batch.
	require.NoError(t, em.AddChunk(context.Background(), "6"))

	drained := make(chan string, 1)
	go func() { drained <- em.Abort() }()

	gate.release <- nil
	require.NoError(t, <-flushDone)

	// Subscribers got "12345"; abort surfaces exactly what they did not.
	require.Equal(t, "6", <-drained)
	gate.mu.Lock()
	delivered := strings.Join(gate.batches, "")
	gate.mu.Unlock()
	require.Equal(t, "12345", delivered)
}

func TestNoContentLostAcrossManyChunks(t *testing.T) {
	rec := &flushRecorder{}
	em, err := New(rec.flush, Options{FlushInterval: 5 * time.Millisecond, MaxBatchSize: 16})
	require.NoError(t, err)

	ctx := context.Background()
	var want strings.Builder
	for i := 0; i < 200; i++ {
		chunk := string(rune('a'+i%26)) + " "
		want.WriteString(chunk)
		require.NoError(t, em.AddChunk(ctx, chunk))
	}
	require.NoError(t, em.Finalize(ctx))
	require.Equal(t, want.String(), rec.joined())
}

func TestNewRequiresCallback(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}
