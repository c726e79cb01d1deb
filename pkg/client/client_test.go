package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/viewstate"
)

// fakeConn feeds scripted frames to the read loop and fails the read once
// closed or drained.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeConn) push(frame []byte) { f.frames <- frame }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.frames:
		return 1, frame, nil
	case <-f.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// scriptedDialer fails the first failN attempts, then hands out fresh fake
// connections.
type scriptedDialer struct {
	mu    sync.Mutex
	calls int
	failN int
	conns []*fakeConn
}

func (d *scriptedDialer) dial(_ context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failN {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestClient(t *testing.T, dial DialFunc, onTerminal func(error)) (*StreamClient, *viewstate.Store) {
	t.Helper()
	store := viewstate.NewStore()
	c, err := New(Config{
		DebateID:        "d1",
		Store:           store,
		Dial:            dial,
		BackoffBase:     time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
		OnTerminalError: onTerminal,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, store
}

func TestTerminalErrorAfterExhaustedAttempts(t *testing.T) {
	dialer := &scriptedDialer{failN: 1 << 30}
	var terminalCalls atomic.Int32
	c, _ := newTestClient(t, dialer.dial, func(err error) {
		terminalCalls.Add(1)
		require.Contains(t, err.Error(), "5 connection attempts")
	})

	c.Connect(context.Background())
	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	require.EqualValues(t, 1, terminalCalls.Load(), "terminal callback fires exactly once")
	require.Equal(t, 5, dialer.callCount())

	// Failed is terminal: no further dials ever happen.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 5, dialer.callCount())
}

func TestAttemptCounterResetsOnSuccess(t *testing.T) {
	dialer := &scriptedDialer{failN: 3}
	var terminal atomic.Int32
	c, _ := newTestClient(t, dialer.dial, func(error) { terminal.Add(1) })

	c.Connect(context.Background())
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 4, dialer.callCount(), "three failures, then a successful dial")

	// Drop the live connection; earlier failures no longer count against the
	// budget, so five fresh failures are needed before giving up.
	dialer.mu.Lock()
	dialer.failN = 1 << 30
	dialer.mu.Unlock()
	require.NoError(t, dialer.lastConn().Close())

	require.Eventually(t, func() bool {
		return c.State() == StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 9, dialer.callCount())
	require.EqualValues(t, 1, terminal.Load())
}

func TestFramesApplyAndMalformedFramesDrop(t *testing.T) {
	dialer := &scriptedDialer{}
	c, store := newTestClient(t, dialer.dial, nil)
	c.Connect(context.Background())
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	conn := dialer.lastConn()
	require.NotNil(t, conn)

	good, err := events.ToJSON(events.NewTurnStreaming("d1", "t0", script.SpeakerFor, "hello ", 6))
	require.NoError(t, err)
	conn.push(good)
	conn.push([]byte(`{"type":"turn_telepathy"}`))
	conn.push([]byte(`{not json`))
	more, err := events.ToJSON(events.NewTurnStreaming("d1", "t0", script.SpeakerFor, "world", 11))
	require.NoError(t, err)
	conn.push(more)

	require.Eventually(t, func() bool {
		entry, ok := store.Entry("t0")
		return ok && entry.Content == "hello world"
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, StateConnected, c.State(), "bad frames never tear the connection down")
}

func TestCloseCancelsPendingReconnect(t *testing.T) {
	dialer := &scriptedDialer{failN: 1 << 30}
	c, _ := newTestClient(t, dialer.dial, nil)

	// Use a long enough backoff that Close lands before the retry fires.
	c.cfg.BackoffBase = 50 * time.Millisecond
	c.backoff.InitialInterval = 50 * time.Millisecond
	c.backoff.Reset()

	c.Connect(context.Background())
	require.Equal(t, 1, dialer.callCount())
	c.Close()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, dialer.callCount(), "no dial after close")
	require.Equal(t, StateDisconnected, c.State())
}

func TestHTTPCatchupSourceDecodesAndSkipsCorrupt(t *testing.T) {
	frame, err := events.ToJSON(events.NewTurnCompleted("d1", "t0", script.SpeakerFor, "done", 2))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/debate/d1/events", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("after_seq"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"debateId":"d1","events":[` +
			`{"id":"1-0","seq":8,"event":` + string(frame) + `},` +
			`{"id":"1-1","seq":9,"event":{"type":"turn_telepathy"}}` +
			`]}`))
	}))
	defer srv.Close()

	src := &HTTPCatchupSource{BaseURL: srv.URL}
	stored, err := src.EventsAfterSeq(context.Background(), "d1", 7, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1, "the undecodable entry is skipped")
	require.Equal(t, "1-0", stored[0].ID)
	require.Equal(t, events.TypeTurnCompleted, stored[0].Event.EventType())
}
