package server

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// stubViewerConn records writes; BlockWrites holds the writer goroutine
// inside WriteMessage so tests can fill the outbound queue deterministically.
type stubViewerConn struct {
	mu       sync.Mutex
	written  [][]byte
	failWith error
	closed   bool

	blockEntered chan struct{}
	blockRelease chan struct{}
}

func newStubViewerConn() *stubViewerConn {
	return &stubViewerConn{}
}

func (s *stubViewerConn) BlockWrites() {
	s.blockEntered = make(chan struct{}, 1)
	s.blockRelease = make(chan struct{})
}

func (s *stubViewerConn) WriteMessage(_ int, data []byte) error {
	if s.blockEntered != nil {
		s.blockEntered <- struct{}{}
		<-s.blockRelease
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.written = append(s.written, data)
	return nil
}

func (s *stubViewerConn) SetWriteDeadline(time.Time) error { return nil }

func (s *stubViewerConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubViewerConn) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func (s *stubViewerConn) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestBroadcastReachesEveryViewer(t *testing.T) {
	cp := NewConnectionPool("d1", 0, nil)
	a, b := newStubViewerConn(), newStubViewerConn()
	cp.Add(a)
	cp.Add(b)
	require.Equal(t, 2, cp.Count())

	cp.Broadcast([]byte(`{"type":"turn_streaming"}`))
	require.Eventually(t, func() bool {
		return a.writeCount() == 1 && b.writeCount() == 1
	}, time.Second, time.Millisecond)

	cp.CloseAll()
	require.Equal(t, 0, cp.Count())
	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
}

func TestSlowViewerIsDroppedWithoutStallingOthers(t *testing.T) {
	cp := NewConnectionPool("d1", 0, nil)

	slow := newStubViewerConn()
	slow.BlockWrites()
	cp.sendBuffer = 1
	cp.Add(slow)
	fast := newStubViewerConn()
	cp.sendBuffer = 8
	cp.Add(fast)

	// First frame lands in the slow viewer's writer, which blocks mid-write.
	cp.Broadcast([]byte("one"))
	<-slow.blockEntered
	// Second frame fills its queue; the third finds it full and drops it.
	cp.Broadcast([]byte("two"))
	cp.Broadcast([]byte("three"))

	require.Equal(t, 1, cp.Count(), "slow viewer evicted from the pool")
	require.Eventually(t, func() bool { return fast.writeCount() == 3 }, time.Second, time.Millisecond)
	require.True(t, slow.isClosed())
	close(slow.blockRelease)
}

func TestFailedWriteDropsThatViewerOnly(t *testing.T) {
	cp := NewConnectionPool("d1", 0, nil)
	broken := newStubViewerConn()
	broken.failWith = errors.New("broken pipe")
	healthy := newStubViewerConn()
	cp.Add(broken)
	cp.Add(healthy)

	cp.Broadcast([]byte("frame"))
	require.Eventually(t, func() bool { return cp.Count() == 1 }, time.Second, time.Millisecond)
	require.True(t, broken.isClosed())
	require.Eventually(t, func() bool { return healthy.writeCount() == 1 }, time.Second, time.Millisecond)
}

func TestIdleTimerFiresAfterLastViewerLeaves(t *testing.T) {
	idle := make(chan struct{}, 1)
	cp := NewConnectionPool("d1", 10*time.Millisecond, func() { idle <- struct{}{} })
	conn := newStubViewerConn()
	cp.Add(conn)

	select {
	case <-idle:
		t.Fatal("idle fired while a viewer was attached")
	case <-time.After(30 * time.Millisecond):
	}

	cp.Remove(conn)
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle never fired after the last viewer left")
	}
	require.True(t, conn.isClosed())
}
