package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
)

// ViewerConn is the write side of one push connection. *websocket.Conn
// satisfies it.
type ViewerConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// viewer owns one connection's outbound queue. A dedicated writer goroutine
// serializes writes so a stalled peer blocks only its own queue, never the
// debate's forwarder.
type viewer struct {
	conn ViewerConn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

// ConnectionPool fans one debate's event frames out to its viewers. Each
// viewer gets a bounded outbound queue and a write deadline; a viewer that
// cannot keep up with the stream is dropped rather than applying backpressure
// to the other viewers. Once the last viewer leaves, an idle timer fires
// onIdle so the hub can stop the debate's forwarder.
type ConnectionPool struct {
	debateID     string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int
	onIdle       func()

	mu        sync.Mutex
	viewers   map[ViewerConn]*viewer
	idleTimer *time.Timer
}

func NewConnectionPool(debateID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		debateID:     debateID,
		idleTimeout:  idleTimeout,
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		onIdle:       onIdle,
		viewers:      map[ViewerConn]*viewer{},
	}
}

func (cp *ConnectionPool) Add(conn ViewerConn) {
	if cp == nil || conn == nil {
		return
	}
	v := &viewer{
		conn: conn,
		out:  make(chan []byte, cp.sendBuffer),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	cp.viewers[conn] = v
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	go cp.writeLoop(v)
}

func (cp *ConnectionPool) writeLoop(v *viewer) {
	for {
		select {
		case <-v.done:
			return
		case data := <-v.out:
			_ = v.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().
					Err(err).
					Str("component", "server").
					Str("debate_id", cp.debateID).
					Msg("viewer write failed, dropping connection")
				cp.Remove(v.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn ViewerConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	v := cp.viewers[conn]
	delete(cp.viewers, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	if v != nil {
		v.close()
		return
	}
	_ = conn.Close()
}

// Broadcast queues one frame to every viewer. A viewer whose queue is already
// full has fallen a whole buffer behind the stream and gets dropped; it can
// reconnect and hydrate from the durable log instead of stalling everyone.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var slow []*viewer
	cp.mu.Lock()
	for conn, v := range cp.viewers {
		select {
		case v.out <- data:
		default:
			log.Warn().
				Str("component", "server").
				Str("debate_id", cp.debateID).
				Int("queued", len(v.out)).
				Msg("viewer cannot keep up, dropping connection")
			delete(cp.viewers, conn)
			slow = append(slow, v)
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	for _, v := range slow {
		v.close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.viewers)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	closing := make([]*viewer, 0, len(cp.viewers))
	for conn, v := range cp.viewers {
		closing = append(closing, v)
		delete(cp.viewers, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, v := range closing {
		v.close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.viewers) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	if cp == nil {
		return
	}
	var callback func()
	cp.mu.Lock()
	if len(cp.viewers) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
