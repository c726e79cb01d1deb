package server

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/bus"
)

// Hub owns viewer attachment per debate: one forwarder goroutine consumes the
// debate's live topic and broadcasts every frame to the attached connection
// pool. An idle pool stops its forwarder so abandoned debates do not leak
// readers.
type Hub struct {
	baseCtx     context.Context
	backend     bus.StreamBackend
	idleTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*debateStream
	closed  bool
}

type debateStream struct {
	debateID string
	pool     *ConnectionPool
	cancel   context.CancelFunc
	sub      message.Subscriber
	ownedSub bool
}

type HubConfig struct {
	BaseCtx context.Context
	Backend bus.StreamBackend
	// IdleTimeout stops a debate's forwarder once its last viewer leaves.
	// Zero keeps forwarders alive until Close.
	IdleTimeout time.Duration
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("hub base context is nil")
	}
	if cfg.Backend == nil {
		return nil, errors.New("hub stream backend is nil")
	}
	return &Hub{
		baseCtx:     cfg.BaseCtx,
		backend:     cfg.Backend,
		idleTimeout: cfg.IdleTimeout,
		streams:     map[string]*debateStream{},
	}, nil
}

// Attach subscribes one viewer connection to a debate's live stream. The
// read loop only watches for the peer closing; the push channel is
// uni-directional.
func (h *Hub) Attach(debateID string, conn *websocket.Conn) error {
	if debateID == "" {
		return errors.New("debate id is empty")
	}
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	ds, err := h.ensureStream(debateID)
	if err != nil {
		return err
	}
	ds.pool.Add(conn)
	log.Info().
		Str("component", "server").
		Str("debate_id", debateID).
		Str("remote", conn.RemoteAddr().String()).
		Msg("viewer attached")

	go func() {
		defer ds.pool.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug().
					Err(err).
					Str("component", "server").
					Str("debate_id", debateID).
					Msg("viewer disconnected")
				return
			}
		}
	}()
	return nil
}

func (h *Hub) ensureStream(debateID string) (*debateStream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("hub is closed")
	}
	if ds, ok := h.streams[debateID]; ok {
		return ds, nil
	}

	sub, owned, err := h.backend.BuildSubscriber(h.baseCtx, debateID)
	if err != nil {
		return nil, errors.Wrap(err, "build debate subscriber")
	}
	fwdCtx, cancel := context.WithCancel(h.baseCtx)
	ds := &debateStream{
		debateID: debateID,
		cancel:   cancel,
		sub:      sub,
		ownedSub: owned,
	}
	ds.pool = NewConnectionPool(debateID, h.idleTimeout, func() { h.release(debateID) })

	ch, err := sub.Subscribe(fwdCtx, bus.Topic(debateID))
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrap(err, "subscribe debate topic")
	}
	go forward(debateID, ch, ds.pool)

	h.streams[debateID] = ds
	return ds, nil
}

// forward broadcasts every live frame to the pool in emission order.
func forward(debateID string, ch <-chan *message.Message, pool *ConnectionPool) {
	log.Info().Str("component", "server").Str("debate_id", debateID).Msg("forwarder started")
	for msg := range ch {
		pool.Broadcast(msg.Payload)
		msg.Ack()
	}
	log.Info().Str("component", "server").Str("debate_id", debateID).Msg("forwarder stopped")
}

func (h *Hub) release(debateID string) {
	h.mu.Lock()
	ds, ok := h.streams[debateID]
	if ok {
		delete(h.streams, debateID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	ds.cancel()
	if ds.ownedSub {
		_ = ds.sub.Close()
	}
	ds.pool.CloseAll()
	log.Info().Str("component", "server").Str("debate_id", debateID).Msg("debate stream released")
}

// ViewerCount reports attached viewers for one debate.
func (h *Hub) ViewerCount(debateID string) int {
	h.mu.Lock()
	ds, ok := h.streams[debateID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return ds.pool.Count()
}

// Close releases every debate stream.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.streams))
	for id := range h.streams {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.release(id)
	}
}
