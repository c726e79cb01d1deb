package client

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/viewstate"
)

// ConnState tracks the client connection machine.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateFailed is terminal: the reconnect budget is exhausted and the
	// viewer was told exactly once.
	StateFailed ConnState = "failed"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// Conn is the read side of a push connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

// DialFunc opens one push connection attempt.
type DialFunc func(ctx context.Context) (Conn, error)

// WebsocketDial dials the debate stream endpoint with the default gorilla
// dialer.
func WebsocketDial(url string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", url)
		}
		return conn, nil
	}
}

type Config struct {
	DebateID string
	Store    *viewstate.Store
	Dial     DialFunc

	// MaxAttempts is the consecutive-failure budget before the client gives
	// up (default 5). The counter resets to zero on every successful connect.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnTerminalError is invoked exactly once when the reconnect budget is
	// exhausted.
	OnTerminalError func(error)

	// OnConnect is invoked after every successful dial, before any frame
	// from that connection is applied. A fresh push subscription yields only
	// new events, so this is the place to Hydrate the gap an outage left.
	OnConnect func()
}

// StreamClient keeps a live subscription to one debate's event stream and the
// local view state consistent across network drops. The push channel never
// replays: a fresh subscription yields only new events, and Hydrate fills the
// gap from the durable log, typically from the OnConnect hook so every
// reconnect catches up.
type StreamClient struct {
	cfg     Config
	logger  zerolog.Logger
	baseCtx context.Context

	mu             sync.Mutex
	state          ConnState
	attempts       int
	conn           Conn
	reconnectTimer *time.Timer
	closed         bool
	backoff        *backoff.ExponentialBackOff

	terminalOnce sync.Once
}

func New(cfg Config) (*StreamClient, error) {
	if cfg.DebateID == "" {
		return nil, errors.New("debate id is empty")
	}
	if cfg.Store == nil {
		return nil, errors.New("view state store is nil")
	}
	if cfg.Dial == nil {
		return nil, errors.New("dial function is nil")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase
	bo.MaxInterval = cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &StreamClient{
		cfg: cfg,
		logger: log.With().
			Str("component", "stream_client").
			Str("debate_id", cfg.DebateID).
			Logger(),
		state:   StateDisconnected,
		backoff: bo,
	}, nil
}

// Connect starts the connection machine. Dial failures feed the reconnect
// schedule rather than returning an error; terminal exhaustion surfaces
// through OnTerminalError.
func (c *StreamClient) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.baseCtx == nil {
		c.baseCtx = ctx
	}
	c.mu.Unlock()
	c.connect()
}

func (c *StreamClient) connect() {
	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	ctx := c.baseCtx
	c.mu.Unlock()

	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("stream dial failed")
		c.handleFailure(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()
	c.logger.Info().Msg("stream connected")

	// Runs before the read loop starts so a catch-up read anchors on the
	// sequence observed before the outage, not on frames from the new
	// connection.
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	go c.readLoop(conn)
}

func (c *StreamClient) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			c.mu.Unlock()
			if stale {
				return
			}
			c.logger.Debug().Err(err).Msg("stream read ended")
			c.handleFailure(err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame decodes one push frame. Malformed or unrecognized payloads are
// logged and dropped without terminating the subscription.
func (c *StreamClient) handleFrame(data []byte) {
	e, err := events.NewEventFromJSON(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed event frame")
		return
	}
	c.cfg.Store.Apply(e)
}

func (c *StreamClient) handleFailure(cause error) {
	c.mu.Lock()
	if c.closed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.attempts++
	if c.attempts >= c.cfg.MaxAttempts {
		c.state = StateFailed
		c.stopReconnectTimerLocked()
		attempts := c.attempts
		c.mu.Unlock()
		c.terminalOnce.Do(func() {
			err := errors.Wrapf(cause, "giving up after %d connection attempts", attempts)
			c.logger.Error().Err(err).Msg("stream client exhausted reconnect attempts")
			if c.cfg.OnTerminalError != nil {
				c.cfg.OnTerminalError(err)
			}
		})
		return
	}
	c.state = StateReconnecting
	delay := c.backoff.NextBackOff()
	c.stopReconnectTimerLocked()
	c.reconnectTimer = time.AfterFunc(delay, c.connect)
	attempt := c.attempts
	c.mu.Unlock()
	c.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("scheduling stream reconnect")
}

// State returns the current connection state.
func (c *StreamClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close disposes the client: the pending reconnect timer is cancelled, the
// connection force-closed, and no further state mutation occurs.
func (c *StreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopReconnectTimerLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}

func (c *StreamClient) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}
