// Package conn supervises the single real-time connection to the chat
// backend: authenticated handshake, bounded reconnects, keepalive, ordered
// event delivery and acknowledged requests.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/protocol"
	"github.com/p-blackswan/chatsync/internal/retry"
)

// TokenSource supplies bearer tokens. *auth.Context implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Config holds connection configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8000/ws".
	URL string

	// HandshakeTimeout bounds dialing plus waiting for the connected event.
	HandshakeTimeout time.Duration

	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts caps attempts per connect or reconnect cycle.
	MaxReconnectAttempts int

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration

	// PongTimeout is how long a ping may go unanswered.
	PongTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:8000/ws",
		HandshakeTimeout:     10 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
	}
}

type ackResult struct {
	frame protocol.Frame
	err   error
}

// Manager owns at most one live connection per client instance.
type Manager struct {
	cfg     Config
	auth    TokenSource
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  websocket.Dialer

	state        atomic.Int32
	reconnecting atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	gen     uint64
	stopCh  chan struct{}
	stopped bool
	// epoch changes on every explicit Connect or Disconnect; a connect
	// cycle started under an older epoch must not install its socket.
	epoch       uint64
	cancelCycle context.CancelFunc

	writeMu sync.Mutex

	lmu        sync.RWMutex
	listeners  map[uint64]Listener
	nextID     uint64
	dispatchMu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan ackResult
}

// New creates a connection manager. Nothing is dialed until Connect.
func New(cfg Config, auth TokenSource, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	return &Manager{
		cfg:       cfg,
		auth:      auth,
		logger:    logger.With().Str("component", "conn").Logger(),
		metrics:   m,
		dialer:    websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		stopCh:    make(chan struct{}),
		listeners: make(map[uint64]Listener),
		pending:   make(map[string]chan ackResult),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// IsConnected returns true if the client is connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect establishes the connection with the token from the auth source.
// It is a no-op when already connected with the same token and reconnects
// when the token changed. Transient failures are retried with a fixed delay;
// exhausting the attempts emits and returns an error wrapping ErrConnection.
func (m *Manager) Connect(ctx context.Context) error {
	token, err := m.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", perrors.ErrConnection, err)
	}
	if token == "" {
		return fmt.Errorf("%w: %w: empty token", perrors.ErrConnection, perrors.ErrAuthFailure)
	}

	m.mu.Lock()
	if m.stopped {
		m.stopCh = make(chan struct{})
		m.stopped = false
	}
	if m.conn != nil && m.token == token && m.State() == StateConnected {
		m.mu.Unlock()
		return nil
	}
	m.supersedeLocked()
	epoch := m.epoch
	old := m.conn
	m.conn = nil
	m.gen++
	stop := m.stopCh
	m.mu.Unlock()

	if old != nil {
		m.logger.Info().Msg("token changed, replacing connection")
		m.closeConn(old)
	}

	return m.connectWithRetry(ctx, token, stop, epoch)
}

// supersedeLocked abandons any automatic reconnect cycle in progress.
// m.mu must be held.
func (m *Manager) supersedeLocked() {
	m.epoch++
	if m.cancelCycle != nil {
		m.cancelCycle()
		m.cancelCycle = nil
	}
}

func (m *Manager) superseded(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch != epoch
}

func (m *Manager) connectWithRetry(ctx context.Context, token string, stop chan struct{}, epoch uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.setState(StateConnecting)

	cfg := retry.Fixed(m.cfg.MaxReconnectAttempts, m.cfg.ReconnectDelay)
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.metrics.RecordReconnect()
		m.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("connect failed, retrying")
	}

	refreshed := false
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		err := m.dial(ctx, token, stop, epoch)
		if errors.Is(err, perrors.ErrAuthFailure) && !refreshed {
			refreshed = true
			fresh, rerr := m.auth.Refresh(ctx)
			if rerr != nil {
				return err
			}
			token = fresh
			m.logger.Info().Msg("retrying handshake with refreshed token")
			err = m.dial(ctx, token, stop, epoch)
		}
		return err
	})
	if err == nil {
		return nil
	}

	select {
	case <-stop:
		// Disconnect during connect is not a failure worth surfacing.
		return context.Canceled
	default:
	}
	if m.superseded(epoch) {
		// a newer Connect owns the state now
		return context.Canceled
	}

	m.setState(StateDisconnected)
	m.metrics.RecordError("conn", "connect")
	connErr := fmt.Errorf("%w: %w", perrors.ErrConnection, err)
	m.logger.Error().Err(err).Msg("giving up on connection")
	m.emit(Event{Type: EventError, State: StateDisconnected, Err: connErr})
	return connErr
}

// dial performs one attempt: websocket upgrade, then wait for "connected".
func (m *Manager) dial(ctx context.Context, token string, stop chan struct{}, epoch uint64) error {
	m.logger.Info().Str("url", m.cfg.URL).Msg("connecting to chat backend")

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := m.dialer.DialContext(hctx, m.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake status %d", perrors.ErrAuthFailure, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if hctx.Err() != nil {
			return fmt.Errorf("%w: dial: %v", perrors.ErrTimeout, err)
		}
		return fmt.Errorf("%w: dial: %v", perrors.ErrUnavailable, err)
	}

	if err := m.awaitConnected(conn); err != nil {
		conn.Close()
		return err
	}

	m.mu.Lock()
	select {
	case <-stop:
		m.mu.Unlock()
		conn.Close()
		return context.Canceled
	default:
	}
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close()
		return context.Canceled
	}
	replaced := m.conn
	m.conn = conn
	m.token = token
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	if replaced != nil {
		m.closeConn(replaced)
	}

	if m.cfg.PingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.PingInterval + m.cfg.PongTimeout))
	}

	// state first so listeners see connected before any frame
	m.setState(StateConnected)
	m.logger.Info().Msg("connected to chat backend")

	done := make(chan struct{})
	go m.readLoop(conn, gen, done)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(conn, stop, done)
	}
	return nil
}

// awaitConnected reads frames until the server acknowledges authentication.
func (m *Manager) awaitConnected(conn *websocket.Conn) error {
	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: waiting for connected event", perrors.ErrTimeout)
			}
			return fmt.Errorf("%w: reading handshake: %v", perrors.ErrUnavailable, err)
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		switch frame.Event {
		case protocol.EventConnected:
			return nil
		case protocol.EventError:
			var p protocol.ErrorPayload
			_ = frame.Decode(&p)
			if p.Message == "" {
				p.Message = frame.Error
			}
			return fmt.Errorf("%w: %s", perrors.ErrAuthFailure, p.Message)
		default:
			m.logger.Debug().Str("event", frame.Event).Msg("skipping event during handshake")
		}
	}
}

// readLoop delivers frames in transport order until the socket fails.
func (m *Manager) readLoop(conn *websocket.Conn, gen uint64, done chan struct{}) {
	defer func() {
		close(done)
		conn.Close()

		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.conn = nil
		}
		stop := m.stopCh
		stopped := m.stopped
		m.mu.Unlock()

		if !current || stopped {
			return
		}
		m.failPending(fmt.Errorf("%w: connection lost", perrors.ErrConnection))
		m.setState(StateDisconnected)
		go m.reconnect(stop)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				m.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(msg, &frame); err != nil {
			m.logger.Warn().Err(err).Msg("ws parse error")
			m.metrics.RecordError("conn", "parse")
			continue
		}
		m.metrics.RecordEvent(frame.Event)

		if frame.Event == protocol.EventAck {
			m.resolve(frame)
			continue
		}

		if !m.current(gen) {
			m.logger.Debug().Str("event", frame.Event).Msg("frame from replaced connection dropped")
			continue
		}
		m.logger.Trace().Str("event", frame.Event).Msg("event received")
		m.emit(Event{Type: EventMessage, State: StateConnected, Frame: frame})
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.PongTimeout)); err != nil {
				m.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

// reconnect re-enters connecting after a lost connection. An explicit
// Connect or Disconnect in the meantime cancels it.
func (m *Manager) reconnect(stop chan struct{}) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	// a Connect already in flight owns the socket
	if m.conn != nil || m.State() != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.cancelCycle != nil {
		m.cancelCycle()
	}
	m.cancelCycle = cancel
	epoch := m.epoch
	m.mu.Unlock()

	timer := time.NewTimer(m.cfg.ReconnectDelay)
	select {
	case <-stop:
		timer.Stop()
		return
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if m.epoch != epoch || m.conn != nil || m.State() != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.metrics.RecordReconnect()
	token, err := m.auth.Token(ctx)
	if err != nil {
		if m.superseded(epoch) {
			return
		}
		m.setState(StateDisconnected)
		m.emit(Event{Type: EventError, State: StateDisconnected, Err: fmt.Errorf("%w: %w", perrors.ErrConnection, err)})
		return
	}
	_ = m.connectWithRetry(ctx, token, stop, epoch)
}

// Disconnect tears the connection down. Listeners are unregistered first,
// so no event is delivered once it returns. The manager may be connected
// again afterwards.
func (m *Manager) Disconnect() error {
	m.lmu.Lock()
	m.listeners = make(map[uint64]Listener)
	m.lmu.Unlock()

	// wait for an in-flight delivery to finish
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock()

	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.supersedeLocked()
	conn := m.conn
	m.conn = nil
	m.token = ""
	m.gen++
	m.mu.Unlock()

	m.failPending(fmt.Errorf("%w: disconnected", perrors.ErrConnection))
	m.setState(StateDisconnected)

	if conn != nil {
		m.logger.Info().Msg("disconnecting from chat backend")
		return m.closeConn(conn)
	}
	return nil
}

func (m *Manager) closeConn(conn *websocket.Conn) error {
	m.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.writeMu.Unlock()
	return conn.Close()
}

// Emit sends a fire-and-forget event.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	frame, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	return m.write(ctx, frame)
}

// Request sends an event carrying an ack id and waits for the matching ack
// frame. It returns ErrTimeout when no ack arrives within timeout.
func (m *Manager) Request(ctx context.Context, event string, payload any, timeout time.Duration) (protocol.Frame, error) {
	id := uuid.New().String()
	frame, err := protocol.NewFrame(event, id, payload)
	if err != nil {
		return protocol.Frame{}, err
	}

	ch := make(chan ackResult, 1)
	m.pmu.Lock()
	m.pending[id] = ch
	m.pmu.Unlock()
	defer func() {
		m.pmu.Lock()
		delete(m.pending, id)
		m.pmu.Unlock()
	}()

	if err := m.write(ctx, frame); err != nil {
		return protocol.Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return protocol.Frame{}, res.err
		}
		if res.frame.Error != "" {
			return res.frame, fmt.Errorf("%w: %s: %s", perrors.ErrCommandRejected, event, res.frame.Error)
		}
		return res.frame, nil
	case <-timer.C:
		return protocol.Frame{}, fmt.Errorf("%w: no ack for %s", perrors.ErrTimeout, event)
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

func (m *Manager) write(ctx context.Context, frame protocol.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.State() != StateConnected {
		return fmt.Errorf("%w: not connected", perrors.ErrConnection)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		m.metrics.RecordError("conn", "write")
		return fmt.Errorf("%w: writing %s: %v", perrors.ErrConnection, frame.Event, err)
	}
	return nil
}

func (m *Manager) resolve(frame protocol.Frame) {
	m.pmu.Lock()
	ch, ok := m.pending[frame.ID]
	if ok {
		delete(m.pending, frame.ID)
	}
	m.pmu.Unlock()

	if !ok {
		m.logger.Debug().Str("id", frame.ID).Msg("ack for unknown request")
		return
	}
	ch <- ackResult{frame: frame}
}

func (m *Manager) failPending(err error) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	for id, ch := range m.pending {
		ch <- ackResult{err: err}
		delete(m.pending, id)
	}
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	m.metrics.SetConnectionState(float64(s))
	if old == s {
		return
	}
	m.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("connection state changed")
	m.emit(Event{Type: EventState, State: s})
}
