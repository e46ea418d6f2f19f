// Package chat wires the connection, room membership, streaming and the
// message list into one Session. The Session is the only component that
// sends protocol commands.
package chat

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/chatsync/internal/api"
	"github.com/p-blackswan/chatsync/internal/conn"
	"github.com/p-blackswan/chatsync/internal/messages"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/protocol"
	"github.com/p-blackswan/chatsync/internal/room"
	"github.com/p-blackswan/chatsync/internal/stream"
)

// Connection is the subset of *conn.Manager the session uses.
type Connection interface {
	State() conn.State
	IsConnected() bool
	Subscribe(conn.Listener) func()
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (protocol.Frame, error)
}

// Backend is the subset of *api.Client the session uses.
type Backend interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	CreateConversation(ctx context.Context, req api.CreateConversationRequest) (models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	TruncateMessages(ctx context.Context, conversationID, messageID string, inclusive bool) error
	UploadFile(ctx context.Context, filename string, content io.Reader) (models.Attachment, error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
	GetSettings(ctx context.Context) (models.Settings, error)
	UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error)
}

// Config holds session behaviour settings.
type Config struct {
	// Stream asks the backend for streamed responses.
	Stream bool
	// JoinAckTimeout bounds the wait for a join acknowledgment.
	JoinAckTimeout time.Duration
	// SendAckTimeout is how long an optimistic message may wait for any
	// server activity in its conversation before it is marked failed.
	SendAckTimeout time.Duration
	// RejoinTimeout bounds the re-join issued after a reconnect.
	RejoinTimeout time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		Stream:         true,
		JoinAckTimeout: 2 * time.Second,
		SendAckTimeout: 30 * time.Second,
		RejoinTimeout:  10 * time.Second,
	}
}

// Snapshot is a consistent view of the session for presentation.
type Snapshot struct {
	State          conn.State
	ConversationID string
	Conversation   *models.Conversation
	JoinedRoom     string
	Messages       []models.Message
	StreamState    stream.State
	// Streaming is nil when no partial response is visible.
	Streaming          *stream.Buffer
	PendingAttachments []models.Attachment
	LastError          string
}

type pendingSend struct {
	conversationID string
	timer          *time.Timer
}

// Session owns the single writer path to the backend.
type Session struct {
	cfg     Config
	conn    Connection
	api     Backend
	rooms   *room.Tracker
	stream  *stream.Reconciler
	store   *messages.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// view makes a Snapshot atomic with respect to a handoff between the
	// stream buffer and the message list. handoffs counts the ones in
	// progress; component notifications are folded into a single one
	// at the end of each.
	view     sync.RWMutex
	handoffs atomic.Int32

	// selMu orders conversation switches against history loads; selectGen
	// identifies the latest switch.
	selMu     sync.Mutex
	selectGen uint64

	mu           sync.Mutex
	active       string
	conversation *models.Conversation
	lastError    string
	attachments  []models.Attachment
	pending      map[string]pendingSend
	closed       bool

	lmu       sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int

	unsubs []func()
}

// New creates a session. Call Start before use and Close when done.
func New(cfg Config, c Connection, backend Backend, logger zerolog.Logger, m *metrics.Metrics) *Session {
	def := DefaultConfig()
	if cfg.JoinAckTimeout <= 0 {
		cfg.JoinAckTimeout = def.JoinAckTimeout
	}
	if cfg.SendAckTimeout <= 0 {
		cfg.SendAckTimeout = def.SendAckTimeout
	}
	if cfg.RejoinTimeout <= 0 {
		cfg.RejoinTimeout = def.RejoinTimeout
	}

	logger = logger.With().Str("component", "chat").Logger()
	return &Session{
		cfg:       cfg,
		conn:      c,
		api:       backend,
		rooms:     room.New(c, cfg.JoinAckTimeout, logger),
		stream:    stream.New(logger, m),
		store:     messages.New(),
		logger:    logger,
		metrics:   m,
		pending:   make(map[string]pendingSend),
		listeners: make(map[int]func(Snapshot)),
	}
}

// Start subscribes the session to connection events and component changes.
func (s *Session) Start() {
	s.unsubs = append(s.unsubs,
		s.conn.Subscribe(s.onEvent),
		s.store.Subscribe(func(string, []models.Message) { s.notify() }),
		s.stream.Subscribe(func(stream.State, *stream.Buffer) { s.notify() }),
		s.rooms.Subscribe(func(string) { s.notify() }),
	)
}

// Close unsubscribes from everything and stops pending ack timers. It does
// not disconnect the connection, which the caller owns.
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.mu.Lock()
	s.closed = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.view.RLock()
	defer s.view.RUnlock()

	s.mu.Lock()
	snap := Snapshot{
		ConversationID:     s.active,
		LastError:          s.lastError,
		PendingAttachments: append([]models.Attachment(nil), s.attachments...),
	}
	if s.conversation != nil {
		c := *s.conversation
		snap.Conversation = &c
	}
	s.mu.Unlock()

	snap.State = s.conn.State()
	snap.JoinedRoom = s.rooms.Joined()
	snap.Messages = s.store.Messages()
	snap.StreamState = s.stream.State()
	if buf, ok := s.stream.Buffer(); ok {
		snap.Streaming = &buf
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Active returns the active conversation id.
func (s *Session) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) setLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.notify()
}

// handoff runs fn, which moves a response between the stream buffer and
// the message list, so that no snapshot shows an intermediate state.
func (s *Session) handoff(fn func()) {
	s.view.Lock()
	s.handoffs.Add(1)
	fn()
	s.handoffs.Add(-1)
	s.view.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.handoffs.Load() > 0 {
		return
	}
	s.lmu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	if len(fns) == 0 {
		return
	}

	snap := s.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
