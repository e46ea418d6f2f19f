// Package room tracks which conversation room the client has joined on the
// real-time connection. At most one room is joined at a time.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/protocol"
)

// Transport is the part of the connection manager the tracker needs.
type Transport interface {
	IsConnected() bool
	Emit(ctx context.Context, event string, payload any) error
	Request(ctx context.Context, event string, payload any, timeout time.Duration) (protocol.Frame, error)
}

// Tracker records room membership.
type Tracker struct {
	transport  Transport
	ackTimeout time.Duration
	logger     zerolog.Logger

	// serializes join/leave so acks can't interleave
	opMu sync.Mutex

	mu        sync.Mutex
	joined    string
	listeners map[int]func(string)
	nextID    int
}

// New creates a tracker. ackTimeout bounds how long Join waits for the
// server to confirm membership.
func New(transport Transport, ackTimeout time.Duration, logger zerolog.Logger) *Tracker {
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Second
	}
	return &Tracker{
		transport:  transport,
		ackTimeout: ackTimeout,
		logger:     logger.With().Str("component", "room").Logger(),
		listeners:  make(map[int]func(string)),
	}
}

// Joined returns the joined conversation id, or "" when none.
func (t *Tracker) Joined() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined
}

// Join makes conversationID the joined room, leaving any other room first.
// When not connected it logs and returns nil without recording membership.
// An ack timeout is logged and membership is recorded anyway.
func (t *Tracker) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", perrors.ErrInvalidInput)
	}

	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.transport.IsConnected() {
		t.logger.Warn().Str("conversation_id", conversationID).Msg("not connected, skipping join")
		return nil
	}

	current := t.Joined()
	if current == conversationID {
		return nil
	}
	if current != "" {
		t.leave(ctx, current)
	}

	_, err := t.transport.Request(ctx, protocol.EventJoinConversation,
		protocol.JoinConversation{ConversationID: conversationID}, t.ackTimeout)
	switch {
	case err == nil:
	case errors.Is(err, perrors.ErrTimeout):
		t.logger.Warn().Str("conversation_id", conversationID).Dur("timeout", t.ackTimeout).Msg("join not acknowledged, proceeding")
	default:
		return fmt.Errorf("joining %s: %w", conversationID, err)
	}

	t.set(conversationID)
	t.logger.Debug().Str("conversation_id", conversationID).Msg("joined room")
	return nil
}

// Leave leaves conversationID if it is the joined room. Safe to repeat.
func (t *Tracker) Leave(ctx context.Context, conversationID string) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.Joined() != conversationID || conversationID == "" {
		return
	}
	t.leave(ctx, conversationID)
}

func (t *Tracker) leave(ctx context.Context, conversationID string) {
	t.set("")
	if !t.transport.IsConnected() {
		return
	}
	err := t.transport.Emit(ctx, protocol.EventLeaveConversation,
		protocol.LeaveConversation{ConversationID: conversationID})
	if err != nil {
		t.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("leave failed")
	}
}

// Reset forgets membership without telling the server, for use after the
// transport was lost.
func (t *Tracker) Reset() {
	t.set("")
}

// Subscribe registers fn to be called with the joined room on every change.
func (t *Tracker) Subscribe(fn func(string)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) set(conversationID string) {
	t.mu.Lock()
	if t.joined == conversationID {
		t.mu.Unlock()
		return
	}
	t.joined = conversationID
	fns := make([]func(string), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(conversationID)
	}
}
