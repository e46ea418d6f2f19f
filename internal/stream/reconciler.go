// Package stream folds streamed response events into a single buffer for
// the active conversation.
package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/metrics"
	"github.com/p-blackswan/chatsync/internal/models"
)

// State of the reconciler for the active conversation.
type State int

const (
	Idle State = iota
	Streaming
)

func (s State) String() string {
	if s == Streaming {
		return "streaming"
	}
	return "idle"
}

// Buffer is the partial content of an in-flight response.
type Buffer struct {
	ConversationID string
	Content        string
	// Degraded is set when the stream ended without a final message and
	// the partial content is all there is.
	Degraded  bool
	StartedAt time.Time
}

// Listener is told about every buffer change. buf is nil when no buffer
// is visible.
type Listener func(state State, buf *Buffer)

// Reconciler is the Idle/Streaming state machine. Events for any
// conversation other than the active one are dropped.
type Reconciler struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	active  string
	state   State
	content strings.Builder
	buf     *Buffer
	// closed is set once a turn has ended or been stopped; late chunks are
	// ignored until the next Start.
	closed bool

	listeners map[int]Listener
	nextID    int
}

// New creates a reconciler with no active conversation.
func New(logger zerolog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		logger:    logger.With().Str("component", "stream").Logger(),
		metrics:   m,
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
}

// SetActive switches the active conversation. Any buffer for the previous
// conversation is destroyed.
func (r *Reconciler) SetActive(conversationID string) {
	r.mu.Lock()
	if r.active == conversationID {
		r.mu.Unlock()
		return
	}
	r.active = conversationID
	r.reset(false)
	r.mu.Unlock()
	r.notify()
}

// Active returns the active conversation id.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start opens a fresh buffer. It reports whether the event was applied.
func (r *Reconciler) Start(conversationID string) bool {
	r.mu.Lock()
	if !r.isActive(conversationID) {
		r.mu.Unlock()
		return false
	}
	if r.state == Streaming {
		r.logger.Warn().Str("conversation_id", conversationID).Msg("stream_start while streaming, restarting buffer")
	}
	r.open()
	r.mu.Unlock()
	r.notify()
	return true
}

// Chunk appends content to the buffer. done does not finalize the turn;
// only End does. A chunk while Idle opens a buffer unless the previous
// turn was closed, which covers a missed stream_start.
func (r *Reconciler) Chunk(conversationID, content string, done bool) bool {
	r.mu.Lock()
	if !r.isActive(conversationID) {
		r.mu.Unlock()
		return false
	}
	if r.state == Idle {
		if r.closed {
			r.mu.Unlock()
			r.logger.Debug().Str("conversation_id", conversationID).Msg("chunk after end of turn ignored")
			return false
		}
		r.logger.Debug().Str("conversation_id", conversationID).Msg("chunk without stream_start, opening buffer")
		r.open()
	}
	r.content.WriteString(content)
	r.buf.Content = r.content.String()
	r.mu.Unlock()

	r.metrics.RecordChunk()
	r.notify()
	return true
}

// End closes the turn. A present msg is returned for the caller to append
// to the message store and the buffer is cleared. Without msg the partial
// buffer is kept, marked degraded, and ErrProtocolAnomaly is returned.
func (r *Reconciler) End(conversationID string, msg *models.Message) (*models.Message, error) {
	var out *models.Message
	err := r.Complete(conversationID, msg, func(m models.Message) { out = &m })
	return out, err
}

// Complete closes the turn like End but hands the final message to commit
// while the buffer is still held, and clears the buffer only afterwards.
// commit runs without the reconciler lock held.
func (r *Reconciler) Complete(conversationID string, msg *models.Message, commit func(models.Message)) error {
	r.mu.Lock()
	if !r.isActive(conversationID) {
		r.mu.Unlock()
		return nil
	}
	if r.closed && r.state == Idle {
		r.mu.Unlock()
		return nil
	}

	if r.buf != nil {
		r.metrics.ObserveStream(r.now().Sub(r.buf.StartedAt).Seconds())
	}
	r.state = Idle
	r.closed = true

	if msg == nil {
		var err error
		if r.buf != nil {
			r.buf.Degraded = true
			err = fmt.Errorf("%w: stream_end without message, keeping %d bytes of partial content",
				perrors.ErrProtocolAnomaly, len(r.buf.Content))
		} else {
			err = fmt.Errorf("%w: stream_end without message or buffer", perrors.ErrProtocolAnomaly)
		}
		r.mu.Unlock()
		r.notify()
		return err
	}
	held := r.buf
	r.mu.Unlock()

	if commit != nil {
		commit(*msg)
	}

	r.mu.Lock()
	// a Start during commit owns the buffer now
	if r.buf == held {
		r.buf = nil
		r.content.Reset()
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// Stop forces Idle and discards the buffer. Late chunks and ends for the
// stopped turn are ignored.
func (r *Reconciler) Stop(conversationID string) {
	r.mu.Lock()
	if !r.isActive(conversationID) {
		r.mu.Unlock()
		return
	}
	if r.buf != nil && r.state == Streaming {
		r.metrics.ObserveStream(r.now().Sub(r.buf.StartedAt).Seconds())
	}
	r.reset(true)
	r.mu.Unlock()
	r.notify()
}

// Discard drops the buffer because a final message arrived through
// another path.
func (r *Reconciler) Discard(conversationID string) {
	r.mu.Lock()
	if !r.isActive(conversationID) || (r.buf == nil && r.state == Idle) {
		r.mu.Unlock()
		return
	}
	r.reset(true)
	r.mu.Unlock()
	r.notify()
}

// State returns the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Buffer returns a copy of the visible buffer.
func (r *Reconciler) Buffer() (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return Buffer{}, false
	}
	return *r.buf, true
}

// Subscribe registers l and returns a function that removes it.
func (r *Reconciler) Subscribe(l Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) isActive(conversationID string) bool {
	return conversationID != "" && conversationID == r.active
}

func (r *Reconciler) open() {
	r.content.Reset()
	r.buf = &Buffer{ConversationID: r.active, StartedAt: r.now()}
	r.state = Streaming
	r.closed = false
}

func (r *Reconciler) reset(closed bool) {
	r.content.Reset()
	r.buf = nil
	r.state = Idle
	r.closed = closed
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	state := r.state
	var buf *Buffer
	if r.buf != nil {
		b := *r.buf
		buf = &b
	}
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		l(state, buf)
	}
}
