package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/protocol"
)

type sent struct {
	event string
	id    string
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	requestErr error
	sent       []sent
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Emit(_ context.Context, event string, payload any) error {
	f.record(event, payload)
	return nil
}

func (f *fakeTransport) Request(_ context.Context, event string, payload any, _ time.Duration) (protocol.Frame, error) {
	f.record(event, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	return protocol.Frame{Event: protocol.EventAck}, f.requestErr
}

func (f *fakeTransport) record(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var id string
	switch p := payload.(type) {
	case protocol.JoinConversation:
		id = p.ConversationID
	case protocol.LeaveConversation:
		id = p.ConversationID
	}
	f.sent = append(f.sent, sent{event: event, id: id})
}

func (f *fakeTransport) history() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func TestJoin(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())

	require.NoError(t, rt.Join(context.Background(), "c1"))
	assert.Equal(t, "c1", rt.Joined())
	assert.Equal(t, []sent{{protocol.EventJoinConversation, "c1"}}, tr.history())
}

func TestJoin_SameRoomIsNoop(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())

	require.NoError(t, rt.Join(context.Background(), "c1"))
	require.NoError(t, rt.Join(context.Background(), "c1"))
	assert.Len(t, tr.history(), 1)
}

func TestJoin_LeavesPreviousRoom(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())

	require.NoError(t, rt.Join(context.Background(), "c1"))
	require.NoError(t, rt.Join(context.Background(), "c2"))

	assert.Equal(t, "c2", rt.Joined())
	assert.Equal(t, []sent{
		{protocol.EventJoinConversation, "c1"},
		{protocol.EventLeaveConversation, "c1"},
		{protocol.EventJoinConversation, "c2"},
	}, tr.history())
}

func TestJoin_NotConnected(t *testing.T) {
	tr := &fakeTransport{}
	rt := New(tr, time.Second, zerolog.Nop())

	require.NoError(t, rt.Join(context.Background(), "c1"))
	assert.Empty(t, rt.Joined())
	assert.Empty(t, tr.history())
}

func TestJoin_AckTimeoutProceeds(t *testing.T) {
	tr := &fakeTransport{connected: true, requestErr: fmt.Errorf("%w: no ack", perrors.ErrTimeout)}
	rt := New(tr, time.Second, zerolog.Nop())

	require.NoError(t, rt.Join(context.Background(), "c1"))
	assert.Equal(t, "c1", rt.Joined())
}

func TestJoin_Rejected(t *testing.T) {
	tr := &fakeTransport{connected: true, requestErr: fmt.Errorf("%w: forbidden", perrors.ErrCommandRejected)}
	rt := New(tr, time.Second, zerolog.Nop())

	err := rt.Join(context.Background(), "c1")
	assert.ErrorIs(t, err, perrors.ErrCommandRejected)
	assert.Empty(t, rt.Joined())
}

func TestJoin_EmptyID(t *testing.T) {
	rt := New(&fakeTransport{connected: true}, time.Second, zerolog.Nop())
	assert.ErrorIs(t, rt.Join(context.Background(), ""), perrors.ErrInvalidInput)
}

func TestLeave_Idempotent(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())
	require.NoError(t, rt.Join(context.Background(), "c1"))

	rt.Leave(context.Background(), "c1")
	rt.Leave(context.Background(), "c1")
	rt.Leave(context.Background(), "other")

	assert.Empty(t, rt.Joined())
	assert.Equal(t, []sent{
		{protocol.EventJoinConversation, "c1"},
		{protocol.EventLeaveConversation, "c1"},
	}, tr.history())
}

func TestReset(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())
	require.NoError(t, rt.Join(context.Background(), "c1"))

	rt.Reset()
	assert.Empty(t, rt.Joined())

	// joining again after a reset sends a fresh join
	require.NoError(t, rt.Join(context.Background(), "c1"))
	assert.Len(t, tr.history(), 2)
}

func TestSubscribe(t *testing.T) {
	tr := &fakeTransport{connected: true}
	rt := New(tr, time.Second, zerolog.Nop())

	var got []string
	unsub := rt.Subscribe(func(id string) { got = append(got, id) })

	require.NoError(t, rt.Join(context.Background(), "c1"))
	require.NoError(t, rt.Join(context.Background(), "c2"))
	unsub()
	rt.Reset()

	assert.Equal(t, []string{"c1", "", "c2"}, got)
}
