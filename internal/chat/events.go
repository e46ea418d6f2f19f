package chat

import (
	"context"

	"github.com/p-blackswan/chatsync/internal/conn"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/protocol"
)

// onEvent runs on the connection's dispatch goroutine. It must never wait
// on a Request, so re-joining after a reconnect happens in its own
// goroutine.
func (s *Session) onEvent(ev conn.Event) {
	switch ev.Type {
	case conn.EventState:
		s.onState(ev.State)
	case conn.EventError:
		if ev.Err != nil {
			s.setLastError(ev.Err.Error())
		}
	case conn.EventMessage:
		s.onFrame(ev.Frame)
	}
}

func (s *Session) onState(state conn.State) {
	switch state {
	case conn.StateConnected:
		active := s.Active()
		if active != "" {
			go s.rejoin(active)
		}
	case conn.StateDisconnected:
		s.rooms.Reset()
	}
	s.notify()
}

func (s *Session) rejoin(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RejoinTimeout)
	defer cancel()

	if s.Active() != conversationID {
		return
	}
	if err := s.rooms.Join(ctx, conversationID); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("re-join after reconnect failed")
		s.setLastError(err.Error())
		return
	}
	s.logger.Info().Str("conversation_id", conversationID).Msg("re-joined after reconnect")
}

func (s *Session) onFrame(frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventStreamStart:
		var p protocol.StreamStart
		if !s.decode(frame, &p) {
			return
		}
		s.confirmPending(p.ConversationID)
		s.stream.Start(p.ConversationID)

	case protocol.EventStreamChunk:
		var p protocol.StreamChunk
		if !s.decode(frame, &p) {
			return
		}
		s.confirmPending(p.ConversationID)
		s.stream.Chunk(p.ConversationID, p.Content, p.Done)

	case protocol.EventStreamEnd:
		var p protocol.StreamEnd
		if !s.decode(frame, &p) {
			return
		}
		s.confirmPending(p.ConversationID)
		var err error
		s.handoff(func() {
			err = s.stream.Complete(p.ConversationID, p.Message, func(m models.Message) {
				s.appendInbound(p.ConversationID, m)
			})
		})
		if err != nil {
			s.metrics.RecordError("stream", "anomaly")
			s.logger.Warn().Err(err).Str("conversation_id", p.ConversationID).Msg("stream ended without a final message")
		}

	case protocol.EventMessageResponse:
		var p protocol.MessageResponse
		if !s.decode(frame, &p) {
			return
		}
		if p.ConversationID == "" || p.ConversationID != s.Active() {
			return
		}
		s.confirmPending(p.ConversationID)
		s.handoff(func() {
			if p.Message != nil {
				s.appendInbound(p.ConversationID, *p.Message)
			}
			s.stream.Discard(p.ConversationID)
		})

	case protocol.EventError:
		var p protocol.ErrorPayload
		msg := frame.Error
		if len(frame.Data) > 0 && s.decode(frame, &p) && p.Message != "" {
			msg = p.Message
		}
		if msg == "" {
			msg = "backend error"
		}
		s.metrics.RecordError("chat", "server")
		s.logger.Warn().Str("error", msg).Msg("backend reported an error")
		s.setLastError(msg)

	case protocol.EventConnected:
		// Handshake confirmation repeated mid-session; nothing to do.

	default:
		s.logger.Debug().Str("event", frame.Event).Msg("unhandled event")
	}
}

func (s *Session) decode(frame protocol.Frame, v any) bool {
	if err := frame.Decode(v); err != nil {
		s.metrics.RecordError("chat", "decode")
		s.logger.Warn().Err(err).Msg("malformed event dropped")
		return false
	}
	return true
}

func (s *Session) appendInbound(conversationID string, m models.Message) {
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.ConversationID != s.Active() {
		return
	}
	if !s.store.Append(m) {
		s.logger.Debug().Str("message_id", m.ID).Msg("duplicate message ignored")
	}
}
