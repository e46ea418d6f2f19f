package chat

import (
	"time"

	"github.com/p-blackswan/chatsync/internal/models"
)

// trackPending starts the ack timer of an optimistic message.
func (s *Session) trackPending(messageID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending[messageID] = pendingSend{
		conversationID: conversationID,
		timer:          time.AfterFunc(s.cfg.SendAckTimeout, func() { s.expirePending(messageID) }),
	}
}

// confirmPending treats any server activity in a conversation as the
// acknowledgment of every optimistic message still waiting there.
func (s *Session) confirmPending(conversationID string) {
	if conversationID == "" {
		return
	}

	s.mu.Lock()
	var confirmed []string
	for id, p := range s.pending {
		if p.conversationID != conversationID {
			continue
		}
		p.timer.Stop()
		delete(s.pending, id)
		confirmed = append(confirmed, id)
	}
	s.mu.Unlock()

	for _, id := range confirmed {
		s.store.SetStatus(id, models.StatusConfirmed)
	}
}

func (s *Session) expirePending(messageID string) {
	s.mu.Lock()
	p, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.store.SetStatus(messageID, models.StatusFailed) {
		s.metrics.RecordError("chat", "send_timeout")
		s.logger.Warn().
			Str("conversation_id", p.conversationID).
			Str("message_id", messageID).
			Dur("timeout", s.cfg.SendAckTimeout).
			Msg("no server activity after send, message marked failed")
	}
}

// dropPendingLocked forgets the timers of a conversation being left. Its
// messages are no longer displayed. s.mu must be held.
func (s *Session) dropPendingLocked(conversationID string) {
	for id, p := range s.pending {
		if p.conversationID == conversationID {
			p.timer.Stop()
			delete(s.pending, id)
		}
	}
}
