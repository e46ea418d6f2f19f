package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/p-blackswan/chatsync/internal/api"
	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/protocol"
)

// SendRequest is one user message.
type SendRequest struct {
	ConversationID string
	Content        string
	// References are document ids the backend should ground the answer on.
	References []string
}

// SelectConversation makes id the active conversation. The switch is
// immediate: the message list and stream buffer of the previous
// conversation are dropped, the room is joined, then the fetched history
// replaces the list. Only messages that arrived while the fetch was in
// flight are kept on top of it. A fetch that completes after the user
// moved on is discarded.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty conversation id", perrors.ErrInvalidInput)
	}

	s.selMu.Lock()
	s.selectGen++
	gen := s.selectGen
	s.mu.Lock()
	prev := s.active
	s.active = id
	s.lastError = ""
	if prev != id {
		s.conversation = nil
	}
	// optimistic echoes are not kept across a reload
	s.dropPendingLocked(prev)
	s.mu.Unlock()
	s.stream.SetActive(id)
	s.store.LoadAll(id, nil)
	s.selMu.Unlock()

	s.logger.Info().Str("conversation_id", id).Str("previous", prev).Msg("conversation selected")

	if err := s.rooms.Join(ctx, id); err != nil {
		s.metrics.RecordCommand("join", "error")
		s.setLastError(err.Error())
		return err
	}
	s.metrics.RecordCommand("join", "ok")

	history, err := s.api.ListMessages(ctx, id)
	if err != nil {
		if s.Active() == id {
			s.setLastError(err.Error())
		}
		return fmt.Errorf("loading history of %s: %w", id, err)
	}

	s.selMu.Lock()
	if s.selectGen != gen {
		s.selMu.Unlock()
		s.logger.Debug().Str("conversation_id", id).Msg("stale history fetch dropped")
		return nil
	}
	s.store.Reload(id, history)
	s.selMu.Unlock()

	if conv, err := s.api.GetConversation(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", id).Msg("conversation metadata unavailable")
	} else {
		s.mu.Lock()
		if s.active == id {
			s.conversation = &conv
		}
		s.mu.Unlock()
		s.notify()
	}
	return nil
}

// CreateConversation creates a conversation, selects it and, when
// firstMessage is not empty, sends it. The join is acknowledged before the
// send so the first response is not lost.
func (s *Session) CreateConversation(ctx context.Context, req api.CreateConversationRequest, firstMessage string) (models.Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, req)
	if err != nil {
		s.metrics.RecordCommand("create", "error")
		return models.Conversation{}, fmt.Errorf("%w: creating conversation: %w", perrors.ErrPersistence, err)
	}
	s.metrics.RecordCommand("create", "ok")

	if err := s.SelectConversation(ctx, conv.ID); err != nil {
		return conv, err
	}
	if strings.TrimSpace(firstMessage) == "" {
		return conv, nil
	}
	if _, err := s.Send(ctx, SendRequest{ConversationID: conv.ID, Content: firstMessage}); err != nil {
		return conv, err
	}
	return conv, nil
}

// Send appends an optimistic user message and emits it. It is rejected
// unless the connection is up and the conversation's room is joined.
// Pending attachments are consumed by the send.
func (s *Session) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	if req.ConversationID == "" {
		req.ConversationID = s.Active()
	}
	if err := s.checkSendable(req.ConversationID); err != nil {
		s.metrics.RecordCommand("send", "rejected")
		return models.Message{}, err
	}

	s.mu.Lock()
	attachments := s.attachments
	s.attachments = nil
	s.mu.Unlock()

	if strings.TrimSpace(req.Content) == "" && len(attachments) == 0 {
		s.restoreAttachments(attachments)
		return models.Message{}, fmt.Errorf("%w: empty message", perrors.ErrInvalidInput)
	}

	msg := models.Message{
		ID:             models.NewTempID(),
		ConversationID: req.ConversationID,
		Role:           models.RoleUser,
		Content:        req.Content,
		CreatedAt:      time.Now().UTC(),
		Status:         models.StatusPending,
	}
	ids := make([]string, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.ID)
	}
	if len(attachments) > 0 || len(req.References) > 0 {
		msg.Metadata = &models.MessageMetadata{
			Attachments: attachments,
			References:  append([]string(nil), req.References...),
		}
	}
	s.store.Append(msg)

	err := s.conn.Emit(ctx, protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: req.ConversationID,
		Message:        req.Content,
		Stream:         s.cfg.Stream,
		Attachments:    ids,
		References:     req.References,
	})
	if err != nil {
		s.store.SetStatus(msg.ID, models.StatusFailed)
		s.restoreAttachments(attachments)
		s.metrics.RecordCommand("send", "error")
		msg.Status = models.StatusFailed
		return msg, fmt.Errorf("sending message: %w", err)
	}

	s.trackPending(msg.ID, req.ConversationID)
	s.metrics.RecordCommand("send", "ok")
	s.logger.Debug().
		Str("conversation_id", req.ConversationID).
		Str("message_id", msg.ID).
		Int("attachments", len(ids)).
		Msg("message sent")
	return msg, nil
}

// Edit replaces messageID and everything after it with new content. The
// server-side truncation happens first; if it fails the local list is left
// untouched and ErrPersistence is returned.
func (s *Session) Edit(ctx context.Context, messageID, content string) (models.Message, error) {
	convID := s.Active()
	if err := s.checkSendable(convID); err != nil {
		s.metrics.RecordCommand("edit", "rejected")
		return models.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, fmt.Errorf("%w: empty message", perrors.ErrInvalidInput)
	}

	target, ok := s.store.Get(messageID)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: message %s", perrors.ErrNotFound, messageID)
	}
	if models.IsTempID(messageID) {
		return models.Message{}, fmt.Errorf("%w: message %s is not persisted yet", perrors.ErrInvalidInput, messageID)
	}
	if target.Role != models.RoleUser {
		return models.Message{}, fmt.Errorf("%w: only user messages can be edited", perrors.ErrInvalidInput)
	}

	if err := s.api.TruncateMessages(ctx, convID, messageID, true); err != nil {
		s.metrics.RecordCommand("edit", "error")
		s.logger.Warn().Err(err).Str("message_id", messageID).Msg("truncate failed, edit aborted")
		return models.Message{}, fmt.Errorf("%w: truncating at %s: %w", perrors.ErrPersistence, messageID, err)
	}
	s.metrics.RecordCommand("edit", "ok")

	s.stream.Discard(convID)
	s.store.ReplaceFrom(messageID, true)

	var refs []string
	if target.Metadata != nil {
		refs = target.Metadata.References
	}
	return s.Send(ctx, SendRequest{ConversationID: convID, Content: content, References: refs})
}

// StopGeneration asks the backend to stop the in-flight response and
// forces the stream back to idle immediately, whatever the backend does.
func (s *Session) StopGeneration(ctx context.Context) error {
	convID := s.Active()
	if convID == "" {
		return fmt.Errorf("%w: no active conversation", perrors.ErrCommandRejected)
	}
	if !s.conn.IsConnected() {
		s.metrics.RecordCommand("stop", "rejected")
		return fmt.Errorf("%w: not connected", perrors.ErrCommandRejected)
	}

	err := s.conn.Emit(ctx, protocol.EventStopGeneration, protocol.StopGeneration{ConversationID: convID})
	s.stream.Stop(convID)
	if err != nil {
		s.metrics.RecordCommand("stop", "error")
		return fmt.Errorf("stopping generation: %w", err)
	}
	s.metrics.RecordCommand("stop", "ok")
	return nil
}

// SetTyping is best effort; failures are only logged.
func (s *Session) SetTyping(ctx context.Context, typing bool) {
	convID := s.Active()
	if convID == "" || !s.conn.IsConnected() {
		return
	}
	err := s.conn.Emit(ctx, protocol.EventTyping, protocol.Typing{ConversationID: convID, IsTyping: typing})
	if err != nil {
		s.logger.Debug().Err(err).Msg("typing indicator not sent")
	}
}

// Upload uploads a file and queues it for the next Send.
func (s *Session) Upload(ctx context.Context, filename string, content io.Reader) (models.Attachment, error) {
	att, err := s.api.UploadFile(ctx, filename, content)
	if err != nil {
		s.metrics.RecordCommand("upload", "error")
		return models.Attachment{}, fmt.Errorf("%w: uploading %s: %w", perrors.ErrPersistence, filename, err)
	}
	s.metrics.RecordCommand("upload", "ok")

	s.mu.Lock()
	s.attachments = append(s.attachments, att)
	s.mu.Unlock()
	s.notify()
	return att, nil
}

// ClearAttachments drops the queued attachments.
func (s *Session) ClearAttachments() {
	s.mu.Lock()
	s.attachments = nil
	s.mu.Unlock()
	s.notify()
}

// Conversations lists the user's conversations.
func (s *Session) Conversations(ctx context.Context) ([]models.Conversation, error) {
	return s.api.ListConversations(ctx)
}

// Transcribe converts recorded audio to text.
func (s *Session) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	return s.api.Transcribe(ctx, filename, audio)
}

// Speak converts text to audio.
func (s *Session) Speak(ctx context.Context, text string) ([]byte, error) {
	return s.api.Synthesize(ctx, text)
}

// Models lists the models the backend offers.
func (s *Session) Models(ctx context.Context) ([]models.ModelInfo, error) {
	return s.api.ListModels(ctx)
}

// Settings returns the user's settings.
func (s *Session) Settings(ctx context.Context) (models.Settings, error) {
	return s.api.GetSettings(ctx)
}

// UpdateSettings replaces the user's settings.
func (s *Session) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	return s.api.UpdateSettings(ctx, settings)
}

func (s *Session) checkSendable(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("%w: no active conversation", perrors.ErrCommandRejected)
	}
	if !s.conn.IsConnected() {
		return fmt.Errorf("%w: not connected", perrors.ErrCommandRejected)
	}
	if joined := s.rooms.Joined(); joined != conversationID {
		return fmt.Errorf("%w: room %s not joined", perrors.ErrCommandRejected, conversationID)
	}
	return nil
}

func (s *Session) restoreAttachments(atts []models.Attachment) {
	if len(atts) == 0 {
		return
	}
	s.mu.Lock()
	s.attachments = append(atts, s.attachments...)
	s.mu.Unlock()
}
