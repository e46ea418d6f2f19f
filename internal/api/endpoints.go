package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"

	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/models"
)

// CreateConversationRequest is the body of POST /conversations.
type CreateConversationRequest struct {
	Title    string `json:"title,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// UpdateConversationRequest is the body of PATCH /conversations/{id}.
// Nil fields are left unchanged.
type UpdateConversationRequest struct {
	Title *string `json:"title,omitempty"`
}

type truncateRequest struct {
	MessageID string `json:"message_id"`
	Inclusive bool   `json:"inclusive"`
}

// ListConversations returns the user's conversations. When the backend is
// unreachable the cached list is returned instead.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	_, err := c.do(ctx, "list_conversations", http.MethodGet, "/conversations", nil, &out)
	if err != nil {
		if c.history != nil && offline(err) {
			cached, cerr := c.history.Conversations(ctx)
			if cerr == nil {
				c.logger.Warn().Err(err).Int("count", len(cached)).Msg("backend unreachable, serving cached conversations")
				return cached, nil
			}
		}
		return nil, err
	}

	for _, conv := range out {
		c.convs.Put(conv.ID, conv)
	}
	c.saveConversations(ctx, out...)
	return out, nil
}

// GetConversation returns one conversation, from memory when fresh.
func (c *Client) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	if id == "" {
		return models.Conversation{}, fmt.Errorf("%w: empty conversation id", perrors.ErrInvalidInput)
	}
	if conv, ok := c.convs.Get(id); ok {
		return conv, nil
	}

	var out models.Conversation
	_, err := c.do(ctx, "get_conversation", http.MethodGet, "/conversations/{id}",
		func(r *resty.Request) { r.SetPathParam("id", id) }, &out)
	if err != nil {
		if c.history != nil && offline(err) {
			if cached, cerr := c.history.Conversation(ctx, id); cerr == nil {
				c.logger.Warn().Err(err).Str("conversation_id", id).Msg("backend unreachable, serving cached conversation")
				return cached, nil
			}
		}
		return models.Conversation{}, err
	}

	c.convs.Put(out.ID, out)
	c.saveConversations(ctx, out)
	return out, nil
}

// CreateConversation creates a conversation.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (models.Conversation, error) {
	var out models.Conversation
	_, err := c.do(ctx, "create_conversation", http.MethodPost, "/conversations",
		func(r *resty.Request) { r.SetBody(req) }, &out)
	if err != nil {
		return models.Conversation{}, err
	}
	if out.ID == "" {
		return models.Conversation{}, fmt.Errorf("%w: create returned no conversation id", perrors.ErrProtocolAnomaly)
	}

	c.convs.Put(out.ID, out)
	c.saveConversations(ctx, out)
	return out, nil
}

// UpdateConversation patches a conversation.
func (c *Client) UpdateConversation(ctx context.Context, id string, req UpdateConversationRequest) (models.Conversation, error) {
	var out models.Conversation
	_, err := c.do(ctx, "update_conversation", http.MethodPatch, "/conversations/{id}",
		func(r *resty.Request) { r.SetPathParam("id", id).SetBody(req) }, &out)
	if err != nil {
		return models.Conversation{}, err
	}

	c.convs.Put(out.ID, out)
	c.saveConversations(ctx, out)
	return out, nil
}

// DeleteConversation deletes a conversation and drops every cached copy.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete_conversation", http.MethodDelete, "/conversations/{id}",
		func(r *resty.Request) { r.SetPathParam("id", id) }, nil)
	if err != nil {
		return err
	}

	c.convs.Delete(id)
	if c.history != nil {
		if err := c.history.DeleteConversation(ctx, id); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", id).Msg("failed to drop cached conversation")
		}
	}
	return nil
}

// ListMessages fetches a conversation's history and writes it through to
// the history cache. When the backend is unreachable the cached history is
// returned instead.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out []models.Message
	_, err := c.do(ctx, "list_messages", http.MethodGet, "/conversations/{id}/messages",
		func(r *resty.Request) { r.SetPathParam("id", conversationID) }, &out)
	if err != nil {
		if c.history != nil && offline(err) {
			cached, cerr := c.history.History(ctx, conversationID)
			if cerr == nil {
				c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("backend unreachable, serving cached history")
				return cached, nil
			}
		}
		return nil, err
	}

	for i := range out {
		if out[i].ConversationID == "" {
			out[i].ConversationID = conversationID
		}
	}
	if c.history != nil {
		if err := c.history.SaveHistory(ctx, conversationID, out); err != nil {
			c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to cache history")
		}
	}
	return out, nil
}

// TruncateMessages removes messages server-side from messageID onwards.
// With inclusive the message itself goes too.
func (c *Client) TruncateMessages(ctx context.Context, conversationID, messageID string, inclusive bool) error {
	_, err := c.do(ctx, "truncate_messages", http.MethodPost, "/conversations/{id}/truncate",
		func(r *resty.Request) {
			r.SetPathParam("id", conversationID).
				SetBody(truncateRequest{MessageID: messageID, Inclusive: inclusive})
		}, nil)
	return err
}

// UploadFile uploads an attachment and returns its descriptor.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader) (models.Attachment, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("reading %s: %w", filename, err)
	}

	var out models.Attachment
	_, err = c.do(ctx, "upload_file", http.MethodPost, "/files/upload",
		func(r *resty.Request) { r.SetFileReader("file", filename, bytes.NewReader(data)) }, &out)
	if err != nil {
		return models.Attachment{}, err
	}
	return out, nil
}

// Transcribe converts recorded audio to text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filename, err)
	}

	var out struct {
		Text string `json:"text"`
	}
	_, err = c.do(ctx, "transcribe", http.MethodPost, "/speech/transcribe",
		func(r *resty.Request) { r.SetFileReader("file", filename, bytes.NewReader(data)) }, &out)
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// Synthesize converts text to speech and returns the encoded audio.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", perrors.ErrInvalidInput)
	}
	resp, err := c.do(ctx, "synthesize", http.MethodPost, "/speech/synthesize",
		func(r *resty.Request) {
			r.SetBody(map[string]string{"text": text}).SetHeader("Accept", "audio/*")
		}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

// GetSettings returns the user's settings document.
func (c *Client) GetSettings(ctx context.Context) (models.Settings, error) {
	out := models.Settings{}
	if _, err := c.do(ctx, "get_settings", http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSettings replaces the user's settings document.
func (c *Client) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	out := models.Settings{}
	_, err := c.do(ctx, "update_settings", http.MethodPut, "/settings",
		func(r *resty.Request) { r.SetBody(settings) }, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListModels returns the models the backend can route to.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	var out []models.ModelInfo
	if _, err := c.do(ctx, "list_models", http.MethodGet, "/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) saveConversations(ctx context.Context, convs ...models.Conversation) {
	if c.history == nil || len(convs) == 0 {
		return
	}
	if err := c.history.SaveConversations(ctx, convs...); err != nil {
		c.logger.Warn().Err(err).Msg("failed to cache conversations")
	}
}
