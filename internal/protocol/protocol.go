// Package protocol defines the frames and payloads exchanged with the chat
// backend over the real-time connection.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/p-blackswan/chatsync/internal/models"
)

// Inbound event names (server → client).
const (
	EventConnected       = "connected"
	EventStreamStart     = "stream_start"
	EventStreamChunk     = "stream_chunk"
	EventStreamEnd       = "stream_end"
	EventMessageResponse = "message_response"
	EventError           = "error"
	EventAck             = "ack"
)

// Outbound event names (client → server).
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTyping            = "typing"
	EventStopGeneration    = "stop_generation"
)

// Frame is the envelope of every message on the wire.
// ID is set on requests that expect an ack and echoed on the ack.
type Frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event, id string, payload any) (Frame, error) {
	f := Frame{Event: event, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshaling %s payload: %w", event, err)
		}
		f.Data = data
	}
	return f, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Event)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Event, err)
	}
	return nil
}

// --- inbound payloads ---

type StreamStart struct {
	ConversationID string `json:"conversation_id"`
}

type StreamChunk struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Done           bool   `json:"done"`
}

// StreamEnd may arrive without Message when the server response is partial.
type StreamEnd struct {
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message,omitempty"`
}

type MessageResponse struct {
	ConversationID string          `json:"conversation_id"`
	Message        *models.Message `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// --- outbound payloads ---

type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessage struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	Stream         bool     `json:"stream"`
	Attachments    []string `json:"attachments,omitempty"`
	References     []string `json:"references,omitempty"`
}

type Typing struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type StopGeneration struct {
	ConversationID string `json:"conversation_id"`
}
