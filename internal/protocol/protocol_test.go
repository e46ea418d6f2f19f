package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFrame_EncodesPayload(t *testing.T) {
	f, err := NewFrame(EventJoinConversation, "req-1", JoinConversation{ConversationID: "c1"})
	require.NoError(t, err)

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join_conversation","id":"req-1","data":{"conversation_id":"c1"}}`, string(raw))
}

func TestNewFrame_NilPayload(t *testing.T) {
	f, err := NewFrame(EventConnected, "", nil)
	require.NoError(t, err)
	raw, _ := json.Marshal(f)
	assert.JSONEq(t, `{"event":"connected"}`, string(raw))
}

func TestFrame_DecodeStreamEndWithoutMessage(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"event":"stream_end","data":{"conversation_id":"c1"}}`), &f))

	var end StreamEnd
	require.NoError(t, f.Decode(&end))
	assert.Equal(t, "c1", end.ConversationID)
	assert.Nil(t, end.Message)
}

func TestFrame_DecodeStreamEndWithMessage(t *testing.T) {
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(`{"event":"stream_end","data":{"conversation_id":"c1","message":{"id":"m2","role":"assistant","content":"Hello"}}}`), &f))

	var end StreamEnd
	require.NoError(t, f.Decode(&end))
	require.NotNil(t, end.Message)
	assert.Equal(t, "m2", end.Message.ID)
	assert.Equal(t, "Hello", end.Message.Content)
}

func TestFrame_DecodeErrors(t *testing.T) {
	var chunk StreamChunk
	assert.Error(t, Frame{Event: EventStreamChunk}.Decode(&chunk))
	assert.Error(t, Frame{Event: EventStreamChunk, Data: json.RawMessage(`"nope"`)}.Decode(&chunk))
}

func TestSendMessage_OmitsEmptyLists(t *testing.T) {
	raw, _ := json.Marshal(SendMessage{ConversationID: "c1", Message: "hi", Stream: true})
	assert.JSONEq(t, `{"conversation_id":"c1","message":"hi","stream":true}`, string(raw))
}
