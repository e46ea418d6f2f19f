package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/p-blackswan/chatsync/internal/chat"
	perrors "github.com/p-blackswan/chatsync/internal/errors"
	"github.com/p-blackswan/chatsync/internal/models"
	"github.com/p-blackswan/chatsync/internal/stream"
)

func newTestREPL() (*repl, *bytes.Buffer) {
	var out bytes.Buffer
	r := newREPL(nil, nil, strings.NewReader(""), &out, zerolog.Nop())
	r.resetView("c1")
	return r, &out
}

func streaming(content string) chat.Snapshot {
	return chat.Snapshot{
		ConversationID: "c1",
		StreamState:    stream.Streaming,
		Streaming:      &stream.Buffer{ConversationID: "c1", Content: content},
	}
}

func withMessages(msgs ...models.Message) chat.Snapshot {
	return chat.Snapshot{ConversationID: "c1", Messages: msgs}
}

func TestRender_StreamedReplyPrintedOnce(t *testing.T) {
	r, out := newTestREPL()
	final := models.Message{ID: "m2", Role: models.RoleAssistant, Content: "Hello"}

	r.render(streaming(""))
	r.render(streaming("He"))
	r.render(streaming("Hello"))
	// an empty view in between must not make the reply print again
	r.render(withMessages())
	r.render(withMessages(final))
	r.render(withMessages(final))

	assert.Equal(t, "assistant> Hello\n  [m2]\n", out.String())
}

func TestRender_FinalDiffersFromStream(t *testing.T) {
	r, out := newTestREPL()

	r.render(streaming("Hel"))
	r.render(withMessages(models.Message{ID: "m2", Role: models.RoleAssistant, Content: "Hello!"}))

	assert.Equal(t, "assistant> Hel\nassistant> Hello!  [m2]\n", out.String())
}

func TestRender_MessagesAndOtherConversation(t *testing.T) {
	r, out := newTestREPL()

	r.render(withMessages(
		models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"},
		models.Message{ID: "temp-1", Role: models.RoleUser, Content: "wait", Status: models.StatusPending},
	))
	r.render(chat.Snapshot{
		ConversationID: "c2",
		Messages:       []models.Message{{ID: "x", Role: models.RoleUser, Content: "elsewhere"}},
	})
	r.render(withMessages(
		models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"},
		models.Message{ID: "temp-1", Role: models.RoleUser, Content: "wait", Status: models.StatusFailed},
	))

	assert.Equal(t, "user> hi  [m1]\n! not delivered: wait\n", out.String())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "not ready: "+fmt.Errorf("%w: x", perrors.ErrCommandRejected).Error(),
		describe(fmt.Errorf("%w: x", perrors.ErrCommandRejected)))
	assert.Equal(t, "boom", describe(errors.New("boom")))
}
