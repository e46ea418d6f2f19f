package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chatsync/internal/models"
)

func msg(id, content string) models.Message {
	return models.Message{ID: id, ConversationID: "c1", Role: models.RoleUser, Content: content}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppend_Idempotent(t *testing.T) {
	s := New()

	assert.True(t, s.Append(msg("m1", "a")))
	assert.False(t, s.Append(msg("m1", "a")))
	assert.False(t, s.Append(msg("m1", "different content")))
	assert.True(t, s.Append(msg("m2", "b")))

	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages()))
	got, ok := s.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "a", got.Content)
}

func TestAppend_RejectsEmptyID(t *testing.T) {
	s := New()
	assert.False(t, s.Append(msg("", "x")))
	assert.Equal(t, 0, s.Len())
}

func TestAppend_ManyDuplicates(t *testing.T) {
	s := New()
	seq := []string{"a", "b", "a", "c", "b", "a", "c"}
	for _, id := range seq {
		s.Append(msg(id, id))
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids(s.Messages()))
}

func TestReplaceFrom(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		inclusive bool
		want      []string
		ok        bool
	}{
		{"inclusive", "m2", true, []string{"m1"}, true},
		{"exclusive", "m2", false, []string{"m1", "m2"}, true},
		{"first inclusive", "m1", true, []string{}, true},
		{"last exclusive", "m3", false, []string{"m1", "m2", "m3"}, true},
		{"unknown", "nope", true, []string{"m1", "m2", "m3"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.Append(msg("m1", "a"))
			s.Append(msg("m2", "b"))
			s.Append(msg("m3", "c"))

			assert.Equal(t, tt.ok, s.ReplaceFrom(tt.id, tt.inclusive))
			assert.Equal(t, tt.want, ids(s.Messages()))
		})
	}
}

func TestReplaceFrom_ReappendAfterTruncate(t *testing.T) {
	s := New()
	s.Append(msg("m1", "a"))
	s.Append(msg("m2", "b"))

	require.True(t, s.ReplaceFrom("m2", true))
	assert.False(t, s.Has("m2"))
	assert.True(t, s.Append(msg("m2", "b2")))

	got, _ := s.Get("m2")
	assert.Equal(t, "b2", got.Content)
}

func TestLoadAll(t *testing.T) {
	s := New()
	s.Append(msg("old", "x"))

	s.LoadAll("c2", []models.Message{msg("a", "1"), msg("b", "2"), msg("a", "dup"), msg("", "noid")})

	assert.Equal(t, "c2", s.Conversation())
	assert.Equal(t, []string{"a", "b"}, ids(s.Messages()))
	assert.False(t, s.Has("old"))
	got, _ := s.Get("a")
	assert.Equal(t, "1", got.Content)
}

func TestReload_KeepsEntriesArrivedDuringFetch(t *testing.T) {
	s := New()
	s.LoadAll("c1", nil)
	s.Append(msg("m3", "arrived while fetching"))
	s.Append(msg("m1", "also in history"))

	s.Reload("c1", []models.Message{msg("m1", "hi"), msg("m2", "Hello")})

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
	got, _ := s.Get("m1")
	assert.Equal(t, "hi", got.Content, "history wins over the held copy")
}

func TestReload_OtherConversationIsFullReplace(t *testing.T) {
	s := New()
	s.LoadAll("c2", []models.Message{msg("x", "other")})

	s.Reload("c1", []models.Message{msg("m1", "hi")})

	assert.Equal(t, "c1", s.Conversation())
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestSetStatus(t *testing.T) {
	s := New()
	s.Append(msg("temp-1", "hi"))

	assert.True(t, s.SetStatus("temp-1", models.StatusFailed))
	assert.False(t, s.SetStatus("temp-1", models.StatusFailed))
	assert.False(t, s.SetStatus("missing", models.StatusFailed))

	got, _ := s.Get("temp-1")
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestMessages_ReturnsCopy(t *testing.T) {
	s := New()
	s.Append(models.Message{ID: "m1", Content: "a", Metadata: &models.MessageMetadata{References: []string{"r1"}}})

	out := s.Messages()
	out[0].Content = "mutated"
	out[0].Metadata.References[0] = "mutated"

	got, _ := s.Get("m1")
	assert.Equal(t, "a", got.Content)
	assert.Equal(t, "r1", got.Metadata.References[0])
}

func TestSubscribe(t *testing.T) {
	s := New()
	var lens []int
	unsub := s.Subscribe(func(_ string, msgs []models.Message) { lens = append(lens, len(msgs)) })

	s.Append(msg("m1", "a"))
	s.Append(msg("m1", "a"))
	s.Append(msg("m2", "b"))
	s.ReplaceFrom("m1", true)
	unsub()
	s.Append(msg("m3", "c"))

	assert.Equal(t, []int{1, 2, 0}, lens)
}
