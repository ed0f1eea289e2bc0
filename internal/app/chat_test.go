package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imgfloat/server-sub000/internal/domain"
)

func TestChatStore_ToleratesEmptyAndCopies(t *testing.T) {
	c := NewChatStore()
	assert.Empty(t, c.Replace(nil))
	assert.Empty(t, c.Emotes())

	in := []domain.ChatMessage{{ID: "1"}, {ID: "2"}}
	out := c.Replace(in)
	in[0].ID = "changed"
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "1", c.Messages()[0].ID)
}

func TestErrorLog_RingNewestFirst(t *testing.T) {
	l := NewErrorLog(3)
	assert.Empty(t, l.Recent())

	for _, msg := range []string{"a", "b", "c", "d"} {
		l.Add(domain.ScriptError{Message: msg})
	}

	recent := l.Recent()
	msgs := make([]string, 0, len(recent))
	for _, r := range recent {
		msgs = append(msgs, r.Message)
	}
	assert.Equal(t, []string{"d", "c", "b"}, msgs)
}
