package app

import (
	"slices"
	"sync"

	"github.com/imgfloat/server-sub000/internal/domain"
)

const maxChatMessages = 50

// ChatStore keeps the chat and emote snapshots scripts see.
type ChatStore struct {
	mu       sync.RWMutex
	messages []domain.ChatMessage
	emotes   []domain.Emote
}

func NewChatStore() *ChatStore {
	return &ChatStore{}
}

// Replace stores the most recent maxChatMessages messages and returns the
// stored snapshot. A nil list clears the store.
func (c *ChatStore) Replace(messages []domain.ChatMessage) []domain.ChatMessage {
	if len(messages) > maxChatMessages {
		messages = messages[len(messages)-maxChatMessages:]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = slices.Clone(messages)
	return slices.Clone(c.messages)
}

// SetEmotes replaces the emote catalog and returns the stored snapshot.
func (c *ChatStore) SetEmotes(emotes []domain.Emote) []domain.Emote {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emotes = slices.Clone(emotes)
	return slices.Clone(c.emotes)
}

func (c *ChatStore) Messages() []domain.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages)
}

func (c *ChatStore) Emotes() []domain.Emote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.emotes)
}
