package domain

import "time"

// FragmentType distinguishes plain text from an inline emote in a chat message.
type FragmentType string

const (
	FragmentText  FragmentType = "text"
	FragmentEmote FragmentType = "emote"
)

// ChatFragment is one piece of a chat message with its emote already resolved.
type ChatFragment struct {
	Type     FragmentType `json:"type"`
	Text     string       `json:"text"`
	EmoteID  string       `json:"emoteId,omitempty"`
	EmoteURL string       `json:"url,omitempty"`
}

// ChatMessage is a chat line as supplied by the chat collaborator.
type ChatMessage struct {
	ID        string         `json:"id"`
	Author    string         `json:"author"`
	Color     string         `json:"color,omitempty"`
	Text      string         `json:"text"`
	Fragments []ChatFragment `json:"fragments"`
	SentAt    time.Time      `json:"timestamp"`
}

// Emote is one entry of the channel's emote catalog.
type Emote struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	URL      string `json:"url"`
	Animated bool   `json:"animated,omitempty"`
}

// MediaURLs returns every emote URL embedded in the messages.
func MediaURLs(messages []ChatMessage) []string {
	var urls []string
	for _, m := range messages {
		for _, f := range m.Fragments {
			if f.EmoteURL != "" {
				urls = append(urls, f.EmoteURL)
			}
		}
	}
	return urls
}
