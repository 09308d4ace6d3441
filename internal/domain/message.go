package domain

import (
	"time"

	"github.com/google/uuid"
)

const MessageKindText = "text"

// ChatMessage is relayed between participants and retained in memory only.
type ChatMessage struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewChatMessage(user User, content, kind string, now time.Time) ChatMessage {
	if kind == "" {
		kind = MessageKindText
	}
	return ChatMessage{
		ID:          uuid.New(),
		UserID:      user.ID,
		DisplayName: user.Name,
		Content:     content,
		Kind:        kind,
		Timestamp:   now,
	}
}
