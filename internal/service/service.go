package service

import (
	"context"
	"encoding/json"

	"github.com/collabwire/collabwire/internal/domain"
)

// JoinResult is what a joining caller gets back: the full participant list
// (self included) and the color assigned to them.
type JoinResult struct {
	Participants []domain.PresenceRecord `json:"participants"`
	YourColor    string                  `json:"your_color"`
}

// CollabInteractor is the protocol surface the HTTP boundary dispatches to.
// Methods that change state visible to other participants also return the
// broadcast envelope the transport should fan out (nil when there is nothing
// to deliver).
type CollabInteractor interface {
	Join(ctx context.Context, sessionID string, user domain.User) (JoinResult, *domain.Broadcast)
	Leave(ctx context.Context, sessionID, userID string) *domain.Broadcast
	UpdateCursor(ctx context.Context, sessionID, userID string, cursor *domain.Cursor, currentFile string) *domain.Broadcast
	UpdatePresence(ctx context.Context, sessionID, userID string, status *domain.PresenceStatus, currentFile *string) *domain.Broadcast
	Participants(ctx context.Context, sessionID string) []domain.PresenceRecord
	SendMessage(ctx context.Context, sessionID string, user domain.User, content, kind string) (domain.ChatMessage, *domain.Broadcast, error)
	LockFile(ctx context.Context, sessionID, file, userID string) error
	UnlockFile(ctx context.Context, sessionID, file string) error
	AppendEdit(ctx context.Context, sessionID, userID string, operation json.RawMessage) (int, *domain.Broadcast, error)
	Snapshot(ctx context.Context, sessionID string) (domain.SyncState, error)
}
