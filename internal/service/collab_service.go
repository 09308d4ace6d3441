package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/collabwire/collabwire/internal/domain"
	"github.com/collabwire/collabwire/internal/store"
)

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = errors.New("message is too long")
)

const defaultMaxMessageLength = 4000

// CollabService implements the collaboration protocol on top of the session
// registry: it validates inbound payloads, shapes broadcast envelopes, and
// logs per operation. Fan-out itself is the transport's job.
type CollabService struct {
	registry         *store.Registry
	log              *slog.Logger
	maxMessageLength int
}

func NewCollabService(registry *store.Registry, log *slog.Logger) *CollabService {
	if log == nil {
		log = slog.Default()
	}
	return &CollabService{
		registry:         registry,
		log:              log,
		maxMessageLength: defaultMaxMessageLength,
	}
}

// SetMaxMessageLength overrides the chat content limit.
func (s *CollabService) SetMaxMessageLength(n int) {
	if n > 0 {
		s.maxMessageLength = n
	}
}

func (s *CollabService) Join(ctx context.Context, sessionID string, user domain.User) (JoinResult, *domain.Broadcast) {
	const op = "service.collab.join"

	participants, color := s.registry.Join(sessionID, user)

	s.log.Info("participant joined",
		slog.String("op", op),
		slog.String("session_id", sessionID),
		slog.String("user_id", user.ID),
		slog.Int("participants", len(participants)),
	)

	var joined *domain.PresenceRecord
	for i := range participants {
		if participants[i].UserID == user.ID {
			joined = &participants[i]
			break
		}
	}

	return JoinResult{Participants: participants, YourColor: color}, &domain.Broadcast{
		Event:     domain.EventUserJoined,
		SessionID: sessionID,
		SenderID:  user.ID,
		Payload:   map[string]any{"participant": joined},
	}
}

func (s *CollabService) Leave(ctx context.Context, sessionID, userID string) *domain.Broadcast {
	const op = "service.collab.leave"

	if !s.registry.Leave(sessionID, userID) {
		return nil
	}

	s.log.Info("participant left",
		slog.String("op", op),
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)

	return &domain.Broadcast{
		Event:     domain.EventUserLeft,
		SessionID: sessionID,
		SenderID:  userID,
		Payload:   map[string]any{"user_id": userID},
	}
}

// UpdateCursor never fails: a cursor update for an evicted presence is a
// benign no-op with nothing to broadcast.
func (s *CollabService) UpdateCursor(ctx context.Context, sessionID, userID string, cursor *domain.Cursor, currentFile string) *domain.Broadcast {
	p, ok := s.registry.UpdateCursor(sessionID, userID, cursor, currentFile)
	if !ok {
		return nil
	}

	return &domain.Broadcast{
		Event:     domain.EventCursorMoved,
		SessionID: sessionID,
		SenderID:  userID,
		Payload: map[string]any{
			"user_id":      userID,
			"cursor":       p.Cursor,
			"current_file": p.CurrentFile,
		},
	}
}

func (s *CollabService) UpdatePresence(ctx context.Context, sessionID, userID string, status *domain.PresenceStatus, currentFile *string) *domain.Broadcast {
	p, ok := s.registry.UpdatePresence(sessionID, userID, status, currentFile)
	if !ok {
		return nil
	}

	return &domain.Broadcast{
		Event:     domain.EventPresenceChanged,
		SessionID: sessionID,
		SenderID:  userID,
		Payload:   map[string]any{"participant": p},
	}
}

func (s *CollabService) Participants(ctx context.Context, sessionID string) []domain.PresenceRecord {
	return s.registry.Participants(sessionID)
}

func (s *CollabService) SendMessage(ctx context.Context, sessionID string, user domain.User, content, kind string) (domain.ChatMessage, *domain.Broadcast, error) {
	const op = "service.collab.sendMessage"

	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatMessage{}, nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > s.maxMessageLength {
		return domain.ChatMessage{}, nil, ErrMessageTooLong
	}

	msg, err := s.registry.AppendMessage(sessionID, user, content, kind)
	if err != nil {
		return domain.ChatMessage{}, nil, err
	}

	s.log.Debug("message relayed",
		slog.String("op", op),
		slog.String("session_id", sessionID),
		slog.String("user_id", user.ID),
	)

	return msg, &domain.Broadcast{
		Event:     domain.EventMessage,
		SessionID: sessionID,
		SenderID:  user.ID,
		Payload:   map[string]any{"message": msg},
	}, nil
}

func (s *CollabService) LockFile(ctx context.Context, sessionID, file, userID string) error {
	return s.registry.LockFile(sessionID, file, userID)
}

func (s *CollabService) UnlockFile(ctx context.Context, sessionID, file string) error {
	return s.registry.UnlockFile(sessionID, file)
}

// AppendEdit assigns the next version to an edit and shapes the
// document-edited broadcast. Edits are relayed optimistically; the only
// conflict handling is the version counter clients reconcile against.
func (s *CollabService) AppendEdit(ctx context.Context, sessionID, userID string, operation json.RawMessage) (int, *domain.Broadcast, error) {
	version, err := s.registry.AppendEdit(sessionID, userID, operation)
	if err != nil {
		return 0, nil, err
	}

	return version, &domain.Broadcast{
		Event:     domain.EventDocumentEdited,
		SessionID: sessionID,
		SenderID:  userID,
		Payload: domain.EditEvent{
			UserID:    userID,
			Operation: operation,
			Version:   version,
		},
	}, nil
}

func (s *CollabService) Snapshot(ctx context.Context, sessionID string) (domain.SyncState, error) {
	return s.registry.Snapshot(sessionID)
}
