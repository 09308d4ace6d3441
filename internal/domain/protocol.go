package domain

import "encoding/json"

// Action is the closed set of protocol operations. Unknown action strings
// fail Valid() and are rejected at the boundary.
type Action string

const (
	ActionJoin            Action = "join"
	ActionLeave           Action = "leave"
	ActionUpdateCursor    Action = "updateCursor"
	ActionUpdatePresence  Action = "updatePresence"
	ActionGetParticipants Action = "getParticipants"
	ActionSendMessage     Action = "sendMessage"
	ActionLockFile        Action = "lockFile"
	ActionUnlockFile      Action = "unlockFile"

	// Transport-level actions, accepted on the websocket only.
	ActionEdit Action = "edit"
	ActionSync Action = "sync"
)

func (a Action) Valid() bool {
	switch a {
	case ActionJoin, ActionLeave, ActionUpdateCursor, ActionUpdatePresence,
		ActionGetParticipants, ActionSendMessage, ActionLockFile,
		ActionUnlockFile, ActionEdit, ActionSync:
		return true
	}
	return false
}

// Request is the wire shape of a protocol call. Over REST the session id
// travels in the body; over the websocket it is implied by the endpoint.
type Request struct {
	SessionID string          `json:"session_id,omitempty"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Per-action request payloads.
type (
	CursorData struct {
		Cursor      *Cursor `json:"cursor"`
		CurrentFile string  `json:"current_file"`
	}

	PresenceData struct {
		Status      *PresenceStatus `json:"status,omitempty"`
		CurrentFile *string         `json:"current_file,omitempty"`
	}

	MessageData struct {
		Message string `json:"message"`
		Kind    string `json:"kind,omitempty"`
	}

	FileData struct {
		File string `json:"file"`
	}

	EditData struct {
		Operation json.RawMessage `json:"operation"`
		Version   int             `json:"version"`
	}
)

// EventName identifies a state change delivered to clients.
type EventName string

const (
	EventConnected       EventName = "connected"
	EventDisconnected    EventName = "disconnected"
	EventPresenceChanged EventName = "presence-changed"
	EventCursorMoved     EventName = "cursor-moved"
	EventUserJoined      EventName = "user-joined"
	EventUserLeft        EventName = "user-left"
	EventDocumentEdited  EventName = "document-edited"
	EventMessage         EventName = "message"
	EventError           EventName = "error"
	EventSyncState       EventName = "sync-state"
)

// Broadcast describes a state change to fan out to the other participants of
// a session. The protocol handler produces it; the transport delivers it.
type Broadcast struct {
	Event     EventName `json:"event"`
	SessionID string    `json:"session_id"`
	SenderID  string    `json:"sender_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// EditEvent is the payload of a document-edited broadcast.
type EditEvent struct {
	UserID    string          `json:"user_id"`
	Operation json.RawMessage `json:"operation"`
	Version   int             `json:"version"`
}

// SyncState is the full snapshot a client reconciles against after a
// reconnect or a detected version gap.
type SyncState struct {
	SessionID    string            `json:"session_id"`
	Version      int               `json:"version"`
	Participants []PresenceRecord  `json:"participants"`
	Locks        map[string]string `json:"locks,omitempty"`
	Messages     []ChatMessage     `json:"messages,omitempty"`
}
