package domain

import (
	"sync"
	"time"
)

// Session is a live collaboration context scoped to one document or project.
// All mutable fields are guarded by Mutex; the registry holding the session
// map has its own lock.
type Session struct {
	Mutex sync.RWMutex

	ID           string
	Participants map[string]*PresenceRecord

	// JoinOrder remembers the ordinal of every user that ever joined this
	// session. It only grows, so colors never shift when someone leaves,
	// and a rejoining user keeps their original color.
	JoinOrder map[string]int

	// Version is the document version counter; the next accepted edit is
	// assigned Version+1.
	Version int

	// Locks maps a file identifier to the userID that last locked it.
	// Advisory only: a second locker overwrites the holder.
	Locks map[string]string

	// Chat keeps the most recent relayed messages for sync snapshots.
	Chat []ChatMessage

	CreatedAt    time.Time
	LastActivity time.Time
}

func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Participants: make(map[string]*PresenceRecord),
		JoinOrder:    make(map[string]int),
		Locks:        make(map[string]string),
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Touch records activity on the session. Callers must hold Mutex.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
}
