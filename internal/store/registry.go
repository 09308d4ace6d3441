package store

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/collabwire/collabwire/internal/domain"
)

var ErrSessionNotFound = errors.New("session not found")

const defaultChatHistory = 50

// Registry is the authoritative in-memory session registry and presence
// store. It is a process-wide singleton: created at startup, torn down with
// the process, never persisted. The registry map is guarded by mu; each
// session guards its own state, so actions on different sessions do not
// contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session

	chatHistory int
	timeNow     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*domain.Session),
		chatHistory: defaultChatHistory,
		timeNow:     func() time.Time { return time.Now().UTC() },
	}
}

// SetChatHistory bounds the per-session chat ring buffer.
func (r *Registry) SetChatHistory(n int) {
	if n > 0 {
		r.chatHistory = n
	}
}

func (r *Registry) session(id string) *domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *Registry) getOrCreate(id string, now time.Time) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := domain.NewSession(id, now)
	r.sessions[id] = s
	return s
}

// removeIfEmpty drops the session unless someone rejoined in the meantime.
func (r *Registry) removeIfEmpty(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}

	s.Mutex.RLock()
	empty := len(s.Participants) == 0
	s.Mutex.RUnlock()

	if empty {
		delete(r.sessions, id)
	}
}

// sessionIs reports whether s is still the registered session for id.
func (r *Registry) sessionIs(id string, s *domain.Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id] == s
}

// Join adds a user to a session, creating the session on first join. It
// returns the full participant list (self included, ordered by join ordinal)
// and the color assigned to the joiner. A user already present is refreshed
// in place and keeps their color.
func (r *Registry) Join(sessionID string, user domain.User) ([]domain.PresenceRecord, string) {
	now := r.timeNow()

	for {
		s := r.getOrCreate(sessionID, now)

		s.Mutex.Lock()
		ordinal, seen := s.JoinOrder[user.ID]
		if !seen {
			ordinal = len(s.JoinOrder)
			s.JoinOrder[user.ID] = ordinal
		}

		color := domain.PaletteColor(ordinal)
		s.Participants[user.ID] = domain.NewPresenceRecord(user, color, now)
		s.Touch(now)
		participants := snapshotParticipants(s)
		s.Mutex.Unlock()

		// The session can be deleted between getOrCreate and the insert:
		// the last participant's leave, or a reaper sweep, may have dropped
		// it from the map, in which case the insert landed on an orphaned
		// record. Start over with a fresh lookup.
		if r.sessionIs(sessionID, s) {
			return participants, color
		}
	}
}

// Leave removes the user's presence and deletes the session once it holds no
// participants. Leaving a session one is not part of is a no-op.
func (r *Registry) Leave(sessionID, userID string) bool {
	s := r.session(sessionID)
	if s == nil {
		return false
	}

	s.Mutex.Lock()
	_, ok := s.Participants[userID]
	if ok {
		delete(s.Participants, userID)
		s.Touch(r.timeNow())
	}
	empty := len(s.Participants) == 0
	s.Mutex.Unlock()

	if empty {
		r.removeIfEmpty(sessionID)
	}
	return ok
}

// UpdateCursor moves a participant's cursor. When the presence no longer
// exists (for example the user raced with leave or was reaped) it reports
// ok=false without creating anything: the caller treats that as success with
// nothing to broadcast.
func (r *Registry) UpdateCursor(sessionID, userID string, cursor *domain.Cursor, currentFile string) (domain.PresenceRecord, bool) {
	s := r.session(sessionID)
	if s == nil {
		return domain.PresenceRecord{}, false
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	p, ok := s.Participants[userID]
	if !ok {
		return domain.PresenceRecord{}, false
	}

	now := r.timeNow()
	p.Cursor = cursor
	if currentFile != "" {
		p.CurrentFile = currentFile
	}
	p.Status = domain.PresenceStatusActive
	p.LastSeen = now
	s.Touch(now)

	return *p, true
}

// UpdatePresence applies a partial presence update; nil fields are left
// unchanged. LastSeen is always refreshed.
func (r *Registry) UpdatePresence(sessionID, userID string, status *domain.PresenceStatus, currentFile *string) (domain.PresenceRecord, bool) {
	s := r.session(sessionID)
	if s == nil {
		return domain.PresenceRecord{}, false
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	p, ok := s.Participants[userID]
	if !ok {
		return domain.PresenceRecord{}, false
	}

	now := r.timeNow()
	if status != nil {
		p.Status = *status
	}
	if currentFile != nil {
		p.CurrentFile = *currentFile
	}
	p.LastSeen = now
	s.Touch(now)

	return *p, true
}

// Participants returns the resolved presence records of a session, ordered
// by join ordinal. An unknown session yields an empty slice, not an error.
func (r *Registry) Participants(sessionID string) []domain.PresenceRecord {
	s := r.session(sessionID)
	if s == nil {
		return []domain.PresenceRecord{}
	}

	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return snapshotParticipants(s)
}

// AppendMessage relays a chat message through the session, retaining the
// last few for sync snapshots.
func (r *Registry) AppendMessage(sessionID string, user domain.User, content, kind string) (domain.ChatMessage, error) {
	s := r.session(sessionID)
	if s == nil {
		return domain.ChatMessage{}, ErrSessionNotFound
	}

	now := r.timeNow()
	msg := domain.NewChatMessage(user, content, kind, now)

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	s.Chat = append(s.Chat, msg)
	if len(s.Chat) > r.chatHistory {
		s.Chat = s.Chat[len(s.Chat)-r.chatHistory:]
	}
	if p, ok := s.Participants[user.ID]; ok {
		p.LastSeen = now
	}
	s.Touch(now)

	return msg, nil
}

// LockFile records an advisory lock. It never rejects: a second locker
// simply overwrites the holder.
func (r *Registry) LockFile(sessionID, file, userID string) error {
	s := r.session(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	now := r.timeNow()
	s.Locks[file] = userID
	if p, ok := s.Participants[userID]; ok {
		p.LastSeen = now
	}
	s.Touch(now)
	return nil
}

func (r *Registry) UnlockFile(sessionID, file string) error {
	s := r.session(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	delete(s.Locks, file)
	s.Touch(r.timeNow())
	return nil
}

// AppendEdit assigns the next document version to an edit. Ordering within a
// session is whatever order edits arrive in; the version counter is the only
// sequencing the server provides.
func (r *Registry) AppendEdit(sessionID, userID string, operation json.RawMessage) (int, error) {
	s := r.session(sessionID)
	if s == nil {
		return 0, ErrSessionNotFound
	}

	s.Mutex.Lock()
	defer s.Mutex.Unlock()

	now := r.timeNow()
	s.Version++
	if p, ok := s.Participants[userID]; ok {
		p.LastSeen = now
	}
	s.Touch(now)

	return s.Version, nil
}

// Snapshot returns the full reconciliation state for a session.
func (r *Registry) Snapshot(sessionID string) (domain.SyncState, error) {
	s := r.session(sessionID)
	if s == nil {
		return domain.SyncState{}, ErrSessionNotFound
	}

	s.Mutex.RLock()
	defer s.Mutex.RUnlock()

	locks := make(map[string]string, len(s.Locks))
	for file, holder := range s.Locks {
		locks[file] = holder
	}
	messages := make([]domain.ChatMessage, len(s.Chat))
	copy(messages, s.Chat)

	return domain.SyncState{
		SessionID:    s.ID,
		Version:      s.Version,
		Participants: snapshotParticipants(s),
		Locks:        locks,
		Messages:     messages,
	}, nil
}

// ReapSessions evicts every session idle past the timeout, participants or
// not. Returns the number of sessions removed.
func (r *Registry) ReapSessions(now time.Time, timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		s.Mutex.RLock()
		stale := now.Sub(s.LastActivity) > timeout
		s.Mutex.RUnlock()
		if stale {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// ReapPresences evicts every presence unseen past the timeout. This sweep is
// deliberately independent of ReapSessions: a presence can be evicted while
// its session survives and vice versa. A session emptied here is left for
// the session sweep.
func (r *Registry) ReapPresences(now time.Time, timeout time.Duration) int {
	r.mu.RLock()
	sessions := make([]*domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	removed := 0
	for _, s := range sessions {
		s.Mutex.Lock()
		for userID, p := range s.Participants {
			if now.Sub(p.LastSeen) > timeout {
				delete(s.Participants, userID)
				removed++
			}
		}
		s.Mutex.Unlock()
	}
	return removed
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshotParticipants copies the participant records ordered by join
// ordinal. Callers must hold the session lock.
func snapshotParticipants(s *domain.Session) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.JoinOrder[out[i].UserID] < s.JoinOrder[out[j].UserID]
	})
	return out
}
