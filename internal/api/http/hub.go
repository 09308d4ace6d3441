package http

import (
	"log/slog"
	"sync"

	"github.com/collabwire/collabwire/internal/domain"
)

const subscriberBuffer = 64

// Subscriber is one websocket connection's outbound event queue. The writer
// goroutine owning the connection is the only reader.
type Subscriber struct {
	UserID string
	Events chan domain.Broadcast

	mu     sync.Mutex
	closed bool
}

// Enqueue queues an envelope without blocking; a slow consumer loses events
// and is expected to resync. Enqueue is safe against a concurrent
// Unregister: once the subscriber is closed it reports false instead of
// sending on a closed channel.
func (s *Subscriber) Enqueue(b domain.Broadcast) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.Events <- b:
		return true
	default:
		return false
	}
}

// close marks the subscriber dead and closes Events so the writer goroutine
// drains and exits. Serialized with Enqueue through mu.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.Events)
}

// Hub delivers broadcast envelopes produced by the protocol handler to the
// other connected participants of a session. It holds no authoritative
// state; the registry does.
type Hub struct {
	mu       sync.RWMutex
	log      *slog.Logger
	sessions map[string]map[*Subscriber]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		sessions: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Register(sessionID, userID string) *Subscriber {
	sub := &Subscriber{
		UserID: userID,
		Events: make(chan domain.Broadcast, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}

	return sub
}

func (h *Hub) Unregister(sessionID string, sub *Subscriber) {
	h.mu.Lock()
	subs, ok := h.sessions[sessionID]
	if ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.sessions, sessionID)
			}
		}
	}
	h.mu.Unlock()

	sub.close()
}

// Publish fans an envelope out to every subscriber of the session except the
// sender's own connections.
func (h *Hub) Publish(b domain.Broadcast) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.sessions[b.SessionID]))
	for sub := range h.sessions[b.SessionID] {
		if sub.UserID == b.SenderID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.Enqueue(b) {
			h.log.Debug("dropping broadcast event",
				slog.String("session_id", b.SessionID),
				slog.String("user_id", sub.UserID),
				slog.String("event", string(b.Event)),
			)
		}
	}
}
