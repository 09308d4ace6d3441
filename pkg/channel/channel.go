// Package channel is the client side of the collaboration protocol: it keeps
// a websocket to the coordinator alive, re-establishes it with bounded
// backoff when it drops, and exposes a publish/subscribe surface for
// presence, cursor, edit and chat events. The package speaks the coordinator
// wire format directly and has no dependency on the server internals, so it
// can be imported by any UI.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/collabwire/collabwire/lib/logger/sl"
)

const (
	reconnectInitialInterval = 500 * time.Millisecond
	reconnectMaxInterval     = 30 * time.Second
	reconnectMaxAttempts     = 10
)

// EventName identifies a state change delivered to subscribed handlers.
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

// Identity identifies the local participant to the coordinator. UserID and
// DisplayName are required; without a UserID the coordinator assigns a guest
// identity.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// Cursor is a position inside the artifact a participant is viewing. Either
// the x/y pair or the line/column pair is populated depending on the surface.
type Cursor struct {
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Line   int     `json:"line,omitempty"`
	Column int     `json:"column,omitempty"`
}

// Participant mirrors the coordinator's presence record for one session
// member.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	Color       string    `json:"color"`
	Cursor      *Cursor   `json:"cursor,omitempty"`
	CurrentFile string    `json:"current_file,omitempty"`
	Status      string    `json:"status"`
	LastSeen    time.Time `json:"last_seen"`
}

// Message is a relayed chat message.
type Message struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Content     string    `json:"content"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is delivered to subscribed handlers. Payload is the raw envelope
// payload; decode per event name.
type Event struct {
	Name    EventName
	Payload json.RawMessage
}

type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// Outbound wire shapes. These track the coordinator's protocol; the envelope
// carries an action string and a per-action data object.
const (
	actionUpdateCursor   = "updateCursor"
	actionUpdatePresence = "updatePresence"
	actionSendMessage    = "sendMessage"
	actionEdit           = "edit"
	actionSync           = "sync"
)

type request struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type (
	cursorData struct {
		Cursor      *Cursor `json:"cursor"`
		CurrentFile string  `json:"current_file"`
	}

	presenceData struct {
		CurrentFile *string `json:"current_file,omitempty"`
	}

	messageData struct {
		Message string `json:"message"`
		Kind    string `json:"kind,omitempty"`
	}

	editData struct {
		Operation json.RawMessage `json:"operation"`
		Version   int             `json:"version"`
	}
)

type wireEvent struct {
	Event     EventName       `json:"event"`
	SessionID string          `json:"session_id"`
	SenderID  string          `json:"sender_id"`
	Payload   json.RawMessage `json:"payload"`
}

type syncState struct {
	SessionID    string        `json:"session_id"`
	Version      int           `json:"version"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages,omitempty"`
}

type editEvent struct {
	UserID  string `json:"user_id"`
	Version int    `json:"version"`
}

// Channel is a client collaboration channel bound to one session. All
// methods are safe for concurrent use; the send methods are silent no-ops
// while disconnected so UI code never has to check connection state first.
type Channel struct {
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	dialing   bool
	closing   bool

	ctx       context.Context
	endpoint  string
	sessionID string
	identity  Identity

	nextHandlerID int
	handlers      map[EventName][]handlerEntry

	version      int
	participants map[string]Participant
	messages     []Message
	currentFile  string

	writeMu sync.Mutex
}

func New(log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		log:          log,
		handlers:     make(map[EventName][]handlerEntry),
		participants: make(map[string]Participant),
	}
}

// Connect establishes the websocket to the coordinator. It is idempotent:
// calling while already connected (or mid-dial) does nothing. Handlers
// registered before Connect see every event from the first frame on.
func (c *Channel) Connect(ctx context.Context, endpoint, sessionID string, identity Identity) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	c.ctx = ctx
	c.endpoint = endpoint
	c.sessionID = sessionID
	c.identity = identity
	c.closing = false
	c.mu.Unlock()

	return c.dial()
}

func (c *Channel) dial() error {
	c.mu.Lock()
	if c.connected || c.dialing || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	ctx := c.ctx
	wsURL := websocketURL(c.endpoint, c.sessionID, c.identity.DisplayName)
	header := http.Header{}
	if c.identity.UserID != "" {
		header.Set("X-User-ID", c.identity.UserID)
		header.Set("X-User-Name", c.identity.DisplayName)
		header.Set("X-User-Email", c.identity.Email)
	}
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	c.emit(EventConnected, nil)
	return nil
}

// On subscribes a handler to an event name and returns an unsubscribe
// function. Handlers for the same event run in registration order.
func (c *Channel) On(name EventName, fn Handler) func() {
	c.mu.Lock()
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[name]
		for i, e := range entries {
			if e.id == id {
				c.handlers[name] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// SendEdit relays an edit operation. knownVersion is the version the edit
// was made against; the coordinator assigns the authoritative next version.
func (c *Channel) SendEdit(operation json.RawMessage, knownVersion int) {
	c.send(actionEdit, editData{Operation: operation, Version: knownVersion})
}

// SendCursor reports the local cursor position.
func (c *Channel) SendCursor(x, y float64, line, column int) {
	c.mu.Lock()
	file := c.currentFile
	c.mu.Unlock()

	c.send(actionUpdateCursor, cursorData{
		Cursor:      &Cursor{X: x, Y: y, Line: line, Column: column},
		CurrentFile: file,
	})
}

// SendMessage relays a chat message to the session.
func (c *Channel) SendMessage(content, kind string) {
	c.send(actionSendMessage, messageData{Message: content, Kind: kind})
}

// SetCurrentFile records which artifact this client is viewing and tells the
// other participants.
func (c *Channel) SetCurrentFile(file string) {
	c.mu.Lock()
	c.currentFile = file
	c.mu.Unlock()

	c.send(actionUpdatePresence, presenceData{CurrentFile: &file})
}

// RequestSync asks the coordinator for a full state snapshot.
func (c *Channel) RequestSync() {
	c.send(actionSync, nil)
}

// Disconnect tears the transport down and clears all cached session state so
// no stale participant list survives for the UI.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.version = 0
	c.participants = make(map[string]Participant)
	c.messages = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
	if wasConnected {
		c.emit(EventDisconnected, nil)
	}
}

// Connected reports whether the transport is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Version is the last document version this client has applied or synced.
func (c *Channel) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Participants returns the cached participant list, ordered by user id.
func (c *Channel) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Messages returns the cached chat messages in arrival order.
func (c *Channel) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Channel) send(action string, data any) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Debug("dropping outbound action while disconnected", slog.String("action", action))
		return
	}

	req := request{Action: action}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.log.Error("marshal outbound action", sl.Err(err))
			return
		}
		req.Data = raw
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("write failed", slog.String("action", action), sl.Err(err))
	}
}

func (c *Channel) emit(name EventName, payload json.RawMessage) {
	c.mu.Lock()
	entries := make([]handlerEntry, len(c.handlers[name]))
	copy(entries, c.handlers[name])
	c.mu.Unlock()

	ev := Event{Name: name, Payload: payload}
	for _, e := range entries {
		e.fn(ev)
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var env wireEvent
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		c.handleEvent(env)
	}

	c.mu.Lock()
	wasClosing := c.closing
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	if wasClosing {
		return
	}

	c.emit(EventDisconnected, nil)
	go c.reconnect()
}

func (c *Channel) handleEvent(env wireEvent) {
	switch env.Event {
	case EventSyncState:
		var state syncState
		if err := json.Unmarshal(env.Payload, &state); err != nil {
			c.log.Error("decode sync state", sl.Err(err))
			return
		}
		c.mu.Lock()
		c.version = state.Version
		c.participants = make(map[string]Participant, len(state.Participants))
		for _, p := range state.Participants {
			c.participants[p.UserID] = p
		}
		c.messages = state.Messages
		c.mu.Unlock()
		c.emit(EventSyncState, env.Payload)

	case EventUserJoined:
		var payload struct {
			Participant *Participant `json:"participant"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Participant == nil {
			return
		}
		c.mu.Lock()
		c.participants[payload.Participant.UserID] = *payload.Participant
		c.mu.Unlock()
		c.emit(EventUserJoined, env.Payload)

	case EventUserLeft:
		var payload struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		delete(c.participants, payload.UserID)
		c.mu.Unlock()
		c.emit(EventUserLeft, env.Payload)

	case EventCursorMoved:
		var payload struct {
			UserID      string  `json:"user_id"`
			Cursor      *Cursor `json:"cursor"`
			CurrentFile string  `json:"current_file"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		if p, ok := c.participants[payload.UserID]; ok {
			p.Cursor = payload.Cursor
			if payload.CurrentFile != "" {
				p.CurrentFile = payload.CurrentFile
			}
			c.participants[payload.UserID] = p
		}
		c.mu.Unlock()
		c.emit(EventCursorMoved, env.Payload)

	case EventPresenceChanged:
		var payload struct {
			Participant *Participant `json:"participant"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Participant == nil {
			return
		}
		c.mu.Lock()
		c.participants[payload.Participant.UserID] = *payload.Participant
		c.mu.Unlock()
		c.emit(EventPresenceChanged, env.Payload)

	case EventMessage:
		var payload struct {
			Message Message `json:"message"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		c.messages = append(c.messages, payload.Message)
		c.mu.Unlock()
		c.emit(EventMessage, env.Payload)

	case EventDocumentEdited:
		var edit editEvent
		if err := json.Unmarshal(env.Payload, &edit); err != nil {
			return
		}
		c.mu.Lock()
		expected := c.version + 1
		if edit.Version == expected {
			c.version = edit.Version
			c.mu.Unlock()
			c.emit(EventDocumentEdited, env.Payload)
			return
		}
		c.mu.Unlock()
		// Version gap: the coordinator keeps no log of missed edits, so a
		// blind apply would silently diverge. Resync instead.
		c.log.Debug("edit version gap, requesting sync",
			slog.Int("expected", expected),
			slog.Int("got", edit.Version),
		)
		c.RequestSync()

	case EventError:
		c.emit(EventError, env.Payload)
	}
}

func (c *Channel) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0

	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		c.mu.Lock()
		if c.closing || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(bo.NextBackOff())

		if err := c.dial(); err != nil {
			c.log.Debug("reconnect attempt failed", slog.Int("attempt", attempt), sl.Err(err))
			continue
		}

		// Resync before resuming local edits; resuming blind risks
		// diverging from the server version.
		c.RequestSync()
		return
	}

	c.log.Warn("reconnect attempts exhausted", slog.Int("attempts", reconnectMaxAttempts))
	payload, _ := json.Marshal(map[string]string{"message": "reconnect attempts exhausted"})
	c.emit(EventError, payload)
}

func websocketURL(endpoint, sessionID, displayName string) string {
	u := endpoint
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	u = strings.TrimSuffix(u, "/") + "/api/collab/" + url.PathEscape(sessionID) + "/ws"
	if displayName != "" {
		u += "?name=" + url.QueryEscape(displayName)
	}
	return u
}
