package channel

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabwire/collabwire/internal/domain"
)

// fakeServer speaks just enough of the coordinator protocol to drive the
// channel: it accepts upgrades, records inbound requests and lets tests
// write scripted event envelopes.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	requests chan domain.Request
	connects chan struct{}

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()

	fs := &fakeServer{
		t:        t,
		requests: make(chan domain.Request, 32),
		connects: make(chan struct{}, 8),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fs.mu.Lock()
	fs.conn = conn
	fs.mu.Unlock()
	fs.connects <- struct{}{}

	for {
		var req domain.Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fs.requests <- req
	}
}

func (fs *fakeServer) sendEvent(b domain.Broadcast) {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()

	require.NotNil(fs.t, conn)
	require.NoError(fs.t, conn.WriteJSON(b))
}

func (fs *fakeServer) dropConnection() {
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (fs *fakeServer) waitConnect(timeout time.Duration) bool {
	select {
	case <-fs.connects:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (fs *fakeServer) waitRequest(action domain.Action, timeout time.Duration) (domain.Request, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case req := <-fs.requests:
			if req.Action == action {
				return req, true
			}
		case <-deadline:
			return domain.Request{}, false
		}
	}
}

func newTestChannel() *Channel {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func connect(t *testing.T, fs *fakeServer) *Channel {
	t.Helper()

	ch := newTestChannel()
	err := ch.Connect(context.Background(), fs.srv.URL, "doc-1", Identity{UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	require.True(t, fs.waitConnect(2*time.Second))
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestConnectIsIdempotent(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	require.NoError(t, ch.Connect(context.Background(), fs.srv.URL, "doc-1", Identity{UserID: "u1", DisplayName: "Alice"}))
	assert.False(t, fs.waitConnect(200*time.Millisecond), "second connect must not open a new connection")
	assert.True(t, ch.Connected())
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	fs := newFakeServer(t)
	ch := newTestChannel()

	var mu sync.Mutex
	var order []string
	record := func(tag string) Handler {
		return func(Event) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
		}
	}

	// handlers are registered before the transport connects, so the very
	// first event cannot be missed
	ch.On(EventMessage, record("first"))
	unsub := ch.On(EventMessage, record("second"))
	ch.On(EventMessage, record("third"))

	require.NoError(t, ch.Connect(context.Background(), fs.srv.URL, "doc-1", Identity{UserID: "u1", DisplayName: "Alice"}))
	require.True(t, fs.waitConnect(2*time.Second))
	t.Cleanup(ch.Disconnect)

	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventMessage,
		SessionID: "doc-1",
		SenderID:  "u2",
		Payload:   map[string]any{"message": domain.ChatMessage{UserID: "u2", Content: "hi"}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
	order = nil
	mu.Unlock()

	unsub()
	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventMessage,
		SessionID: "doc-1",
		SenderID:  "u2",
		Payload:   map[string]any{"message": domain.ChatMessage{UserID: "u2", Content: "again"}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "third"}, order)
	mu.Unlock()
}

func TestSendersAreNoopsWhileDisconnected(t *testing.T) {
	ch := newTestChannel()

	// none of these may panic without a connection
	ch.SendEdit(json.RawMessage(`{"insert":"x"}`), 0)
	ch.SendCursor(1, 2, 3, 4)
	ch.SendMessage("hello", "")
	ch.RequestSync()

	assert.False(t, ch.Connected())
}

func TestSyncStateUpdatesLocalCache(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventSyncState,
		SessionID: "doc-1",
		Payload: domain.SyncState{
			SessionID: "doc-1",
			Version:   5,
			Participants: []domain.PresenceRecord{
				{UserID: "u1", DisplayName: "Alice", Color: domain.Palette[0]},
				{UserID: "u2", DisplayName: "Bob", Color: domain.Palette[1]},
			},
		},
	})

	require.Eventually(t, func() bool { return ch.Version() == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, ch.Participants(), 2)
}

func TestEditVersionGapTriggersSync(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventSyncState,
		SessionID: "doc-1",
		Payload:   domain.SyncState{SessionID: "doc-1", Version: 5},
	})
	require.Eventually(t, func() bool { return ch.Version() == 5 }, 2*time.Second, 10*time.Millisecond)

	var mu sync.Mutex
	applied := 0
	ch.On(EventDocumentEdited, func(Event) {
		mu.Lock()
		applied++
		mu.Unlock()
	})

	// in-order edit applies
	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventDocumentEdited,
		SessionID: "doc-1",
		SenderID:  "u2",
		Payload:   domain.EditEvent{UserID: "u2", Operation: json.RawMessage(`{"op":1}`), Version: 6},
	})
	require.Eventually(t, func() bool { return ch.Version() == 6 }, 2*time.Second, 10*time.Millisecond)

	// gapped edit must not apply; it must request a sync instead
	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventDocumentEdited,
		SessionID: "doc-1",
		SenderID:  "u2",
		Payload:   domain.EditEvent{UserID: "u2", Operation: json.RawMessage(`{"op":2}`), Version: 9},
	})

	_, ok := fs.waitRequest(domain.ActionSync, 2*time.Second)
	require.True(t, ok, "expected a sync request after the version gap")
	assert.Equal(t, 6, ch.Version())

	mu.Lock()
	assert.Equal(t, 1, applied, "the gapped edit must not reach handlers")
	mu.Unlock()

	// the server answers with a snapshot and the client converges
	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventSyncState,
		SessionID: "doc-1",
		Payload:   domain.SyncState{SessionID: "doc-1", Version: 9},
	})
	require.Eventually(t, func() bool { return ch.Version() == 9 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendEditReachesServer(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	ch.SendEdit(json.RawMessage(`{"insert":"x"}`), 3)

	req, ok := fs.waitRequest(domain.ActionEdit, 2*time.Second)
	require.True(t, ok)

	var data domain.EditData
	require.NoError(t, json.Unmarshal(req.Data, &data))
	assert.Equal(t, 3, data.Version)
	assert.JSONEq(t, `{"insert":"x"}`, string(data.Operation))
}

func TestDisconnectClearsCachedState(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	var mu sync.Mutex
	disconnected := false
	ch.On(EventDisconnected, func(Event) {
		mu.Lock()
		disconnected = true
		mu.Unlock()
	})

	fs.sendEvent(domain.Broadcast{
		Event:     domain.EventSyncState,
		SessionID: "doc-1",
		Payload: domain.SyncState{
			SessionID:    "doc-1",
			Version:      3,
			Participants: []domain.PresenceRecord{{UserID: "u2", DisplayName: "Bob"}},
			Messages:     []domain.ChatMessage{{UserID: "u2", Content: "hi"}},
		},
	})
	require.Eventually(t, func() bool { return ch.Version() == 3 }, 2*time.Second, 10*time.Millisecond)

	ch.Disconnect()

	assert.False(t, ch.Connected())
	assert.Empty(t, ch.Participants(), "no stale participant list may survive disconnect")
	assert.Empty(t, ch.Messages())
	assert.Equal(t, 0, ch.Version())

	mu.Lock()
	assert.True(t, disconnected)
	mu.Unlock()

	// a deliberate disconnect must not trigger reconnection
	assert.False(t, fs.waitConnect(1200*time.Millisecond))
}

func TestWebsocketURLEscapesSessionID(t *testing.T) {
	assert.Equal(t,
		"ws://coord.local/api/collab/doc-1/ws",
		websocketURL("http://coord.local", "doc-1", ""))

	assert.Equal(t,
		"wss://coord.local/api/collab/doc-1/ws?name=Alice+B",
		websocketURL("https://coord.local/", "doc-1", "Alice B"))

	// ids carrying path and query metacharacters must not malform the URL
	assert.Equal(t,
		"ws://coord.local/api/collab/team%2Fdoc%20%3F1/ws",
		websocketURL("http://coord.local", "team/doc ?1", ""))
}

func TestReconnectsWithSyncAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	ch := connect(t, fs)

	var mu sync.Mutex
	disconnected := false
	ch.On(EventDisconnected, func(Event) {
		mu.Lock()
		disconnected = true
		mu.Unlock()
	})

	fs.dropConnection()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnected
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, fs.waitConnect(5*time.Second), "expected a reconnect attempt")

	// the channel must resync before resuming local edits
	_, ok := fs.waitRequest(domain.ActionSync, 2*time.Second)
	require.True(t, ok)

	require.Eventually(t, func() bool { return ch.Connected() }, 2*time.Second, 10*time.Millisecond)
}
