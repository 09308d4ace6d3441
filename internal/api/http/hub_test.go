package http

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabwire/collabwire/internal/domain"
)

func TestPublishExcludesSender(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	sender := hub.Register("doc-1", "u1")
	other := hub.Register("doc-1", "u2")
	elsewhere := hub.Register("doc-2", "u3")

	hub.Publish(domain.Broadcast{
		Event:     domain.EventCursorMoved,
		SessionID: "doc-1",
		SenderID:  "u1",
	})

	select {
	case b := <-other.Events:
		assert.Equal(t, domain.EventCursorMoved, b.Event)
	default:
		t.Fatal("other participant did not receive the broadcast")
	}

	assert.Empty(t, sender.Events, "sender must not receive their own broadcast")
	assert.Empty(t, elsewhere.Events, "other sessions must not receive the broadcast")
}

func TestUnregisterClosesSubscriber(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := hub.Register("doc-1", "u1")
	hub.Unregister("doc-1", sub)

	_, open := <-sub.Events
	require.False(t, open)

	// double unregister is harmless
	hub.Unregister("doc-1", sub)

	// publishing to a now-empty session is a no-op
	hub.Publish(domain.Broadcast{Event: domain.EventMessage, SessionID: "doc-1", SenderID: "u2"})
}

func TestEnqueueAfterUnregisterIsRejected(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := hub.Register("doc-1", "u1")
	hub.Unregister("doc-1", sub)

	// A Publish that snapshotted this subscriber before Unregister ran must
	// see a clean refusal, not a send on a closed channel.
	require.NotPanics(t, func() {
		assert.False(t, sub.Enqueue(domain.Broadcast{Event: domain.EventMessage, SessionID: "doc-1"}))
	})
}

func TestPublishDuringUnregisterDoesNotPanic(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 100; i++ {
		sub := hub.Register("doc-1", "u2")
		done := make(chan struct{})
		go func() {
			defer close(done)
			hub.Publish(domain.Broadcast{Event: domain.EventCursorMoved, SessionID: "doc-1", SenderID: "u1"})
		}()
		hub.Unregister("doc-1", sub)
		<-done
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub := hub.Register("doc-1", "u1")
	for i := 0; i < subscriberBuffer; i++ {
		require.True(t, sub.Enqueue(domain.Broadcast{Event: domain.EventMessage}))
	}
	assert.False(t, sub.Enqueue(domain.Broadcast{Event: domain.EventMessage}))
}
