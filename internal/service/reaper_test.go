package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/collabwire/collabwire/internal/domain"
	"github.com/collabwire/collabwire/internal/store"
)

func TestSweepEvictsStaleSessions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := store.NewRegistry()

	registry.Join("doc-stale", domain.User{ID: "u1", Name: "Alice"})

	reaper := NewReaper(registry, log, time.Minute, 30*time.Minute, 30*time.Minute)
	reaper.timeNow = func() time.Time { return time.Now().UTC().Add(31 * time.Minute) }

	reaper.Sweep()

	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, registry.Participants("doc-stale"))
}

func TestSweepKeepsFreshSessions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := store.NewRegistry()

	registry.Join("doc-fresh", domain.User{ID: "u1", Name: "Alice"})

	reaper := NewReaper(registry, log, time.Minute, 30*time.Minute, 30*time.Minute)
	reaper.Sweep()

	assert.Equal(t, 1, registry.Len())
	assert.Len(t, registry.Participants("doc-fresh"), 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := store.NewRegistry()

	reaper := NewReaper(registry, log, 10*time.Millisecond, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after context cancellation")
	}
}
