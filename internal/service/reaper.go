package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/collabwire/collabwire/internal/store"
)

// Reaper periodically evicts sessions idle past the session timeout and
// presences unseen past the presence timeout. The two sweeps run
// independently of each other.
type Reaper struct {
	registry *store.Registry
	log      *slog.Logger

	interval        time.Duration
	sessionTimeout  time.Duration
	presenceTimeout time.Duration
	timeNow         func() time.Time
}

func NewReaper(registry *store.Registry, log *slog.Logger, interval, sessionTimeout, presenceTimeout time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		registry:        registry,
		log:             log,
		interval:        interval,
		sessionTimeout:  sessionTimeout,
		presenceTimeout: presenceTimeout,
		timeNow:         func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep runs one eviction pass.
func (r *Reaper) Sweep() {
	now := r.timeNow()

	sessions := r.registry.ReapSessions(now, r.sessionTimeout)
	presences := r.registry.ReapPresences(now, r.presenceTimeout)

	if sessions > 0 || presences > 0 {
		r.log.Info("reaper sweep",
			slog.Int("sessions_evicted", sessions),
			slog.Int("presences_evicted", presences),
		)
	}
}
