package realtime

import (
	"context"
	"log/slog"
	"time"
)

const defaultReaperInterval = time.Minute

// Reaper periodically closes sessions that have been idle longer than ttl.
type Reaper struct {
	hub      *Hub
	ttl      time.Duration
	interval time.Duration
}

// NewReaper creates a Reaper. A non-positive interval uses one minute.
func NewReaper(hub *Hub, ttl, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	return &Reaper{hub: hub, ttl: ttl, interval: interval}
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	slog.Info("Idle session reaper started", "interval", r.interval, "ttl", r.ttl)

	for {
		select {
		case <-ticker.C:
			r.Sweep(time.Now())
		case <-ctx.Done():
			slog.Info("Idle session reaper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep closes sessions idle at now and returns how many were closed.
func (r *Reaper) Sweep(now time.Time) int {
	closed := r.hub.CloseIdle(now.Add(-r.ttl))
	if closed > 0 {
		slog.Info("Idle session sweep completed", "closed", closed)
	}
	return closed
}
