package session

import (
	"context"
	"time"
)

// Cleaner ends expired sessions.
type Cleaner interface {
	CleanupExpiredSessions(ctx context.Context) int
}

// CleanupWorker runs CleanupExpiredSessions on a fixed interval.
type CleanupWorker struct {
	cleaner  Cleaner
	interval time.Duration
}

// NewCleanupWorker returns a worker that sweeps every interval (5m when not positive).
func NewCleanupWorker(cleaner Cleaner, interval time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &CleanupWorker{cleaner: cleaner, interval: interval}
}

// Run sweeps until ctx is done and then returns nil.
func (w *CleanupWorker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.cleaner.CleanupExpiredSessions(ctx)
		}
	}
}
