package collab

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

// Purger removes idle sessions.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Sweeper periodically purges idle sessions for stores without native expiry.
// Participants of a purged session are not notified.
type Sweeper struct {
	purger   Purger
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(purger Purger, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &Sweeper{purger: purger, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.logger.Warn("session sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("expired sessions purged", zap.Int("count", removed))
	}
}
