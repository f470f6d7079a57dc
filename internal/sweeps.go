package internal

import (
	"context"
	"errors"
	"time"
)

const (
	// _sweepEvery is how often the scheduled sweeps run.
	_sweepEvery = 24 * time.Hour
	// _sweepTimeout bounds one sweep pass, independent of request deadlines.
	_sweepTimeout = time.Minute
	// _sourceRetention is how long provenance rows are kept.
	_sourceRetention = 90 * 24 * time.Hour
)

// sweepStore is the deletion surface the sweeper needs.
type sweepStore interface {
	DeleteExpiredSearchCache(ctx context.Context) (int64, error)
	DeleteStaleMetadataSources(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically removes expired L2 cache rows and provenance rows
// past their retention. Sweeps are idempotent; a missed run only delays
// deletion.
type Sweeper struct {
	db        sweepStore
	every     time.Duration
	retention time.Duration

	now func() time.Time
}

// NewSweeper returns a sweeper with the default daily cadence and 90 day
// provenance retention.
func NewSweeper(db sweepStore) *Sweeper {
	return &Sweeper{
		db:        db,
		every:     _sweepEvery,
		retention: _sourceRetention,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Failed passes are logged and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		Log(ctx).Warn("sweep failed", "err", err)
	}

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				Log(ctx).Warn("sweep failed", "err", err)
			}
		}
	}
}

// RunOnce runs both sweeps under the sweeper's own deadline.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, _sweepTimeout)
	defer cancel()

	cacheRows, err := s.db.DeleteExpiredSearchCache(ctx)
	if err != nil {
		return err
	}

	cutoff := s.now().UTC().Add(-s.retention)
	sourceRows, err := s.db.DeleteStaleMetadataSources(ctx, cutoff)
	if err != nil {
		return err
	}

	Log(ctx).Info("sweep complete", "expiredCacheRows", cacheRows, "staleSourceRows", sourceRows)
	return nil
}
