// Package reaper force-completes invocations that outlive the deadline and
// purges completed records past their retention.
//
// At most one replica reaps at a time: each cycle runs under a distributed
// lease lock, and a replica that cannot acquire the lock skips the cycle.
// Force-completion goes through the same idempotent completion path as
// callbacks, so a reaper racing a late callback is harmless.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/distlock"
)

// Expirer force-completes expired invocations in batches.
type Expirer interface {
	CompleteExpired(ctx context.Context, maxInvocations int) (int, error)
}

// Purger removes completed records older than a cutoff.
type Purger interface {
	PurgeCompleted(ctx context.Context, completedBefore time.Time) (int64, error)
}

// Lease is a held distributed lock.
type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker acquires the reaper lock. Acquire returns
// distlock.ErrLockUnavailable when another replica holds it.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// RedisLocker adapts a distlock.Locker to the Locker interface.
type RedisLocker struct {
	Locker *distlock.Locker
}

func (r RedisLocker) Acquire(ctx context.Context) (Lease, error) {
	lease, err := r.Locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// MetricsSink records reaper metrics.
type MetricsSink interface {
	ReaperCycle(expired int, purged int64, elapsed time.Duration)
	ReaperLockSkipped()
}

// Config holds reaper configuration.
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// BatchSize bounds one CompleteExpired call; the cycle drains batches
	// until none remain.
	BatchSize int
	// TTL is how long completed records are retained before purging.
	// Zero disables purging.
	TTL time.Duration
}

// DefaultConfig returns the reaper defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		BatchSize: 100,
		TTL:       72 * time.Hour,
	}
}

// Reaper runs the periodic expiry cycle.
type Reaper struct {
	config  Config
	locker  Locker
	expirer Expirer
	purger  Purger
	metrics MetricsSink // optional, nil = disabled
	logger  *logrus.Logger
	clock   func() time.Time
}

// New creates a Reaper.
func New(config Config, locker Locker, expirer Expirer, purger Purger, logger *logrus.Logger) *Reaper {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reaper{
		config:  config,
		locker:  locker,
		expirer: expirer,
		purger:  purger,
		logger:  logger,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (r *Reaper) WithMetrics(sink MetricsSink) *Reaper {
	r.metrics = sink
	return r
}

// WithClock overrides the time source. Only for tests.
func (r *Reaper) WithClock(clock func() time.Time) *Reaper {
	r.clock = clock
	return r
}

// Run executes cycles until ctx is cancelled. An immediate first cycle runs
// before the ticker starts.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.WithFields(logrus.Fields{
		"interval":   r.config.Interval,
		"batch_size": r.config.BatchSize,
	}).Info("reaper: started")

	r.RunCycle(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper: stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle runs one expiry pass under the distributed lock. Exported so an
// operator can trigger an immediate pass.
func (r *Reaper) RunCycle(ctx context.Context) {
	lease, err := r.locker.Acquire(ctx)
	if errors.Is(err, distlock.ErrLockUnavailable) {
		if r.metrics != nil {
			r.metrics.ReaperLockSkipped()
		}
		r.logger.Debug("reaper: lock held elsewhere, skipping cycle")
		return
	}
	if err != nil {
		r.logger.WithError(err).Error("reaper: lock acquisition failed")
		return
	}
	defer func() {
		// Release with a fresh context so shutdown does not leave the
		// lock held until lease expiry.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			r.logger.WithError(err).Warn("reaper: lock release failed")
		}
	}()

	started := r.clock()
	expired := r.drainExpired(ctx, lease)
	purged := r.purge(ctx)

	if r.metrics != nil {
		r.metrics.ReaperCycle(expired, purged, r.clock().Sub(started))
	}
	if expired > 0 || purged > 0 {
		r.logger.WithFields(logrus.Fields{
			"expired": expired,
			"purged":  purged,
		}).Info("reaper: cycle complete")
	}
}

// drainExpired processes batches until the store has no more expired
// invocations, refreshing the lease between batches.
func (r *Reaper) drainExpired(ctx context.Context, lease Lease) int {
	total := 0
	for {
		if ctx.Err() != nil {
			return total
		}
		n, err := r.expirer.CompleteExpired(ctx, r.config.BatchSize)
		if err != nil {
			r.logger.WithError(err).Error("reaper: expiry batch failed")
			return total
		}
		total += n
		if n < r.config.BatchSize {
			return total
		}
		if err := lease.Refresh(ctx); err != nil {
			// Lost the lease mid-drain; another replica may already be
			// reaping, so stop here.
			r.logger.WithError(err).Warn("reaper: lease refresh failed, aborting drain")
			return total
		}
	}
}

func (r *Reaper) purge(ctx context.Context) int64 {
	if r.config.TTL <= 0 || r.purger == nil {
		return 0
	}
	cutoff := r.clock().UTC().Add(-r.config.TTL)
	purged, err := r.purger.PurgeCompleted(ctx, cutoff)
	if err != nil {
		r.logger.WithError(err).Error("reaper: purge failed")
		return 0
	}
	return purged
}
