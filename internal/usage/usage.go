// Package usage meters invocation volume per tenant and subscription type.
//
// Counts accumulate in memory on the dispatch path and a background flusher
// folds them into hourly Redis buckets, so metering never adds a network
// round trip to an invocation.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/domain"
)

const keyPrefix = "triggerd:usage:"

// Config holds usage recorder configuration.
type Config struct {
	// FlushInterval between Redis flushes.
	FlushInterval time.Duration
	// Retention bounds how long usage buckets live in Redis.
	Retention time.Duration
}

// DefaultConfig returns the usage defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Minute,
		Retention:     24 * time.Hour,
	}
}

type counterKey struct {
	tenantID domain.TenantID
	subType  domain.SubscriptionType
}

// Recorder accumulates invocation counts and flushes them to Redis.
type Recorder struct {
	config Config
	client *redis.Client
	logger *logrus.Logger
	clock  func() time.Time

	mu     sync.Mutex
	counts map[counterKey]int64
}

// New creates a Recorder.
func New(config Config, client *redis.Client, logger *logrus.Logger) *Recorder {
	def := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	return &Recorder{
		config: config,
		client: client,
		logger: logger,
		clock:  time.Now,
		counts: make(map[counterKey]int64),
	}
}

// WithClock overrides the time source. Only for tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record counts one started invocation. Never blocks.
func (r *Recorder) Record(tenantID domain.TenantID, subType domain.SubscriptionType) {
	r.mu.Lock()
	r.counts[counterKey{tenantID: tenantID, subType: subType}]++
	r.mu.Unlock()
}

// Run flushes on the configured interval until ctx is cancelled, with a
// final flush on the way out.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush folds the accumulated counts into their hourly Redis buckets. A
// failed flush puts the counts back so they are retried next interval.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.counts) == 0 {
		r.mu.Unlock()
		return
	}
	snapshot := r.counts
	r.counts = make(map[counterKey]int64)
	r.mu.Unlock()

	bucket := BucketFor(r.clock())
	pipe := r.client.Pipeline()
	for key, n := range snapshot {
		redisKey := RedisKey(bucket, key.tenantID, key.subType)
		pipe.IncrBy(ctx, redisKey, n)
		pipe.Expire(ctx, redisKey, r.config.Retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).Warn("usage: flush failed, re-queuing counts")
		r.mu.Lock()
		for key, n := range snapshot {
			r.counts[key] += n
		}
		r.mu.Unlock()
	}
}

// Snapshot returns the pending (unflushed) counts. For tests and debugging.
func (r *Recorder) Snapshot() map[domain.TenantID]map[domain.SubscriptionType]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.TenantID]map[domain.SubscriptionType]int64)
	for key, n := range r.counts {
		byType, ok := out[key.tenantID]
		if !ok {
			byType = make(map[domain.SubscriptionType]int64)
			out[key.tenantID] = byType
		}
		byType[key.subType] = n
	}
	return out
}

// BucketFor truncates an instant to its hourly usage bucket label.
func BucketFor(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006010215")
}

// RedisKey builds the Redis key for one tenant's counter in a bucket.
func RedisKey(bucket string, tenantID domain.TenantID, subType domain.SubscriptionType) string {
	return keyPrefix + bucket + ":" + tenantID.String() + ":" + string(subType)
}
