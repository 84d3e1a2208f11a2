package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// PrometheusSink implements Sink with Prometheus collectors.
type PrometheusSink struct {
	invocationsStarted   *prometheus.CounterVec
	invocationsCompleted *prometheus.CounterVec
	invocationOpenTime   *prometheus.HistogramVec
	completionConflicts  prometheus.Counter
	expiredCompleted     prometheus.Counter

	dispatchAttempts *prometheus.CounterVec
	dispatchResults  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	breakerRejected  *prometheus.CounterVec

	reaperExpired     prometheus.Counter
	reaperPurged      prometheus.Counter
	reaperCycleTime   prometheus.Histogram
	reaperLockSkipped prometheus.Counter
}

// NewPrometheusSink creates a sink and registers its collectors on reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *logrus.Logger) *PrometheusSink {
	s := &PrometheusSink{
		invocationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerd_invocations_started_total",
			Help: "Invocations started, by invocation type.",
		}, []string{"type"}),
		invocationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerd_invocations_completed_total",
			Help: "Invocations completed, by outcome.",
		}, []string{"outcome"}),
		invocationOpenTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triggerd_invocation_open_seconds",
			Help:    "Time from start to completion.",
			Buckets: []float64{.1, .5, 1, 5, 30, 60, 300, 1800, 3600},
		}, []string{"outcome"}),
		completionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggerd_completion_conflicts_total",
			Help: "Completion attempts that lost the first-writer race.",
		}),
		expiredCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggerd_invocations_expired_total",
			Help: "Invocations force-completed at the deadline.",
		}),
		dispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerd_dispatch_attempts_total",
			Help: "Dispatch attempts, by destination kind.",
		}, []string{"kind"}),
		dispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerd_dispatch_results_total",
			Help: "Dispatch results, by destination kind and outcome.",
		}, []string{"kind", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "triggerd_dispatch_duration_seconds",
			Help:    "Dispatch call duration, by destination kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		breakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triggerd_breaker_rejections_total",
			Help: "Dispatches rejected by an open circuit breaker.",
		}, []string{"destination"}),
		reaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggerd_reaper_expired_total",
			Help: "Invocations expired by the reaper.",
		}),
		reaperPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggerd_reaper_purged_total",
			Help: "Completed records purged past retention.",
		}),
		reaperCycleTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "triggerd_reaper_cycle_seconds",
			Help:    "Reaper cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		reaperLockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triggerd_reaper_lock_skipped_total",
			Help: "Reaper cycles skipped because another replica held the lock.",
		}),
	}

	register(reg, logger,
		s.invocationsStarted, s.invocationsCompleted, s.invocationOpenTime,
		s.completionConflicts, s.expiredCompleted,
		s.dispatchAttempts, s.dispatchResults, s.dispatchDuration, s.breakerRejected,
		s.reaperExpired, s.reaperPurged, s.reaperCycleTime, s.reaperLockSkipped,
	)
	return s
}

// register logs registration failures instead of failing startup; a metrics
// collision must not take the engine down.
func register(reg prometheus.Registerer, logger *logrus.Logger, collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			logger.WithError(err).Warn("metrics: collector registration failed")
		}
	}
}

func (s *PrometheusSink) InvocationStarted(invType string) {
	s.invocationsStarted.WithLabelValues(invType).Inc()
}

func (s *PrometheusSink) InvocationCompleted(outcome string, openFor time.Duration) {
	s.invocationsCompleted.WithLabelValues(outcome).Inc()
	s.invocationOpenTime.WithLabelValues(outcome).Observe(openFor.Seconds())
}

func (s *PrometheusSink) CompletionConflict() {
	s.completionConflicts.Inc()
}

func (s *PrometheusSink) ExpiredCompleted(count int) {
	s.expiredCompleted.Add(float64(count))
}

func (s *PrometheusSink) DispatchAttempt(kind string) {
	s.dispatchAttempts.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) DispatchResult(kind, outcome string, elapsed time.Duration) {
	s.dispatchResults.WithLabelValues(kind, outcome).Inc()
	s.dispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (s *PrometheusSink) BreakerRejected(key string) {
	s.breakerRejected.WithLabelValues(key).Inc()
}

func (s *PrometheusSink) ReaperCycle(expired int, purged int64, elapsed time.Duration) {
	s.reaperExpired.Add(float64(expired))
	s.reaperPurged.Add(float64(purged))
	s.reaperCycleTime.Observe(elapsed.Seconds())
}

func (s *PrometheusSink) ReaperLockSkipped() {
	s.reaperLockSkipped.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
