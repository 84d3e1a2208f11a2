// Package metrics defines the engine's metrics sink and its Prometheus
// implementation. Sinks are fire-and-forget: recording never fails and
// never blocks the caller.
package metrics

import "time"

// Sink receives engine metrics. It satisfies the per-package sink
// interfaces in tracker, invoker, and reaper.
type Sink interface {
	InvocationStarted(invType string)
	InvocationCompleted(outcome string, openFor time.Duration)
	CompletionConflict()
	ExpiredCompleted(count int)

	DispatchAttempt(kind string)
	DispatchResult(kind, outcome string, elapsed time.Duration)
	BreakerRejected(key string)

	ReaperCycle(expired int, purged int64, elapsed time.Duration)
	ReaperLockSkipped()
}

// NoopSink discards all metrics.
type NoopSink struct{}

func (NoopSink) InvocationStarted(string)                     {}
func (NoopSink) InvocationCompleted(string, time.Duration)    {}
func (NoopSink) CompletionConflict()                          {}
func (NoopSink) ExpiredCompleted(int)                         {}
func (NoopSink) DispatchAttempt(string)                       {}
func (NoopSink) DispatchResult(string, string, time.Duration) {}
func (NoopSink) BreakerRejected(string)                       {}
func (NoopSink) ReaperCycle(int, int64, time.Duration)        {}
func (NoopSink) ReaperLockSkipped()                           {}

var _ Sink = NoopSink{}
