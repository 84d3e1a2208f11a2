package metrics

import (
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPrometheusSink_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, quietLogger())

	sink.InvocationStarted("async")
	sink.InvocationStarted("async")
	sink.InvocationStarted("sync")
	sink.InvocationCompleted("completed", 2*time.Second)
	sink.CompletionConflict()
	sink.ExpiredCompleted(3)
	sink.DispatchAttempt("webhook")
	sink.DispatchResult("webhook", "completed", 100*time.Millisecond)
	sink.BreakerRejected("webhook:https://a.example/hook")
	sink.ReaperCycle(2, 5, time.Second)
	sink.ReaperLockSkipped()

	if got := testutil.ToFloat64(sink.invocationsStarted.WithLabelValues("async")); got != 2 {
		t.Errorf("started async = %v, want 2", got)
	}
	if got := testutil.ToFloat64(sink.invocationsCompleted.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(sink.expiredCompleted); got != 3 {
		t.Errorf("expired = %v, want 3", got)
	}
	if got := testutil.ToFloat64(sink.reaperPurged); got != 5 {
		t.Errorf("purged = %v, want 5", got)
	}
	if got := testutil.ToFloat64(sink.reaperLockSkipped); got != 1 {
		t.Errorf("lock skipped = %v, want 1", got)
	}
}

func TestPrometheusSink_DoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, quietLogger())
	// A second sink on the same registry collides; it must log and carry on.
	NewPrometheusSink(reg, quietLogger())
}
