package metrics_test

import (
	"github.com/outboundlabs/triggerd/internal/invoker"
	"github.com/outboundlabs/triggerd/internal/metrics"
	"github.com/outboundlabs/triggerd/internal/reaper"
	"github.com/outboundlabs/triggerd/internal/tracker"
)

// NoopSink stands in for the Prometheus sink when metrics are disabled, so
// it must satisfy every component's sink interface.
var (
	_ tracker.MetricsSink = metrics.NoopSink{}
	_ invoker.MetricsSink = metrics.NoopSink{}
	_ reaper.MetricsSink  = metrics.NoopSink{}

	_ tracker.MetricsSink = (*metrics.PrometheusSink)(nil)
	_ invoker.MetricsSink = (*metrics.PrometheusSink)(nil)
	_ reaper.MetricsSink  = (*metrics.PrometheusSink)(nil)
)
