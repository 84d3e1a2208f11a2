// Package invoker dispatches started invocations to subscriber destinations.
//
// Dispatch is gated by a per-destination circuit breaker: an unhealthy
// webhook endpoint, function, or partner event bus trips only its own
// breaker and never throttles delivery to other destinations.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/circuitbreaker"
	"github.com/outboundlabs/triggerd/internal/domain"
)

// Outcome classifies how a dispatch attempt resolved.
type Outcome string

const (
	// OutcomeCompleted means the destination executed synchronously and
	// Result.Output holds the subscriber's response.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the destination executed and reported an error;
	// Result.ErrorMessage holds it. The destination itself is healthy.
	OutcomeFailed Outcome = "failed"
	// OutcomeAsync means the destination accepted the event and the
	// completion will arrive later via the callback endpoint.
	OutcomeAsync Outcome = "async"
)

// Result is the resolution of a successful dispatch attempt.
type Result struct {
	Outcome      Outcome
	Output       json.RawMessage
	ErrorMessage string
}

// DispatchError reports a destination fault: the event could not be
// delivered. It counts against the destination's circuit breaker.
type DispatchError struct {
	Kind   domain.DestinationKind
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: %s", e.Kind, e.Reason)
}

// Envelope is the payload delivered to every destination kind. Metadata
// carries what an async subscriber needs to call back.
type Envelope struct {
	Metadata Metadata        `json:"_metadata"`
	Input    json.RawMessage `json:"input,omitempty"`
	Raw      string          `json:"rawContent,omitempty"`
}

// Metadata identifies the invocation and authorizes its completion.
type Metadata struct {
	InvocationID string `json:"invocationId"`
	TriggerID    string `json:"triggerId"`
	TriggerType  string `json:"triggerType"`
	Secret       string `json:"secret,omitempty"`
	CallbackURL  string `json:"callbackUrl,omitempty"`
}

// MetricsSink records dispatch metrics. All methods are fire-and-forget.
type MetricsSink interface {
	DispatchAttempt(kind string)
	DispatchResult(kind, outcome string, elapsed time.Duration)
	BreakerRejected(key string)
}

// Invoker routes a started invocation to the strategy for its destination.
type Invoker struct {
	webhook  *WebhookSender
	function *FunctionInvoker
	eventBus *EventBusForwarder
	breakers *circuitbreaker.Registry
	metrics  MetricsSink // optional, nil = disabled
	logger   *logrus.Logger

	// callbackBase is the externally reachable base URL of the completion
	// endpoint, e.g. "https://triggers.example.com".
	callbackBase string
}

// New creates an Invoker.
func New(webhook *WebhookSender, function *FunctionInvoker, eventBus *EventBusForwarder,
	breakers *circuitbreaker.Registry, callbackBase string, logger *logrus.Logger) *Invoker {
	return &Invoker{
		webhook:      webhook,
		function:     function,
		eventBus:     eventBus,
		breakers:     breakers,
		callbackBase: callbackBase,
		logger:       logger,
	}
}

// WithMetrics attaches a metrics sink.
func (i *Invoker) WithMetrics(sink MetricsSink) *Invoker {
	i.metrics = sink
	return i
}

// Dispatch delivers the invocation to the subscription's destination.
//
// Error taxonomy: circuitbreaker.ErrCircuitOpen when the destination's
// breaker rejects the attempt, *domain.ValidationError for a malformed
// destination, *DispatchError for a destination fault. Only dispatch
// errors count against the breaker.
func (i *Invoker) Dispatch(ctx context.Context, inv domain.InvocationStatus, sub domain.Subscription) (Result, error) {
	dest := sub.Destination
	if err := validateDestination(dest); err != nil {
		return Result{}, err
	}
	// A disabled strategy is rejected before the breaker sees the attempt,
	// so no half-open probe permit is consumed.
	if dest.Kind == domain.DestinationFunction && i.function == nil {
		return Result{}, &domain.ValidationError{Field: "destination.kind", Reason: "function destinations are not enabled"}
	}
	if dest.Kind == domain.DestinationEventBus && i.eventBus == nil {
		return Result{}, &domain.ValidationError{Field: "destination.kind", Reason: "event bus destinations are not enabled"}
	}

	breaker := i.breakers.Get(dest.BreakerKey())
	if err := breaker.Allow(); err != nil {
		if i.metrics != nil {
			i.metrics.BreakerRejected(dest.BreakerKey())
		}
		i.logger.WithFields(logrus.Fields{
			"invocation_id": inv.ID,
			"destination":   dest.BreakerKey(),
		}).Warn("invoker: dispatch rejected by circuit breaker")
		return Result{}, err
	}

	if i.metrics != nil {
		i.metrics.DispatchAttempt(string(dest.Kind))
	}
	started := time.Now()

	envelope := i.buildEnvelope(inv)
	var (
		result Result
		err    error
	)
	switch dest.Kind {
	case domain.DestinationWebhook:
		result, err = i.webhook.Send(ctx, inv, dest, envelope)
	case domain.DestinationFunction:
		result, err = i.function.Invoke(ctx, inv, dest, envelope)
	case domain.DestinationEventBus:
		result, err = i.eventBus.Forward(ctx, inv, dest, envelope)
	}

	if err != nil {
		breaker.RecordFailure()
		if i.metrics != nil {
			i.metrics.DispatchResult(string(dest.Kind), "error", time.Since(started))
		}
		i.logger.WithError(err).WithFields(logrus.Fields{
			"invocation_id": inv.ID,
			"destination":   dest.BreakerKey(),
		}).Error("invoker: dispatch failed")
		return Result{}, err
	}

	// A destination that executed and reported a subscriber-side error is
	// still a healthy destination.
	breaker.RecordSuccess()
	if i.metrics != nil {
		i.metrics.DispatchResult(string(dest.Kind), string(result.Outcome), time.Since(started))
	}
	i.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"destination":   dest.BreakerKey(),
		"outcome":       result.Outcome,
	}).Info("invoker: dispatched")
	return result, nil
}

func (i *Invoker) buildEnvelope(inv domain.InvocationStatus) Envelope {
	meta := Metadata{
		InvocationID: inv.ID,
		TriggerID:    inv.TriggerID.String(),
		TriggerType:  string(inv.Type),
	}
	if inv.Type == domain.InvocationTypeAsync {
		meta.Secret = inv.Secret.Token()
		if i.callbackBase != "" {
			meta.CallbackURL = i.callbackBase + "/invocations/" + inv.ID + "/complete"
		}
	}
	return Envelope{
		Metadata: meta,
		Input:    inv.Start.Input,
		Raw:      inv.Start.RawContent,
	}
}

func validateDestination(dest domain.DestinationConfig) error {
	switch dest.Kind {
	case domain.DestinationWebhook:
		if dest.URL == "" {
			return &domain.ValidationError{Field: "destination.url", Reason: "must not be empty"}
		}
	case domain.DestinationFunction:
		if dest.FunctionName == "" {
			return &domain.ValidationError{Field: "destination.functionName", Reason: "must not be empty"}
		}
	case domain.DestinationEventBus:
		if dest.Account == "" || dest.Region == "" {
			return &domain.ValidationError{Field: "destination.eventbus", Reason: "account and region must be set"}
		}
		if dest.SourceName == "" {
			return &domain.ValidationError{Field: "destination.sourceName", Reason: "must not be empty"}
		}
	default:
		return &domain.ValidationError{Field: "destination.kind", Reason: "unknown destination kind"}
	}
	return nil
}
