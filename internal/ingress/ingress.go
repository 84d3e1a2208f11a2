// Package ingress consumes fired platform trigger events and drives them
// through the invocation lifecycle: match subscriptions, start an
// invocation per match, dispatch, and resolve sync results inline.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/circuitbreaker"
	"github.com/outboundlabs/triggerd/internal/domain"
	"github.com/outboundlabs/triggerd/internal/invoker"
	"github.com/outboundlabs/triggerd/internal/tracker"
)

const (
	// SubjectTriggerFired is the inbound subject platform services publish
	// fired triggers on.
	SubjectTriggerFired = "platform.trigger.fired"
	// queueGroup load-balances inbound events across engine replicas.
	queueGroup = "triggerd-ingress"
)

// PlatformEvent is a fired trigger as received from the platform.
type PlatformEvent struct {
	TenantID   domain.TenantID  `json:"tenantId"`
	TriggerID  domain.TriggerID `json:"triggerId"`
	RequestID  string           `json:"requestId"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	RawContent string           `json:"rawContent,omitempty"`
}

// SubscriptionRegistry resolves the subscriptions matching a fired trigger.
// Filter evaluation happens behind this interface; the engine only consumes
// the matched result.
type SubscriptionRegistry interface {
	Match(ctx context.Context, tenantID domain.TenantID, triggerID domain.TriggerID) ([]domain.Subscription, error)
}

// WorkflowPublisher emits workflow launch events for script subscriptions.
type WorkflowPublisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// Processor fans a platform event out to its matched subscriptions.
type Processor struct {
	registry SubscriptionRegistry
	tracker  *tracker.Tracker
	invoker  *invoker.Invoker
	workflow WorkflowPublisher
	logger   *logrus.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(registry SubscriptionRegistry, tr *tracker.Tracker, inv *invoker.Invoker,
	workflow WorkflowPublisher, logger *logrus.Logger) *Processor {
	return &Processor{
		registry: registry,
		tracker:  tr,
		invoker:  inv,
		workflow: workflow,
		logger:   logger,
	}
}

// Process handles one fired trigger. Each matched subscription is handled
// independently; one subscription's failure never blocks the others.
func (p *Processor) Process(ctx context.Context, event PlatformEvent) error {
	if !event.TenantID.Valid() {
		return &domain.ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if !event.TriggerID.Valid() {
		return &domain.ValidationError{Field: "triggerId", Reason: "must not be empty"}
	}

	subs, err := p.registry.Match(ctx, event.TenantID, event.TriggerID)
	if err != nil {
		return fmt.Errorf("match subscriptions: %w", err)
	}
	if len(subs) == 0 {
		p.logger.WithFields(logrus.Fields{
			"tenant_id":  event.TenantID,
			"trigger_id": event.TriggerID,
		}).Debug("ingress: no matching subscriptions")
		return nil
	}

	for _, sub := range subs {
		p.processSubscription(ctx, event, sub)
	}
	return nil
}

func (p *Processor) processSubscription(ctx context.Context, event PlatformEvent, sub domain.Subscription) {
	logger := p.logger.WithFields(logrus.Fields{
		"tenant_id":       event.TenantID,
		"trigger_id":      event.TriggerID,
		"subscription_id": sub.ID,
	})

	if sub.Type == domain.SubscriptionTypeScript {
		p.launchWorkflow(ctx, event, sub, logger)
		return
	}

	invType := sub.Invocation
	// Event bus delivery cannot resolve inline.
	if sub.Destination.Kind == domain.DestinationEventBus {
		invType = domain.InvocationTypeAsync
	}

	inv, err := p.tracker.Start(ctx, tracker.StartRequest{
		TenantID:         event.TenantID,
		TriggerID:        event.TriggerID,
		SubscriptionID:   sub.ID,
		SubscriptionName: sub.Name,
		SubscriptionType: sub.Type,
		Type:             invType,
		Input:            event.Payload,
		RawContent:       event.RawContent,
	})
	if err != nil {
		logger.WithError(err).Error("ingress: failed to start invocation")
		return
	}

	result, err := p.invoker.Dispatch(ctx, inv, sub)
	if err != nil {
		p.resolveDispatchFailure(ctx, inv, err, logger)
		return
	}

	switch result.Outcome {
	case invoker.OutcomeCompleted:
		p.complete(ctx, inv, domain.CompletionInput{Output: result.Output}, logger)
	case invoker.OutcomeFailed:
		p.complete(ctx, inv, domain.CompletionInput{Error: result.ErrorMessage}, logger)
	case invoker.OutcomeAsync:
		// The invocation stays open until the callback or the reaper.
	}
}

// resolveDispatchFailure completes a sync invocation with the failure so the
// caller gets a terminal answer. Async invocations stay open: the deadline
// gives a transient destination fault a chance to be retried out of band
// before the reaper closes them.
func (p *Processor) resolveDispatchFailure(ctx context.Context, inv domain.InvocationStatus, dispatchErr error, logger *logrus.Entry) {
	logger.WithError(dispatchErr).Warn("ingress: dispatch failed")

	if inv.Type != domain.InvocationTypeSync {
		return
	}

	reason := dispatchErr.Error()
	if errors.Is(dispatchErr, circuitbreaker.ErrCircuitOpen) {
		reason = "destination unavailable: circuit breaker open"
	}
	p.complete(ctx, inv, domain.CompletionInput{Error: reason}, logger)
}

func (p *Processor) complete(ctx context.Context, inv domain.InvocationStatus, completion domain.CompletionInput, logger *logrus.Entry) {
	if err := p.tracker.Complete(ctx, inv.TenantID, inv.ID, completion); err != nil {
		logger.WithError(err).Error("ingress: failed to complete invocation")
	}
}

func (p *Processor) launchWorkflow(ctx context.Context, event PlatformEvent, sub domain.Subscription, logger *logrus.Entry) {
	wf := domain.TriggerWorkflowEvent{
		TenantID:   event.TenantID,
		TriggerID:  event.TriggerID,
		RequestID:  event.RequestID,
		WorkflowID: sub.ID,
		Input:      event.Payload,
	}
	if err := p.workflow.Publish(ctx, wf); err != nil {
		logger.WithError(err).Error("ingress: failed to publish workflow event")
		return
	}
	logger.Info("ingress: workflow launch requested")
}

// Listener subscribes the processor to the inbound trigger subject.
type Listener struct {
	conn      *nats.Conn
	processor *Processor
	logger    *logrus.Logger
	sub       *nats.Subscription
}

// NewListener creates a Listener.
func NewListener(conn *nats.Conn, processor *Processor, logger *logrus.Logger) *Listener {
	return &Listener{conn: conn, processor: processor, logger: logger}
}

// Start begins consuming. Replicas share a queue group so each fired
// trigger is processed once.
func (l *Listener) Start(ctx context.Context) error {
	sub, err := l.conn.QueueSubscribe(SubjectTriggerFired, queueGroup, func(msg *nats.Msg) {
		var event PlatformEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			l.logger.WithError(err).Warn("ingress: dropping malformed platform event")
			return
		}
		if err := l.processor.Process(ctx, event); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"tenant_id":  event.TenantID,
				"trigger_id": event.TriggerID,
			}).Error("ingress: processing failed")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectTriggerFired, err)
	}
	l.sub = sub
	l.logger.WithField("subject", SubjectTriggerFired).Info("ingress: listening")
	return nil
}

// Stop unsubscribes, letting in-flight handlers finish.
func (l *Listener) Stop() {
	if l.sub != nil {
		if err := l.sub.Drain(); err != nil {
			l.logger.WithError(err).Warn("ingress: drain failed")
		}
	}
}
