// Package tracker owns the invocation lifecycle: start, complete exactly
// once, and force-complete at the deadline.
//
// Completion state is the source of truth. The outbound domain event is a
// best-effort notification published after the completion write; a publish
// failure is logged and never rolls the write back.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// Store is the invocation record store the tracker writes through.
// Complete MUST be atomic ("complete iff not completed") and return
// domain.ErrAlreadyCompleted when the record is already terminal, which the
// tracker treats as a silent no-op.
type Store interface {
	Insert(ctx context.Context, inv domain.InvocationStatus) error
	Get(ctx context.Context, tenantID domain.TenantID, id string) (domain.InvocationStatus, error)
	Complete(ctx context.Context, tenantID domain.TenantID, id string, completedAt time.Time, completion domain.CompletionInput) error
	ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]domain.InvocationStatus, error)
}

// Publisher emits domain events on the outbound stream. Fire-and-forget from
// the tracker's perspective; ordering per partition key is the publisher's
// concern.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

// UsageRecorder counts invocations per tenant and subscription type.
// Implementations must be non-blocking; nil disables usage accounting.
type UsageRecorder interface {
	Record(tenantID domain.TenantID, subType domain.SubscriptionType)
}

// MetricsSink records tracker metrics. All methods are fire-and-forget.
type MetricsSink interface {
	InvocationStarted(invType string)
	InvocationCompleted(outcome string, openFor time.Duration)
	CompletionConflict()
	ExpiredCompleted(count int)
}

// Config holds tracker configuration.
type Config struct {
	// Deadline is the uniform maximum time an invocation may stay open
	// before the reaper force-completes it. Default: 60 minutes.
	Deadline time.Duration
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{Deadline: 60 * time.Minute}
}

// DeadlineExceeded is the synthetic error the reaper completes expired
// invocations with.
const DeadlineExceeded = "deadline exceeded"

// StartRequest is the input to Start.
type StartRequest struct {
	TenantID         domain.TenantID
	TriggerID        domain.TriggerID
	SubscriptionID   string
	SubscriptionName string
	SubscriptionType domain.SubscriptionType
	Type             domain.InvocationType
	Input            []byte
	RawContent       string
}

// Tracker orchestrates the invocation lifecycle.
type Tracker struct {
	config  Config
	store   Store
	pub     Publisher
	usage   UsageRecorder // optional, nil = disabled
	metrics MetricsSink   // optional, nil = disabled
	logger  *logrus.Logger
	clock   func() time.Time
}

// New creates a Tracker.
func New(config Config, store Store, pub Publisher, logger *logrus.Logger) *Tracker {
	if config.Deadline <= 0 {
		config.Deadline = DefaultConfig().Deadline
	}
	return &Tracker{
		config: config,
		store:  store,
		pub:    pub,
		logger: logger,
		clock:  time.Now,
	}
}

// WithUsage attaches a usage recorder.
func (t *Tracker) WithUsage(usage UsageRecorder) *Tracker {
	t.usage = usage
	return t
}

// WithMetrics attaches a metrics sink.
func (t *Tracker) WithMetrics(sink MetricsSink) *Tracker {
	t.metrics = sink
	return t
}

// WithClock overrides the time source. Only for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Deadline returns the configured invocation deadline.
func (t *Tracker) Deadline() time.Duration {
	return t.config.Deadline
}

// Start validates the request, mints an id and a secret, and persists an
// open invocation record.
func (t *Tracker) Start(ctx context.Context, req StartRequest) (domain.InvocationStatus, error) {
	if !req.TenantID.Valid() {
		return domain.InvocationStatus{}, &domain.ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if !req.TriggerID.Valid() {
		return domain.InvocationStatus{}, &domain.ValidationError{Field: "triggerId", Reason: "must not be empty"}
	}
	if len(req.Input) == 0 && req.RawContent == "" {
		return domain.InvocationStatus{}, &domain.ValidationError{Field: "input", Reason: "must not be empty"}
	}
	switch req.Type {
	case domain.InvocationTypeSync, domain.InvocationTypeAsync:
	default:
		return domain.InvocationStatus{}, &domain.ValidationError{Field: "invocationType", Reason: "must be sync or async"}
	}

	inv := domain.InvocationStatus{
		ID:               uuid.NewString(),
		TenantID:         req.TenantID,
		TriggerID:        req.TriggerID,
		Type:             req.Type,
		SubscriptionID:   req.SubscriptionID,
		SubscriptionName: req.SubscriptionName,
		Secret:           domain.NewSecret(),
		Start: domain.StartInput{
			TriggerID:  req.TriggerID,
			Input:      req.Input,
			RawContent: req.RawContent,
		},
		Created: t.clock().UTC(),
	}

	if err := t.store.Insert(ctx, inv); err != nil {
		return domain.InvocationStatus{}, fmt.Errorf("insert invocation: %w", err)
	}

	if t.usage != nil && req.SubscriptionType != "" {
		t.usage.Record(req.TenantID, req.SubscriptionType)
	}
	if t.metrics != nil {
		t.metrics.InvocationStarted(string(req.Type))
	}

	t.logger.WithFields(logrus.Fields{
		"invocation_id": inv.ID,
		"tenant_id":     inv.TenantID,
		"trigger_id":    inv.TriggerID,
		"type":          inv.Type,
	}).Info("tracker: invocation started")

	return inv, nil
}

// Complete writes the terminal result exactly once and publishes the
// matching domain event. A second completion for the same id is a silent
// no-op; an unknown id returns domain.ErrNotFound.
func (t *Tracker) Complete(ctx context.Context, tenantID domain.TenantID, id string, completion domain.CompletionInput) error {
	if !tenantID.Valid() {
		return &domain.ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if id == "" {
		return &domain.ValidationError{Field: "invocationId", Reason: "must not be empty"}
	}
	if err := completion.Validate(); err != nil {
		return err
	}

	inv, err := t.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}

	completedAt := t.clock().UTC()
	if completedAt.Before(inv.Created) {
		completedAt = inv.Created
	}

	err = t.store.Complete(ctx, tenantID, id, completedAt, completion)
	if errors.Is(err, domain.ErrAlreadyCompleted) {
		// Lost the race against a concurrent callback or the reaper.
		// The winner already published the event; stay silent.
		if t.metrics != nil {
			t.metrics.CompletionConflict()
		}
		t.logger.WithFields(logrus.Fields{
			"invocation_id": id,
			"tenant_id":     tenantID,
		}).Debug("tracker: invocation already completed, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}

	if t.metrics != nil {
		outcome := "completed"
		if completion.Failed() {
			outcome = "failed"
		}
		t.metrics.InvocationCompleted(outcome, completedAt.Sub(inv.Created))
	}

	t.publishCompletion(ctx, inv, completion)
	return nil
}

// CompleteExpired force-completes up to maxInvocations open invocations
// whose deadline has elapsed and returns the number processed.
func (t *Tracker) CompleteExpired(ctx context.Context, maxInvocations int) (int, error) {
	cutoff := t.clock().UTC().Add(-t.config.Deadline)

	expired, err := t.store.ListExpired(ctx, cutoff, maxInvocations)
	if err != nil {
		return 0, fmt.Errorf("list expired: %w", err)
	}

	processed := 0
	for _, inv := range expired {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		err := t.Complete(ctx, inv.TenantID, inv.ID, domain.CompletionInput{Error: DeadlineExceeded})
		if err != nil {
			t.logger.WithError(err).WithField("invocation_id", inv.ID).
				Warn("tracker: failed to expire invocation")
			continue
		}
		processed++
	}

	if processed > 0 {
		if t.metrics != nil {
			t.metrics.ExpiredCompleted(processed)
		}
		t.logger.WithField("count", processed).Info("tracker: expired invocations completed")
	}
	return processed, nil
}

// publishCompletion emits the completed/failed event. Publish failures are
// logged, not propagated: the completion write already succeeded.
func (t *Tracker) publishCompletion(ctx context.Context, inv domain.InvocationStatus, completion domain.CompletionInput) {
	var event domain.Event
	if completion.Failed() {
		event = domain.InvocationFailedEvent{
			TenantID:     inv.TenantID,
			TriggerID:    inv.TriggerID,
			InvocationID: inv.ID,
			RequestID:    inv.ID,
			Reason:       completion.Error,
		}
	} else {
		event = domain.InvocationCompletedEvent{
			TenantID:     inv.TenantID,
			TriggerID:    inv.TriggerID,
			InvocationID: inv.ID,
			RequestID:    inv.ID,
			Output:       completion.Output,
		}
	}

	if err := t.pub.Publish(ctx, event); err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"invocation_id": inv.ID,
			"event_type":    event.EventType(),
		}).Error("tracker: failed to publish completion event")
	}
}
