// Package schedule fires triggers on cron schedules. A scheduled trigger
// enters the engine through the same processing path as a platform event.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/outboundlabs/triggerd/internal/domain"
	"github.com/outboundlabs/triggerd/internal/ingress"
)

// ScheduledTrigger is a recurring trigger definition.
type ScheduledTrigger struct {
	TenantID  domain.TenantID  `json:"tenantId"`
	TriggerID domain.TriggerID `json:"triggerId"`
	// Spec is a standard 5-field cron expression.
	Spec string `json:"spec"`
	// Timezone is an IANA zone name; empty means the process zone.
	Timezone string `json:"timezone,omitempty"`
	// Payload is the input each firing carries.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LoadFile reads a JSON array of scheduled trigger definitions.
func LoadFile(path string) ([]ScheduledTrigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	var triggers []ScheduledTrigger
	if err := json.Unmarshal(data, &triggers); err != nil {
		return nil, fmt.Errorf("parse schedules file %s: %w", path, err)
	}
	return triggers, nil
}

// Firer receives fired triggers. Implemented by the ingress processor.
type Firer interface {
	Process(ctx context.Context, event ingress.PlatformEvent) error
}

// Parse validates a cron expression with an optional timezone and returns
// its schedule.
func Parse(spec, timezone string) (cron.Schedule, error) {
	if timezone != "" {
		spec = "CRON_TZ=" + timezone + " " + spec
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return schedule, nil
}

// Scheduler runs scheduled triggers.
type Scheduler struct {
	cron   *cron.Cron
	firer  Firer
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[cron.EntryID]ScheduledTrigger
}

// New creates a Scheduler.
func New(firer Firer, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		firer:   firer,
		logger:  logger,
		entries: make(map[cron.EntryID]ScheduledTrigger),
	}
}

// Add registers a scheduled trigger. The spec is validated up front so a
// bad definition fails at registration, not at fire time.
func (s *Scheduler) Add(trigger ScheduledTrigger) (cron.EntryID, error) {
	if !trigger.TenantID.Valid() {
		return 0, &domain.ValidationError{Field: "tenantId", Reason: "must not be empty"}
	}
	if !trigger.TriggerID.Valid() {
		return 0, &domain.ValidationError{Field: "triggerId", Reason: "must not be empty"}
	}
	schedule, err := Parse(trigger.Spec, trigger.Timezone)
	if err != nil {
		return 0, &domain.ValidationError{Field: "spec", Reason: err.Error()}
	}

	id := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(trigger) }))
	s.mu.Lock()
	s.entries[id] = trigger
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"tenant_id":  trigger.TenantID,
		"trigger_id": trigger.TriggerID,
		"spec":       trigger.Spec,
	}).Info("schedule: trigger registered")
	return id, nil
}

// Remove deregisters a scheduled trigger.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Entries returns the registered triggers keyed by entry id.
func (s *Scheduler) Entries() map[cron.EntryID]ScheduledTrigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[cron.EntryID]ScheduledTrigger, len(s.entries))
	for id, trigger := range s.entries {
		out[id] = trigger
	}
	return out
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running firings to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) fire(trigger ScheduledTrigger) {
	payload := trigger.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	event := ingress.PlatformEvent{
		TenantID:  trigger.TenantID,
		TriggerID: trigger.TriggerID,
		RequestID: uuid.NewString(),
		Payload:   payload,
	}
	if err := s.firer.Process(context.Background(), event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":  trigger.TenantID,
			"trigger_id": trigger.TriggerID,
		}).Error("schedule: firing failed")
	}
}
