package domain

import (
	"encoding/json"
	"time"
)

// InvocationType describes how an invocation resolves its result.
type InvocationType string

const (
	// InvocationTypeSync resolves inline during dispatch.
	InvocationTypeSync InvocationType = "sync"
	// InvocationTypeAsync resolves later via an authenticated callback,
	// or is force-completed by the reaper at the deadline.
	InvocationTypeAsync InvocationType = "async"
)

// StartInput carries the trigger payload an invocation was started with.
type StartInput struct {
	TriggerID  TriggerID       `json:"triggerId"`
	Input      json.RawMessage `json:"input,omitempty"`
	RawContent string          `json:"rawContent,omitempty"`
}

// CompletionInput is the terminal result of an invocation. Exactly one of
// Output and Error is set; Validate enforces the exclusivity.
type CompletionInput struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Validate rejects a completion that carries both or neither outcome.
func (c CompletionInput) Validate() error {
	hasOutput := len(c.Output) > 0
	hasError := c.Error != ""
	if hasOutput == hasError {
		return &ValidationError{Field: "completion", Reason: "exactly one of output and error must be set"}
	}
	return nil
}

// Failed reports whether the completion carries an error outcome.
func (c CompletionInput) Failed() bool { return c.Error != "" }

// InvocationStatus is one delivery attempt of a matched trigger event to a
// subscription's destination, tracked from start to completion.
//
// Completed is nil while the invocation is open and set exactly once;
// Completion is nil iff Completed is nil. Records are transient audit state
// removed by TTL, not a system of record.
type InvocationStatus struct {
	ID               string
	TenantID         TenantID
	TriggerID        TriggerID
	Type             InvocationType
	SubscriptionID   string
	SubscriptionName string
	Secret           Secret

	Start      StartInput
	Completion *CompletionInput

	Created   time.Time
	Completed *time.Time
}

// Open reports whether the invocation has not yet been completed.
func (s InvocationStatus) Open() bool { return s.Completed == nil }

// ExpiresAt returns the instant after which the reaper may force-complete
// the invocation given the configured deadline.
func (s InvocationStatus) ExpiresAt(deadline time.Duration) time.Time {
	return s.Created.Add(deadline)
}
