package domain

import "encoding/json"

// Event is a domain event emitted on the outbound stream. PartitionKey
// routes the event so a single-partition consumer observes one invocation's
// events in order.
type Event interface {
	EventType() string
	PartitionKey() string
}

// InvocationCompletedEvent is emitted after an invocation completes with an
// output.
type InvocationCompletedEvent struct {
	TenantID     TenantID          `json:"tenantId"`
	TriggerID    TriggerID         `json:"triggerId"`
	InvocationID string            `json:"invocationId"`
	RequestID    string            `json:"requestId"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

func (e InvocationCompletedEvent) EventType() string    { return "invocation.completed" }
func (e InvocationCompletedEvent) PartitionKey() string { return e.InvocationID }

// InvocationFailedEvent is emitted after an invocation completes with an
// error, including reaper timeouts.
type InvocationFailedEvent struct {
	TenantID     TenantID          `json:"tenantId"`
	TriggerID    TriggerID         `json:"triggerId"`
	InvocationID string            `json:"invocationId"`
	RequestID    string            `json:"requestId"`
	Reason       string            `json:"reason"`
	Context      map[string]string `json:"context,omitempty"`
}

func (e InvocationFailedEvent) EventType() string    { return "invocation.failed" }
func (e InvocationFailedEvent) PartitionKey() string { return e.InvocationID }

// TriggerWorkflowEvent asks the downstream workflow engine to launch a
// workflow for a fired trigger.
type TriggerWorkflowEvent struct {
	TenantID   TenantID          `json:"tenantId"`
	TriggerID  TriggerID         `json:"triggerId"`
	RequestID  string            `json:"requestId"`
	WorkflowID string            `json:"workflowId"`
	Input      json.RawMessage   `json:"input,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func (e TriggerWorkflowEvent) EventType() string    { return "workflow.trigger" }
func (e TriggerWorkflowEvent) PartitionKey() string { return e.WorkflowID }
