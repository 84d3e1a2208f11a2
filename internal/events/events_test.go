package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/outboundlabs/triggerd/internal/domain"
)

func TestSubject(t *testing.T) {
	tests := []struct {
		eventType    string
		partitionKey string
		want         string
	}{
		{"invocation.completed", "inv-1", "trigger.invocation.inv-1.completed"},
		{"invocation.failed", "inv-2", "trigger.invocation.inv-2.failed"},
		{"workflow.trigger", "wf-9", "trigger.workflow.wf-9.trigger"},
		{"invocation.completed", "", "trigger.invocation.none.completed"},
		{"invocation.completed", "a.b c", "trigger.invocation.a-b-c.completed"},
	}
	for _, tc := range tests {
		if got := Subject(tc.eventType, tc.partitionKey); got != tc.want {
			t.Errorf("Subject(%q, %q) = %q, want %q", tc.eventType, tc.partitionKey, got, tc.want)
		}
	}
}

func TestSubject_SamePartitionKeySameSubject(t *testing.T) {
	// Events for one invocation share a subject, so per-subject ordering
	// applies to them.
	a := Subject("invocation.completed", "inv-1")
	b := Subject("invocation.failed", "inv-1")
	const prefix = "trigger.invocation.inv-1."
	if a[:len(prefix)] != prefix || b[:len(prefix)] != prefix {
		t.Errorf("subjects %q and %q do not share the partition prefix", a, b)
	}
}

func TestStreamExists_MatchesWrappedError(t *testing.T) {
	// A concurrent replica creating the stream first is not a failure, even
	// when the client wraps the error.
	if !streamExists(nats.ErrStreamNameAlreadyInUse) {
		t.Error("bare already-in-use error must count as existing")
	}
	wrapped := fmt.Errorf("add stream: %w", nats.ErrStreamNameAlreadyInUse)
	if !streamExists(wrapped) {
		t.Error("wrapped already-in-use error must count as existing")
	}
	if streamExists(errors.New("no responders")) {
		t.Error("unrelated errors must not count as existing")
	}
}

func TestChannelPublisher_DeliversInOrder(t *testing.T) {
	pub := NewChannelPublisher(4)

	first := domain.InvocationCompletedEvent{InvocationID: "inv-1"}
	second := domain.InvocationFailedEvent{InvocationID: "inv-1", Reason: "x"}
	if err := pub.Publish(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if got := <-pub.Events(); got.EventType() != "invocation.completed" {
		t.Errorf("first event = %q", got.EventType())
	}
	if got := <-pub.Events(); got.EventType() != "invocation.failed" {
		t.Errorf("second event = %q", got.EventType())
	}
}

func TestChannelPublisher_FullBufferFailsFast(t *testing.T) {
	pub := NewChannelPublisher(1)
	event := domain.InvocationCompletedEvent{InvocationID: "inv-1"}

	if err := pub.Publish(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(context.Background(), event); err != ErrBusFull {
		t.Fatalf("expected ErrBusFull, got %v", err)
	}
}

func TestChannelPublisher_CancelledContext(t *testing.T) {
	pub := NewChannelPublisher(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, domain.InvocationCompletedEvent{InvocationID: "inv-1"})
	if err == nil {
		t.Fatal("expected context error")
	}
}
