package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outboundlabs/triggerd/internal/domain"
	"github.com/outboundlabs/triggerd/internal/testutil"
)

// mockStore is an in-memory tracker.Store for unit tests.
type mockStore struct {
	mu          sync.Mutex
	invocations map[string]domain.InvocationStatus
	insertErr   error
	completeErr error
}

func newMockStore() *mockStore {
	return &mockStore{invocations: make(map[string]domain.InvocationStatus)}
}

func (m *mockStore) Insert(_ context.Context, inv domain.InvocationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.invocations[inv.ID] = inv
	return nil
}

func (m *mockStore) Get(_ context.Context, tenantID domain.TenantID, id string) (domain.InvocationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invocations[id]
	if !ok || inv.TenantID != tenantID {
		return domain.InvocationStatus{}, domain.ErrNotFound
	}
	return inv, nil
}

func (m *mockStore) Complete(_ context.Context, tenantID domain.TenantID, id string, completedAt time.Time, completion domain.CompletionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	inv, ok := m.invocations[id]
	if !ok || inv.TenantID != tenantID {
		return domain.ErrNotFound
	}
	if inv.Completed != nil {
		return domain.ErrAlreadyCompleted
	}
	inv.Completed = &completedAt
	inv.Completion = &completion
	m.invocations[id] = inv
	return nil
}

func (m *mockStore) ListExpired(_ context.Context, createdBefore time.Time, limit int) ([]domain.InvocationStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InvocationStatus
	for _, inv := range m.invocations {
		if inv.Completed == nil && !inv.Created.After(createdBefore) {
			out = append(out, inv)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockPublisher) published() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

func newTestTracker(store Store, pub Publisher) *Tracker {
	return New(DefaultConfig(), store, pub, testutil.QuietLogger())
}

func validStart() StartRequest {
	return StartRequest{
		TenantID:         "acme",
		TriggerID:        "idn:access-request-post-approval",
		SubscriptionID:   "sub-1",
		SubscriptionName: "prod hook",
		SubscriptionType: domain.SubscriptionTypeWebhook,
		Type:             domain.InvocationTypeAsync,
		Input:            []byte(`{"requestId":"r-1"}`),
	}
}

func TestStart_PersistsOpenInvocation(t *testing.T) {
	store := newMockStore()
	tr := newTestTracker(store, &mockPublisher{})

	inv, err := tr.Start(context.Background(), validStart())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if inv.ID == "" {
		t.Fatal("expected a minted id")
	}
	if inv.Secret == "" {
		t.Fatal("expected a minted secret")
	}
	if !inv.Open() {
		t.Fatal("started invocation must be open")
	}

	stored, err := store.Get(context.Background(), "acme", inv.ID)
	if err != nil {
		t.Fatalf("stored invocation not found: %v", err)
	}
	if stored.TriggerID != inv.TriggerID {
		t.Errorf("trigger id = %q, want %q", stored.TriggerID, inv.TriggerID)
	}
}

func TestStart_UniqueSecrets(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	a, _ := tr.Start(context.Background(), validStart())
	b, _ := tr.Start(context.Background(), validStart())
	if a.Secret == b.Secret {
		t.Fatal("secrets must not be reused across invocations")
	}
	if a.ID == b.ID {
		t.Fatal("ids must be unique")
	}
}

func TestStart_Validation(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	tests := []struct {
		name   string
		mutate func(*StartRequest)
	}{
		{"missing tenant", func(r *StartRequest) { r.TenantID = "" }},
		{"blank tenant", func(r *StartRequest) { r.TenantID = "   " }},
		{"missing trigger", func(r *StartRequest) { r.TriggerID = "" }},
		{"missing input", func(r *StartRequest) { r.Input = nil; r.RawContent = "" }},
		{"bad type", func(r *StartRequest) { r.Type = "batch" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validStart()
			tc.mutate(&req)
			_, err := tr.Start(context.Background(), req)
			if !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStart_RawContentOnly(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	req := validStart()
	req.Input = nil
	req.RawContent = "<xml>payload</xml>"
	if _, err := tr.Start(context.Background(), req); err != nil {
		t.Fatalf("raw content alone should be a valid input, got %v", err)
	}
}

func TestComplete_Success_PublishesCompletedEvent(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	tr := newTestTracker(store, pub)

	inv, _ := tr.Start(context.Background(), validStart())
	err := tr.Complete(context.Background(), "acme", inv.ID, domain.CompletionInput{Output: []byte(`{"ok":true}`)})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stored, _ := store.Get(context.Background(), "acme", inv.ID)
	if stored.Open() {
		t.Fatal("invocation should be completed")
	}

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventType() != "invocation.completed" {
		t.Errorf("event type = %q, want invocation.completed", events[0].EventType())
	}
	if events[0].PartitionKey() != inv.ID {
		t.Errorf("partition key = %q, want invocation id", events[0].PartitionKey())
	}
}

func TestComplete_Error_PublishesFailedEvent(t *testing.T) {
	pub := &mockPublisher{}
	tr := newTestTracker(newMockStore(), pub)

	inv, _ := tr.Start(context.Background(), validStart())
	err := tr.Complete(context.Background(), "acme", inv.ID, domain.CompletionInput{Error: "subscriber returned 500"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	events := pub.published()
	if len(events) != 1 || events[0].EventType() != "invocation.failed" {
		t.Fatalf("expected one invocation.failed event, got %v", events)
	}
	failed := events[0].(domain.InvocationFailedEvent)
	if failed.Reason != "subscriber returned 500" {
		t.Errorf("reason = %q", failed.Reason)
	}
}

func TestComplete_SecondAttemptIsNoOp(t *testing.T) {
	pub := &mockPublisher{}
	tr := newTestTracker(newMockStore(), pub)

	inv, _ := tr.Start(context.Background(), validStart())
	first := domain.CompletionInput{Output: []byte(`{"n":1}`)}
	second := domain.CompletionInput{Error: "too late"}

	if err := tr.Complete(context.Background(), "acme", inv.ID, first); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := tr.Complete(context.Background(), "acme", inv.ID, second); err != nil {
		t.Fatalf("second Complete should be silent, got %v", err)
	}

	// Only the winner publishes.
	if got := len(pub.published()); got != 1 {
		t.Fatalf("expected 1 published event, got %d", got)
	}
}

func TestComplete_ConcurrentCallers_OneWinnerOneEvent(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	tr := newTestTracker(store, pub)

	inv, _ := tr.Start(context.Background(), validStart())

	// Racing callers with mixed outcomes: the callback and the reaper can
	// both resolve the same invocation.
	const callers = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for n := 0; n < callers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			completion := domain.CompletionInput{Output: []byte(`{"ok":true}`)}
			if n%2 == 1 {
				completion = domain.CompletionInput{Error: DeadlineExceeded}
			}
			<-start
			errs[n] = tr.Complete(context.Background(), "acme", inv.ID, completion)
		}(n)
	}
	close(start)
	wg.Wait()

	for n, err := range errs {
		if err != nil {
			t.Errorf("caller %d: losing a completion race must be silent, got %v", n, err)
		}
	}

	stored, _ := store.Get(context.Background(), "acme", inv.ID)
	if stored.Open() {
		t.Fatal("invocation should be completed")
	}
	hasOutput := len(stored.Completion.Output) > 0
	hasError := stored.Completion.Error != ""
	if hasOutput == hasError {
		t.Fatalf("exactly one of output/error must be set, got output=%v error=%q", stored.Completion.Output, stored.Completion.Error)
	}

	if got := len(pub.published()); got != 1 {
		t.Fatalf("expected exactly 1 published event, got %d", got)
	}
}

func TestComplete_NotFound(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	err := tr.Complete(context.Background(), "acme", "missing", domain.CompletionInput{Error: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestComplete_WrongTenant(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	inv, _ := tr.Start(context.Background(), validStart())
	err := tr.Complete(context.Background(), "other", inv.ID, domain.CompletionInput{Error: "x"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestComplete_RejectsBothOutcomes(t *testing.T) {
	tr := newTestTracker(newMockStore(), &mockPublisher{})

	inv, _ := tr.Start(context.Background(), validStart())
	err := tr.Complete(context.Background(), "acme", inv.ID, domain.CompletionInput{
		Output: []byte(`{}`),
		Error:  "boom",
	})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComplete_PublishFailureDoesNotUndoCompletion(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{err: errors.New("stream down")}
	tr := newTestTracker(store, pub)

	inv, _ := tr.Start(context.Background(), validStart())
	err := tr.Complete(context.Background(), "acme", inv.ID, domain.CompletionInput{Output: []byte(`{}`)})
	if err != nil {
		t.Fatalf("completion must succeed even when publish fails, got %v", err)
	}

	stored, _ := store.Get(context.Background(), "acme", inv.ID)
	if stored.Open() {
		t.Fatal("completion state must survive a publish failure")
	}
}

func TestCompleteExpired_ForceCompletesWithDeadlineError(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	tr := newTestTracker(store, pub)

	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr.WithClock(clock.Now)

	inv, _ := tr.Start(context.Background(), validStart())

	// Past the 60m deadline.
	clock.Advance(61 * time.Minute)

	processed, err := tr.CompleteExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("CompleteExpired: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	stored, _ := store.Get(context.Background(), "acme", inv.ID)
	if stored.Open() {
		t.Fatal("expired invocation should be completed")
	}
	if stored.Completion.Error != DeadlineExceeded {
		t.Errorf("completion error = %q, want %q", stored.Completion.Error, DeadlineExceeded)
	}

	events := pub.published()
	if len(events) != 1 || events[0].EventType() != "invocation.failed" {
		t.Fatalf("expected one invocation.failed event, got %v", events)
	}
}

func TestCompleteExpired_SkipsYoungInvocations(t *testing.T) {
	store := newMockStore()
	tr := newTestTracker(store, &mockPublisher{})

	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr.WithClock(clock.Now)

	tr.Start(context.Background(), validStart())
	clock.Advance(30 * time.Minute)

	processed, err := tr.CompleteExpired(context.Background(), 100)
	if err != nil {
		t.Fatalf("CompleteExpired: %v", err)
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0 inside the deadline", processed)
	}
}

func TestCompleteExpired_RespectsBatchLimit(t *testing.T) {
	store := newMockStore()
	tr := newTestTracker(store, &mockPublisher{})

	clock := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tr.WithClock(clock.Now)

	for i := 0; i < 5; i++ {
		tr.Start(context.Background(), validStart())
	}
	clock.Advance(2 * time.Hour)

	processed, err := tr.CompleteExpired(context.Background(), 3)
	if err != nil {
		t.Fatalf("CompleteExpired: %v", err)
	}
	if processed != 3 {
		t.Fatalf("processed = %d, want batch limit 3", processed)
	}
}
