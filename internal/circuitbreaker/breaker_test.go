package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		FailureRate:     50,
		WindowSize:      10,
		MinCalls:        10,
		WaitDuration:    time.Minute,
		PermittedProbes: 2,
		AutoHalfOpen:    true,
	}
}

// fakeClock is a mutable time source for driving open/half-open transitions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAllow_Closed(t *testing.T) {
	b := New(testConfig())
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow, got %v", err)
	}
}

func TestTrip_BelowMinCalls_StaysClosed(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 9; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("breaker tripped below min calls, state=%v", b.State())
	}
}

func TestTrip_ConsecutiveFailures_Opens(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 10 consecutive failures, got %v", b.State())
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestTrip_FailureRateBelowThreshold_StaysClosed(t *testing.T) {
	b := New(testConfig())
	// 4 failures out of 10 = 40% < 50%.
	for i := 0; i < 6; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("40%% failure rate should not trip a 50%% breaker, got %v", b.State())
	}
}

func TestOpen_AutoHalfOpenAfterWait(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(testConfig()).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("expected rejection while open, got %v", err)
	}

	clock.Advance(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe allowed after wait, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", b.State())
	}
}

func TestHalfOpen_ProbeBudget(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(testConfig()).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)

	// Two permitted probes, then rejection.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("probe 3 should be rejected, got %v", err)
	}
}

func TestHalfOpen_AllProbesSucceed_Closes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(testConfig()).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	b.Allow()
	b.RecordSuccess()
	b.Allow()
	b.RecordSuccess()

	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probes, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow, got %v", err)
	}
}

func TestHalfOpen_ProbeFails_Reopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(testConfig()).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)
	b.Allow()
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("expected reopen after probe failure, got %v", b.State())
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after reopen, got %v", err)
	}
}

func TestManualProbe(t *testing.T) {
	cfg := testConfig()
	cfg.AutoHalfOpen = false
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(cfg).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	clock.Advance(2 * time.Minute)

	// Without AutoHalfOpen the breaker stays open until probed.
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Fatalf("expected rejection without manual probe, got %v", err)
	}
	if !b.Probe() {
		t.Fatal("manual probe should transition after wait duration")
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe call allowed, got %v", err)
	}
}

func TestManualProbe_BeforeWait_Refused(t *testing.T) {
	cfg := testConfig()
	cfg.AutoHalfOpen = false
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	b := New(cfg).WithClock(clock.Now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	if b.Probe() {
		t.Fatal("probe before wait duration should be refused")
	}
}

func TestRegistry_IsolatesDestinations(t *testing.T) {
	reg := NewRegistry(testConfig())

	a := reg.Get("webhook:https://a.example/hook")
	bBreaker := reg.Get("webhook:https://b.example/hook")

	for i := 0; i < 10; i++ {
		a.RecordFailure()
	}

	if err := a.Allow(); err != ErrCircuitOpen {
		t.Fatalf("destination A should be open, got %v", err)
	}
	if err := bBreaker.Allow(); err != nil {
		t.Fatalf("destination B must stay unaffected, got %v", err)
	}
}

func TestRegistry_SameKeySameBreaker(t *testing.T) {
	reg := NewRegistry(testConfig())
	if reg.Get("k") != reg.Get("k") {
		t.Fatal("registry should return the same breaker for the same key")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	reg := NewRegistry(testConfig())
	reg.Get("a")
	b := reg.Get("b")
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}

	snap := reg.Snapshot()
	if snap["a"] != "closed" {
		t.Errorf("snapshot[a] = %q, want closed", snap["a"])
	}
	if snap["b"] != "open" {
		t.Errorf("snapshot[b] = %q, want open", snap["b"])
	}
}
