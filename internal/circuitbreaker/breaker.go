// Package circuitbreaker gates dispatch attempts per destination.
//
// Each destination gets its own breaker; breakers never share state, so an
// unhealthy subscriber cannot throttle calls to a healthy one.
//
// State machine: CLOSED trips to OPEN when the failure rate over a sliding
// window of the last WindowSize calls reaches FailureRate percent, with at
// least MinCalls observed. OPEN transitions to HALF_OPEN after WaitDuration
// (automatically when AutoHalfOpen is set, otherwise on Probe). HALF_OPEN
// closes after PermittedProbes consecutive successes and reopens on any
// probe failure.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen rejects a dispatch attempt without a network call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker tuning knobs.
type Config struct {
	// FailureRate is the percentage of failed calls (0-100) that trips the
	// breaker once MinCalls have been observed.
	FailureRate float64

	// WindowSize is the number of most recent calls the rate is computed
	// over (count-based sliding window).
	WindowSize int

	// MinCalls is the minimum number of recorded calls before the rate is
	// evaluated at all.
	MinCalls int

	// WaitDuration is how long the breaker stays open before probing.
	WaitDuration time.Duration

	// PermittedProbes is the number of trial calls allowed in half-open.
	PermittedProbes int

	// AutoHalfOpen transitions open breakers to half-open automatically
	// after WaitDuration. When false, the transition requires Probe.
	AutoHalfOpen bool
}

// DefaultConfig returns the breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureRate:     50,
		WindowSize:      20,
		MinCalls:        10,
		WaitDuration:    2 * time.Minute,
		PermittedProbes: 2,
		AutoHalfOpen:    true,
	}
}

// Breaker tracks the health of one destination.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	clock func() time.Time

	state    State
	openedAt time.Time

	// Ring buffer of call outcomes within the count-based window.
	window []bool // true = failure
	next   int
	filled int

	probesIssued int
	probesOK     int
}

// New creates a breaker. Zero or negative knobs fall back to defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = def.FailureRate
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinCalls <= 0 {
		cfg.MinCalls = def.MinCalls
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = def.WaitDuration
	}
	if cfg.PermittedProbes <= 0 {
		cfg.PermittedProbes = 1
	}
	return &Breaker{
		cfg:    cfg,
		clock:  time.Now,
		window: make([]bool, cfg.WindowSize),
	}
}

// WithClock overrides the time source. Only for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a dispatch attempt may proceed. It returns
// ErrCircuitOpen when the attempt must be rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.cfg.AutoHalfOpen && b.clock().Sub(b.openedAt) >= b.cfg.WaitDuration {
			b.toHalfOpen()
			b.probesIssued++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.probesIssued < b.cfg.PermittedProbes {
			b.probesIssued++
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Probe manually moves an open breaker to half-open once the wait duration
// has elapsed. Returns true if the transition happened.
func (b *Breaker) Probe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen || b.clock().Sub(b.openedAt) < b.cfg.WaitDuration {
		return false
	}
	b.toHalfOpen()
	return true
}

// RecordSuccess records a successful dispatch outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.record(false)
	case StateHalfOpen:
		b.probesOK++
		if b.probesOK >= b.cfg.PermittedProbes {
			b.state = StateClosed
			b.resetWindow()
		}
	}
}

// RecordFailure records a failed dispatch outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.record(true)
		b.evaluate()
	case StateHalfOpen:
		// Probe failed: reopen immediately.
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}

// State returns the current state, applying the automatic open-to-half-open
// transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.cfg.AutoHalfOpen && b.clock().Sub(b.openedAt) >= b.cfg.WaitDuration {
		b.toHalfOpen()
	}
	return b.state
}

// record appends an outcome to the ring buffer. Must be called under lock.
func (b *Breaker) record(failure bool) {
	b.window[b.next] = failure
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

// evaluate trips the breaker if the window failure rate reaches the
// threshold. Must be called under lock.
func (b *Breaker) evaluate() {
	if b.filled < b.cfg.MinCalls {
		return
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(b.filled) * 100
	if rate >= b.cfg.FailureRate {
		b.state = StateOpen
		b.openedAt = b.clock()
	}
}

func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.probesIssued = 0
	b.probesOK = 0
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next = 0
	b.filled = 0
}

// Registry holds one breaker per destination identity.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a destination key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	b = New(r.cfg)
	r.breakers[key] = b
	return b
}

// Snapshot returns destination key to state, for the health endpoint.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for key, b := range r.breakers {
		out[key] = b.State().String()
	}
	return out
}
