// Package resilience wraps calls to the legal-records and registry
// providers with retry, backoff and per-provider circuit breakers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is a breaker's position.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText lets states render by name in JSON maps and payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned without calling out while a breaker is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig tunes a Breaker. Zero fields take the defaults below.
type BreakerConfig struct {
	// Threshold is how many consecutive failures open the breaker. Default 5.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before letting a
	// probe through. Default 30s.
	Cooldown time.Duration
	// Probes is how many half-open successes close the breaker. Default 1.
	Probes int
	// Trips reports whether err counts as a failure. Nil counts every error.
	Trips func(err error) bool
	// OnChange observes transitions.
	OnChange func(from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 1
	}
	if c.Trips == nil {
		c.Trips = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker guards a single provider.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Call runs fn unless b is open, and feeds the outcome back into b.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	if !b.admit() {
		var zero T
		return zero, ErrCircuitOpen
	}
	v, err := fn(ctx)
	b.record(err)
	return v, err
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reads as half-open even before the next call moves it there.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.cooled() {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) cooled() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return true
	}
	if !b.cooled() {
		return false
	}
	b.moveTo(HalfOpen)
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.cfg.Trips(err) {
		b.failures = 0
		if b.state == HalfOpen {
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.moveTo(Closed)
			}
		}
		return
	}

	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		if b.state != Open {
			b.moveTo(Open)
		}
	}
}

// moveTo must be called with mu held.
func (b *Breaker) moveTo(s State) {
	from := b.state
	b.state = s
	b.successes = 0
	if s == Closed {
		b.failures = 0
	}
	if b.cfg.OnChange != nil && from != s {
		b.cfg.OnChange(from, s)
	}
}

// ServiceBreakers holds one Breaker per named provider, created on first use.
type ServiceBreakers struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewServiceBreakers creates an empty registry. Unless cfg sets OnChange,
// every transition is logged with the provider's name.
func NewServiceBreakers(cfg BreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for service.
func (sb *ServiceBreakers) Get(service string) *Breaker {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if b, ok := sb.breakers[service]; ok {
		return b
	}
	cfg := sb.cfg
	if cfg.OnChange == nil {
		cfg.OnChange = func(from, to State) {
			zap.L().Warn("circuit breaker changed state",
				zap.String("service", service),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	b := NewBreaker(cfg)
	sb.breakers[service] = b
	return b
}

// States snapshots every breaker created so far.
func (sb *ServiceBreakers) States() map[string]State {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make(map[string]State, len(sb.breakers))
	for name, b := range sb.breakers {
		out[name] = b.State()
	}
	return out
}
