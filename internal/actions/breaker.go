package actions

import (
	"sync"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// CircuitState is the state of one capability's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-capability circuit breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Zero disables breaking.
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	// HalfOpenMax calls are let through after the cooldown to probe recovery.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultBreakerConfig returns the defaults used when none is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	openedAt         time.Time
	halfOpenAttempts int
}

// breakers keeps one breaker per capability key (e.g. "API_CALL", "CUSTOM:vat").
type breakers struct {
	mu     sync.Mutex
	byKey  map[string]*breaker
	config BreakerConfig
	now    func() time.Time
}

func newBreakers(cfg BreakerConfig) *breakers {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &breakers{byKey: make(map[string]*breaker), config: cfg, now: time.Now}
}

// allow returns a CIRCUIT_OPEN error while the capability is failing fast.
func (r *breakers) allow(key string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.openedAt)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s is failing: %d consecutive failures", key, b.failures).
			WithDetails(map[string]any{
				"capability":         key,
				"failures":           b.failures,
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "%s is recovering: probe in flight", key)
		}
		b.halfOpenAttempts++
	}
	return nil
}

func (r *breakers) success(key string) {
	if r.config.FailureThreshold <= 0 {
		return
	}
	b := r.get(key)
	b.mu.Lock()
	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
	b.mu.Unlock()
}

func (r *breakers) failure(key string) CircuitState {
	if r.config.FailureThreshold <= 0 {
		return CircuitClosed
	}
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
	}
	return b.state
}

func (r *breakers) state(key string) CircuitState {
	b := r.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

func (r *breakers) get(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byKey[key]
	if !ok {
		b = &breaker{}
		r.byKey[key] = b
	}
	return b
}
