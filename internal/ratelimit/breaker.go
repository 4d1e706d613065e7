package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CircuitOpenError signals that operations on a resource are
// short-circuited while its breaker cools down. No network call was
// made.
type CircuitOpenError struct {
	Resource string
}

func (e *CircuitOpenError) Error() string {
	return "circuit open for " + e.Resource
}

// Breakers is a keyed set of circuit breakers, one per remote
// resource (typically a channel id). Repeated failures against a
// resource open its breaker for a cool-down window.
type Breakers struct {
	logger      *zap.Logger
	maxFailures uint32
	cooldown    time.Duration

	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

// NewBreakers creates a breaker set that opens after maxFailures
// consecutive failures and stays open for cooldown.
func NewBreakers(logger *zap.Logger, maxFailures uint32, cooldown time.Duration) *Breakers {
	if maxFailures == 0 {
		maxFailures = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breakers{
		logger:      logger.Named("breaker"),
		maxFailures: maxFailures,
		cooldown:    cooldown,
		m:           make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Do runs fn under the resource's breaker. While the breaker is open
// it returns a CircuitOpenError without invoking fn.
func (b *Breakers) Do(resource string, fn func() error) error {
	cb := b.get(resource)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitOpenError{Resource: resource}
	}
	return err
}

// Open reports whether the resource's breaker is currently open.
func (b *Breakers) Open(resource string) bool {
	return b.get(resource).State() == gobreaker.StateOpen
}

func (b *Breakers) get(resource string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb := b.m[resource]
	if cb == nil {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        resource,
			MaxRequests: 1,
			Timeout:     b.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= b.maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				b.logger.Info("breaker state change",
					zap.String("resource", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		b.m[resource] = cb
	}
	return cb
}
