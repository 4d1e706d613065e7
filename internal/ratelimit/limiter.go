// Package ratelimit keeps outbound calls to the chat platform inside
// the per-endpoint tier ceilings and honors explicit retry-after
// signals from the remote service.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/projectboxes/slack-gateway/internal/biz/domain"
	"github.com/projectboxes/slack-gateway/internal/event"
)

// Options tunes retry behavior. Zero values get defaults.
type Options struct {
	// MaxAttempts bounds retries of 429-class and network failures,
	// including the first attempt.
	MaxAttempts int

	// BackoffFloor and BackoffCeil clamp the exponential backoff used
	// when the server gave no retry-after value.
	BackoffFloor time.Duration
	BackoffCeil  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffFloor <= 0 {
		o.BackoffFloor = 5 * time.Second
	}
	if o.BackoffCeil <= 0 {
		o.BackoffCeil = 120 * time.Second
	}
	return o
}

// Limiter tracks a request budget per (workspace, endpoint) key.
// Admission for a key is serialized, so concurrent callers are
// dispatched in budget order.
type Limiter struct {
	opts   Options
	bus    *event.Bus
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string]*domain.RateLimitWindow
	gates   map[string]*sync.Mutex
	spacers map[string]*rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter publishing wait notifications on bus.
func NewLimiter(bus *event.Bus, logger *zap.Logger, opts Options) *Limiter {
	return &Limiter{
		opts:    opts.withDefaults(),
		bus:     bus,
		logger:  logger.Named("ratelimit"),
		windows: make(map[string]*domain.RateLimitWindow),
		gates:   make(map[string]*sync.Mutex),
		spacers: make(map[string]*rate.Limiter),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// SetClock overrides the limiter's time source and sleeper. Tests use
// it to run window waits against a synthetic clock.
func (l *Limiter) SetClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) {
	l.now = now
	l.sleep = sleep
}

// Execute dispatches op against the endpoint once the key's budget
// allows it. 429-class and network failures are retried with backoff
// up to MaxAttempts; every other error propagates immediately without
// consuming an attempt. Exhausting retries returns a terminal error
// naming the endpoint.
func (l *Limiter) Execute(ctx context.Context, workspace, endpoint string, op func(ctx context.Context) error) error {
	key := workspace + "/" + endpoint
	tier := domain.EndpointTier(endpoint)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(l.opts.MaxAttempts)),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			d := l.retryDelay(n, err)
			l.notifyWait(endpoint, d)
			return d
		}),
	)

	err := r.Do(func() error {
		if err := l.admit(ctx, key, endpoint, tier); err != nil {
			return retry.Unrecoverable(err)
		}
		err := op(ctx)
		if err == nil {
			return nil
		}

		var rl *domain.RateLimitError
		if errors.As(err, &rl) {
			l.noteRetryAfter(key, rl.RetryAfter)
			return err
		}
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			return err
		}
		return retry.Unrecoverable(err)
	})
	if err == nil {
		return nil
	}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("rate limit retries exhausted for %s: %w", endpoint, err)
	}
	return err
}

// admit blocks until the key's budget permits one dispatch, then
// records the attempt. The per-key gate keeps admission in FIFO order.
func (l *Limiter) admit(ctx context.Context, key, endpoint string, tier domain.Tier) error {
	gate := l.gate(key)
	gate.Lock()
	defer gate.Unlock()

	for {
		wait := l.nextWait(key, tier)
		if wait <= 0 {
			break
		}
		l.notifyWait(endpoint, wait)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	// The most restrictive tier additionally gets strict inter-request
	// spacing: exactly one request per rolling window.
	if tier == domain.Tier1 {
		sp := l.spacer(key)
		res := sp.ReserveN(l.now(), 1)
		if d := res.DelayFrom(l.now()); d > 0 {
			l.notifyWait(endpoint, d)
			if err := l.sleep(ctx, d); err != nil {
				res.CancelAt(l.now())
				return err
			}
		}
	}

	l.record(key)
	return nil
}

// nextWait returns how long the key must wait before its next
// dispatch, or zero when it may go now.
func (l *Limiter) nextWait(key string, tier domain.Tier) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(key, now)

	if now.Sub(w.WindowStart) >= domain.WindowLength {
		w.WindowStart = now
		w.RequestCount = 0
	}
	if w.RetryAfterUntil.After(now) {
		return w.RetryAfterUntil.Sub(now)
	}
	if w.RequestCount >= tier.Limit() {
		return w.WindowStart.Add(domain.WindowLength).Sub(now)
	}
	return 0
}

// record counts one dispatch attempt into the key's current window.
func (l *Limiter) record(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(key, now)
	if now.Sub(w.WindowStart) >= domain.WindowLength {
		w.WindowStart = now
		w.RequestCount = 0
	}
	w.RequestCount++
}

// noteRetryAfter blocks the key until the server-provided deadline.
func (l *Limiter) noteRetryAfter(key string, after time.Duration) {
	if after <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(key, l.now())
	until := l.now().Add(after)
	if until.After(w.RetryAfterUntil) {
		w.RetryAfterUntil = until
	}
}

// retryDelay picks the wait before retry n: the server's retry-after
// when present, otherwise bounded exponential backoff with jitter.
func (l *Limiter) retryDelay(n uint, err error) time.Duration {
	var rl *domain.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}

	d := l.opts.BackoffFloor << n
	if d > l.opts.BackoffCeil || d <= 0 {
		d = l.opts.BackoffCeil
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	if d < l.opts.BackoffFloor {
		d = l.opts.BackoffFloor
	}
	return d
}

func (l *Limiter) notifyWait(endpoint string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.logger.Debug("waiting before dispatch",
		zap.String("endpoint", endpoint),
		zap.Duration("wait", d))
	if l.bus != nil {
		l.bus.Publish(event.RateLimitWaiting{Endpoint: endpoint, Wait: d})
	}
}

// window returns the tracked window for key, creating it on first use.
// Callers hold l.mu.
func (l *Limiter) window(key string, now time.Time) *domain.RateLimitWindow {
	w := l.windows[key]
	if w == nil {
		w = &domain.RateLimitWindow{WindowStart: now}
		l.windows[key] = w
	}
	return w
}

func (l *Limiter) gate(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	g := l.gates[key]
	if g == nil {
		g = &sync.Mutex{}
		l.gates[key] = g
	}
	return g
}

func (l *Limiter) spacer(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	sp := l.spacers[key]
	if sp == nil {
		sp = rate.NewLimiter(rate.Every(domain.WindowLength), 1)
		l.spacers[key] = sp
	}
	return sp
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
