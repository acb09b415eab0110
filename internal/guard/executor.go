// Package guard wraps cartridge execution in the protective machinery
// the orchestrator relies on: an interceptor chain, a per-cartridge
// circuit breaker, outbound token-bucket rate limiting, deadlines, and
// transient-failure retries with exponential backoff and jitter.
package guard

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/switchboard/backend/internal/schema"
	"github.com/switchboard/backend/pkg/cartridge"
)

// RetryPolicy bounds the retry loop for transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxElapsed caps total time across attempts, on top of the
	// per-call deadline.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy: 3 attempts, 200ms base doubling to 5s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxElapsed:  30 * time.Second,
	}
}

// Options configures an Executor.
type Options struct {
	// CallTimeout is the per-invocation deadline. Default 10s.
	CallTimeout time.Duration
	Retry       RetryPolicy
	// RatePerSecond throttles outbound calls per cartridge. Default 30.
	RatePerSecond float64
	// Breaker settings.
	FailureThreshold int
	ResetTimeout     time.Duration
}

func DefaultOptions() Options {
	return Options{
		CallTimeout:      10 * time.Second,
		Retry:            DefaultRetryPolicy(),
		RatePerSecond:    30,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Executor runs one guarded cartridge call at a time. It is safe for
// concurrent use; limiter and breaker state is per cartridge id.
type Executor struct {
	opts     Options
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*breaker
	logger   *slog.Logger
}

func NewExecutor(opts Options) *Executor {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 30
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	return &Executor{
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*breaker),
		logger:   slog.With("component", "execution-guard"),
	}
}

// Execute runs the call through the registration's interceptor chain and
// the cartridge itself, under breaker, limiter, deadline, and retries.
func (e *Executor) Execute(ctx context.Context, reg *cartridge.Registration, call cartridge.ActionCall) (*schema.ExecuteResult, error) {
	cartID := reg.Manifest.ID
	br := e.breakerFor(cartID)
	if !br.allow() {
		return nil, schema.E(schema.KindTransient,
			"circuit open for cartridge %s, refusing call", cartID).
			WithDetails(map[string]any{"retryAfterMs": e.opts.ResetTimeout.Milliseconds()})
	}

	// Before hooks, in order. A returned result short-circuits the call
	// (idempotent replay); an error vetoes it.
	for _, ic := range reg.Interceptors {
		cached, err := ic.BeforeExecute(ctx, &call)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			e.logger.Debug("interceptor short-circuited execution",
				"interceptor", ic.Name(), "envelopeId", call.EnvelopeID)
			return cached, nil
		}
	}

	if err := e.limiterFor(cartID).Wait(ctx); err != nil {
		return nil, schema.E(schema.KindTransient, "rate limiter wait: %v", err)
	}

	result, err := e.executeWithRetry(ctx, reg.Cartridge, call)
	if err != nil {
		br.record(false)
		// Error hooks, in order; the first to produce a result recovers.
		for _, ic := range reg.Interceptors {
			recovered, icErr := ic.OnError(ctx, &call, err)
			if icErr != nil {
				err = icErr
			}
			if recovered != nil {
				return recovered, nil
			}
		}
		return nil, err
	}
	br.record(result.Success)

	// After hooks in reverse order, innermost first.
	for i := len(reg.Interceptors) - 1; i >= 0; i-- {
		rewritten, icErr := reg.Interceptors[i].AfterExecute(ctx, &call, result)
		if icErr != nil {
			return nil, icErr
		}
		if rewritten != nil {
			result = rewritten
		}
	}
	return result, nil
}

func (e *Executor) executeWithRetry(ctx context.Context, c cartridge.Cartridge, call cartridge.ActionCall) (*schema.ExecuteResult, error) {
	policy := e.opts.Retry
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		result, err := c.Execute(callCtx, call)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !schema.IsTransient(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := backoffDelay(policy, attempt)
		if hint := schema.RetryAfterHint(err); hint > 0 {
			delay = time.Duration(hint) * time.Millisecond
		}
		if time.Since(start)+delay > policy.MaxElapsed {
			break
		}
		e.logger.Warn("transient cartridge failure, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, schema.E(schema.KindTransient, "cancelled during retry wait: %v", ctx.Err())
		}
	}
	return nil, schema.E(schema.KindTransient,
		"retry budget exhausted after %d attempts: %v", policy.MaxAttempts, lastErr)
}

// backoffDelay is exponential with full jitter.
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}

func (e *Executor) limiterFor(cartridgeID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[cartridgeID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.opts.RatePerSecond), int(e.opts.RatePerSecond)+1)
		e.limiters[cartridgeID] = l
	}
	return l
}

func (e *Executor) breakerFor(cartridgeID string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[cartridgeID]
	if !ok {
		b = &breaker{threshold: e.opts.FailureThreshold, resetAfter: e.opts.ResetTimeout}
		e.breakers[cartridgeID] = b
	}
	return b
}

// BreakerState exposes the breaker for health reporting.
func (e *Executor) BreakerState(cartridgeID string) string {
	e.mu.Lock()
	b, ok := e.breakers[cartridgeID]
	e.mu.Unlock()
	if !ok {
		return "closed"
	}
	return b.state()
}

// ── circuit breaker ──────────────────────────────────────────────────────

// breaker is a classic closed → open → half-open breaker. Consecutive
// failures past the threshold open it; after the reset timeout a single
// probe is allowed, and its outcome closes or re-opens the circuit.
type breaker struct {
	mu         sync.Mutex
	threshold  int
	resetAfter time.Duration

	failures  int
	openedAt  time.Time
	open      bool
	probing   bool
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.resetAfter && !b.probing {
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		b.open = false
		b.probing = false
		return
	}
	b.probing = false
	b.failures++
	if b.failures >= b.threshold || b.open {
		b.open = true
		b.openedAt = time.Now()
	}
}

func (b *breaker) state() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.open:
		return "closed"
	case time.Since(b.openedAt) >= b.resetAfter:
		return "half-open"
	default:
		return "open"
	}
}
