package vfs

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sframecore/engine/pkg/objerrors"
)

// RetryConfig bounds the download cache's backoff policy for transient
// S3/HTTP errors — the only place the engine retries locally.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig returns the engine's default backoff policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff (+ optional jitter) between attempts, retrying only when
// isRetryable(err) is true. It returns the last error if all attempts fail.
func Retry(cfg RetryConfig, isRetryable func(error) bool, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}
		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(sleep) * (0.5 + rand.Float64()))
		}
		time.Sleep(sleep)
		delay = time.Duration(math.Min(float64(cfg.MaxDelay), float64(delay)*cfg.Multiplier))
	}
	return lastErr
}

// IsTransient reports whether err looks like a retryable I/O/open failure.
func IsTransient(err error) bool {
	e, ok := err.(*objerrors.Error)
	if !ok {
		return false
	}
	return e.Retryable
}

// breakerState is the circuit breaker's current state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerConfig configures Breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultCircuitBreakerConfig returns a conservative default policy.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second}
}

// Breaker is a minimal circuit breaker keyed per remote endpoint (bucket,
// host): repeated OpenError/IoError trips it so the download cache fails
// fast instead of retrying into a wedged endpoint.
type Breaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
}

// NewBreaker constructs a Breaker in the closed state.
func NewBreaker(cfg CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a call should be attempted right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

// RecordFailure counts a failure, tripping the breaker open once the
// threshold is reached (or immediately, from half-open).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}
