// Package ratelimit bounds the outbound request rate against the remote
// run service. The limiter only delays callers, it never fails them:
// Acquire returns an error solely when the caller's context is done.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrun/types"
)

// Config controls the token bucket.
type Config struct {
	// RequestsPerSecond is the sustained request budget (default: 5)
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket capacity for short spikes (default: 10)
	Burst int `json:"burst" yaml:"burst"`
}

// DefaultConfig returns a conservative default budget.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

// Stats is a point-in-time view of limiter activity.
type Stats struct {
	Acquired int64 `json:"acquired"`
	Delayed  int64 `json:"delayed"`
	Rejected int64 `json:"rejected"` // non-blocking attempts that found no token
}

// Limiter is a token-bucket rate limiter safe for concurrent use by any
// number of in-flight requests.
type Limiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger

	acquired atomic.Int64
	delayed  atomic.Int64
	rejected atomic.Int64
}

// New creates a Limiter. Zero or negative config values fall back to
// defaults.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With(zap.String("component", "rate_limiter")),
	}
}

// Acquire blocks until a token is available or ctx is done. The only
// failure mode is cancellation, surfaced as a CANCELLED error.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.limiter.Allow() {
		l.acquired.Add(1)
		return nil
	}

	l.delayed.Add(1)
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return types.NewError(types.ErrCancelled, "rate limit wait cancelled").WithCause(err)
	}
	l.acquired.Add(1)

	if wait := time.Since(start); wait > time.Second {
		l.logger.Debug("request delayed by rate limit", zap.Duration("wait", wait))
	}
	return nil
}

// TryAcquire takes a token without blocking and reports whether one was
// available.
func (l *Limiter) TryAcquire() bool {
	if l.limiter.Allow() {
		l.acquired.Add(1)
		return true
	}
	l.rejected.Add(1)
	return false
}

// Tokens returns the number of tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// Stats returns a snapshot of limiter activity.
func (l *Limiter) Stats() Stats {
	return Stats{
		Acquired: l.acquired.Load(),
		Delayed:  l.delayed.Load(),
		Rejected: l.rejected.Load(),
	}
}
