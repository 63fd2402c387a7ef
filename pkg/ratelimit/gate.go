package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/whaletrack-dev/api/pkg/logging"
	"go.uber.org/zap"
)

const (
	// DefaultFailureThreshold is the number of consecutive rate-limit
	// failures that opens the breaker
	DefaultFailureThreshold = 5
	// DefaultFailureWindow is how long the breaker stays open after the
	// last rate-limit failure
	DefaultFailureWindow = 60 * time.Second
)

// breakerState is an immutable snapshot of the breaker. Transitions replace
// the whole value under the mutex so concurrent failure reports cannot
// interleave partial updates.
type breakerState struct {
	consecutiveFailures int
	lastFailure         time.Time
}

// Gate serializes outbound calls to a slow, rate-limited dependency and
// trips a breaker after repeated rate-limit errors.
//
// Acquire guarantees that grant times across all callers are spaced by at
// least the requested minimum; concurrent callers queue on an internal
// mutex rather than busy-wait.
type Gate struct {
	threshold int
	window    time.Duration

	// now is replaceable for tests
	now func() time.Time

	grantMu     sync.Mutex // held for the duration of each grant
	lastGranted time.Time

	stateMu sync.Mutex
	state   breakerState
}

// New creates a Gate with the default breaker threshold and window
func New() *Gate {
	return NewWithBreaker(DefaultFailureThreshold, DefaultFailureWindow)
}

// NewWithBreaker creates a Gate with an explicit breaker configuration
func NewWithBreaker(threshold int, window time.Duration) *Gate {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if window <= 0 {
		window = DefaultFailureWindow
	}
	return &Gate{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Acquire blocks until at least minSpacing has elapsed since the previous
// grant across all callers, then records this caller's grant time. Returns
// early with the context error if ctx is cancelled while waiting.
func (g *Gate) Acquire(ctx context.Context, minSpacing time.Duration) error {
	g.grantMu.Lock()
	defer g.grantMu.Unlock()

	// A caller whose context died while queued must not consume a grant slot
	if err := ctx.Err(); err != nil {
		return err
	}

	now := g.now()
	if !g.lastGranted.IsZero() {
		wait := minSpacing - now.Sub(g.lastGranted)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			now = g.now()
		}
	}

	g.lastGranted = now
	return nil
}

// RecordFailure reports a failed call. Only rate-limit failures count
// toward the breaker; other failures reset nothing and trip nothing.
func (g *Gate) RecordFailure(isRateLimitError bool) {
	if !isRateLimitError {
		return
	}

	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	now := g.now()
	next := breakerState{lastFailure: now}
	if now.Sub(g.state.lastFailure) <= g.window {
		next.consecutiveFailures = g.state.consecutiveFailures + 1
	} else {
		// Previous failures fell out of the sliding window
		next.consecutiveFailures = 1
	}
	g.state = next

	if next.consecutiveFailures >= g.threshold {
		logging.Logger.Warn("Rate limit breaker open",
			zap.Int("consecutive_failures", next.consecutiveFailures),
			zap.Duration("window", g.window))
	}
}

// RecordSuccess resets the consecutive-failure counter
func (g *Gate) RecordSuccess() {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	g.state = breakerState{}
}

// IsOpen reports whether the breaker is open. The breaker closes on its own
// once the failure window elapses with no further rate-limit failures.
func (g *Gate) IsOpen() bool {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()

	if g.state.consecutiveFailures < g.threshold {
		return false
	}
	return g.now().Sub(g.state.lastFailure) <= g.window
}

// ConsecutiveFailures returns the current failure count
func (g *Gate) ConsecutiveFailures() int {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	return g.state.consecutiveFailures
}
