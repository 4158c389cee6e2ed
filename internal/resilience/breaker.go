// Package resilience provides a fixed-delay Retrier, used by the cloud
// uploader, and a BreakerSet wrapping sony/gobreaker, used by the peer
// replication engine for its pulls. Breakers are scoped per named
// target so one struggling peer trips independently of the others.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryableOperation is work that can be attempted multiple times with
// a fixed delay between attempts.
type RetryableOperation func(ctx context.Context) error

// Retrier executes an operation up to maxAttempts times with a fixed
// delay between failures; the cloud uploader runs each batch POST
// through it.
type Retrier struct {
	logger      *zap.Logger
	maxAttempts int
	delay       time.Duration
}

// NewRetrier creates a fixed-delay retrier.
func NewRetrier(logger *zap.Logger, maxAttempts int, delay time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{logger: logger, maxAttempts: maxAttempts, delay: delay}
}

// Do runs op, retrying on error up to maxAttempts total attempts with a
// fixed delay between them. It returns the last error if every attempt
// fails, or nil on the first success.
func (r *Retrier) Do(ctx context.Context, name string, op RetryableOperation) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		r.logger.Warn("operation failed, will retry",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.maxAttempts),
			zap.Error(err))

		if attempt == r.maxAttempts {
			break
		}

		timer := time.NewTimer(r.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", name, r.maxAttempts, lastErr)
}

// BreakerSet lazily creates and caches one gobreaker.CircuitBreaker per
// named target (the replication engine uses one per peer id), so a
// single struggling peer trips its own breaker without affecting calls
// to the others.
type BreakerSet struct {
	logger   *zap.Logger
	settings gobreaker.Settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates a BreakerSet with the given failure threshold
// and open-state timeout, shared across all breakers it creates.
func NewBreakerSet(logger *zap.Logger, maxFailures uint32, openTimeout time.Duration) *BreakerSet {
	bs := &BreakerSet{
		logger: logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	bs.settings = gobreaker.Settings{
		MaxRequests: 1,
		Interval: 0,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			bs.logger.Warn("circuit breaker state change",
				zap.String("target", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return bs
}

// For returns the breaker for the given target name, creating it on
// first use.
func (bs *BreakerSet) For(target string) *gobreaker.CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if b, ok := bs.breakers[target]; ok {
		return b
	}
	settings := bs.settings
	settings.Name = target
	b := gobreaker.NewCircuitBreaker(settings)
	bs.breakers[target] = b
	return b
}

// Execute runs op through the named target's breaker.
func (bs *BreakerSet) Execute(target string, op func() (interface{}, error)) (interface{}, error) {
	return bs.For(target).Execute(op)
}
