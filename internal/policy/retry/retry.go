// Package retry re-issues outbound fetches that failed transiently.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/xtream1101/scrape-wallhaven/internal/crawler"
	"github.com/xtream1101/scrape-wallhaven/internal/metrics"
)

// Policy decides whether and when a failed fetch is attempted again.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialPolicy implements Policy with jittered exponential backoff.
type ExponentialPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialPolicy builds a policy allowing maxAttempts total attempts.
// Non-positive values fall back to defaults.
func NewExponentialPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry retries fetch failures only. Missing pages and cancellation are
// final.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt int) bool {
	switch {
	case err == nil, attempt >= p.maxAttempts:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, crawler.ErrNotFound), errors.Is(err, crawler.ErrParse):
		return false
	}
	return errors.Is(err, crawler.ErrFetch)
}

// Backoff returns the wait before attempt+1: half the capped exponential delay
// plus up to the same again in jitter.
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Fetcher is a crawler.Fetcher that retries according to a Policy.
type Fetcher struct {
	next   crawler.Fetcher
	policy Policy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Wrap retries failures of next according to policy.
func Wrap(next crawler.Fetcher, policy Policy, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Fetcher{next: next, policy: policy, logger: logger, sleep: sleepContext}
}

// Fetch delegates to the wrapped fetcher until it succeeds or the policy gives
// up, returning the last error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	for attempt := 1; ; attempt++ {
		resp, err := f.next.Fetch(ctx, url)
		if err == nil || !f.policy.ShouldRetry(err, attempt) {
			return resp, err
		}
		wait := f.policy.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		metrics.ObserveRetry(url)
		if serr := f.sleep(ctx, wait); serr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: retry aborted: %w", crawler.ErrFetch, serr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
