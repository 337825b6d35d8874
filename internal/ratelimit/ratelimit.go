// Package ratelimit provides per-upstream admission control for outbound calls.
//
// Every HTTP-bound operation in the system declares one upstream category and
// runs through Execute. Each category has its own concurrency ceiling and
// minimum inter-call spacing; categories never share a budget. Queued calls are
// admitted in FIFO order. The limiter adds no retry policy of its own.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Category identifies an independently-throttled upstream.
type Category string

const (
	// CategoryData covers the data API (positions, trades, leaderboards, wallet value).
	CategoryData Category = "data"
	// CategoryGamma covers the gamma market-metadata API.
	CategoryGamma Category = "gamma"
	// CategoryBook covers the CLOB orderbook API.
	CategoryBook Category = "book"
	// CategoryChain covers chain RPC calls.
	CategoryChain Category = "chain"
)

// CategoryConfig sets the admission budget for one category.
type CategoryConfig struct {
	MaxConcurrent int64         // max in-flight operations
	MinSpacing    time.Duration // minimum gap between call starts
}

// DefaultConfigs mirrors the public rate limits of the upstreams.
func DefaultConfigs() map[Category]CategoryConfig {
	return map[Category]CategoryConfig{
		CategoryData:  {MaxConcurrent: 4, MinSpacing: 150 * time.Millisecond},
		CategoryGamma: {MaxConcurrent: 4, MinSpacing: 100 * time.Millisecond},
		CategoryBook:  {MaxConcurrent: 8, MinSpacing: 50 * time.Millisecond},
		CategoryChain: {MaxConcurrent: 4, MinSpacing: 200 * time.Millisecond},
	}
}

type categoryLimiter struct {
	sem   *semaphore.Weighted
	pacer *rate.Limiter
}

// Limiter throttles outbound calls per upstream category.
type Limiter struct {
	categories map[Category]*categoryLimiter
}

// New creates a limiter with the given per-category budgets.
func New(configs map[Category]CategoryConfig) *Limiter {
	l := &Limiter{categories: make(map[Category]*categoryLimiter, len(configs))}
	for cat, cfg := range configs {
		pacer := rate.NewLimiter(rate.Inf, 1)
		if cfg.MinSpacing > 0 {
			pacer = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
		}
		l.categories[cat] = &categoryLimiter{
			sem:   semaphore.NewWeighted(cfg.MaxConcurrent),
			pacer: pacer,
		}
	}
	return l
}

// Execute runs op once admission is granted for the category. The operation's
// own error is passed through unmodified. Callers wanting a queue timeout wrap
// their own deadline into ctx.
func (l *Limiter) Execute(ctx context.Context, cat Category, op func(ctx context.Context) error) error {
	cl, ok := l.categories[cat]
	if !ok {
		return fmt.Errorf("ratelimit: unknown category %q", cat)
	}

	if err := cl.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer cl.sem.Release(1)

	if err := cl.pacer.Wait(ctx); err != nil {
		return err
	}

	return op(ctx)
}

// ExecuteValue is Execute for operations that return a value.
func ExecuteValue[T any](ctx context.Context, l *Limiter, cat Category, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, cat, func(ctx context.Context) error {
		var opErr error
		out, opErr = op(ctx)
		return opErr
	})
	return out, err
}
