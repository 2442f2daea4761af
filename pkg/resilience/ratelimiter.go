package resilience

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/gridweave/gridweave/pkg/fn"
)

var ErrRateLimited = errors.New("rate limited")

// NewLimiter creates a token bucket limiter allowing perSec events with the
// given burst capacity.
func NewLimiter(perSec float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// LimiterStage rejects with ErrRateLimited when no token is available.
func LimiterStage[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if !l.Allow() {
			return fn.Err[Out](ErrRateLimited)
		}
		return stage(ctx, in)
	}
}

// LimiterStageWait blocks for a token before running the stage.
func LimiterStageWait[In, Out any](l *rate.Limiter, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Wait(ctx); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
