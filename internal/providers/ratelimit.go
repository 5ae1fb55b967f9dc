package providers

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket limiter on call starts.
// Callers block (honoring ctx) until a slot is available.
type RateLimited struct {
	Provider
	limiter *rate.Limiter
}

// NewRateLimited caps calls at rpm per minute with a burst of one minute's
// worth of calls.
func NewRateLimited(p Provider, rpm int) *RateLimited {
	return &RateLimited{
		Provider: p,
		limiter:  rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
}

func (r *RateLimited) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.Chat(ctx, req)
}

func (r *RateLimited) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Provider.ChatStream(ctx, req, onChunk)
}
