package middleware

import (
	"context"

	"xbridge/message"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits calls through a token bucket of r calls per
// second with the given burst. Rejected calls fail with ErrRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			if !limiter.Allow() {
				return nil, errors.Wrapf(rpcerr.ErrRateLimited, "rejected %s", callName(call))
			}
			return next(ctx, call)
		}
	}
}
