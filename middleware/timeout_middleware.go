package middleware

import (
	"context"
	"time"

	"xbridge/message"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
)

// TimeOutMiddleware bounds the time an implementation may take. The caller
// gets ErrCallTimeout; the implementation sees its context cancelled and keeps
// counting against the call's work group (see WithWork) until it returns.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			spawn(ctx, func() {
				result, err := next(ctx, call)
				done <- outcome{result, err}
			})

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return nil, errors.Wrapf(rpcerr.ErrCallTimeout, "%s exceeded %s", callName(call), timeout)
				}
				return nil, ctx.Err()
			}
		}
	}
}
