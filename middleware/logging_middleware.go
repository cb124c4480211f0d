package middleware

import (
	"context"
	"fmt"
	"time"

	"xbridge/message"
	"xbridge/rpcerr"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every dispatched call with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)

			fields := []zap.Field{
				zap.String("method", callName(call)),
				zap.Uint64("object", call.ObjectID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Info("Call failed", append(fields, zap.String("kind", rpcerr.KindOf(err).String()), zap.Error(err))...)
			} else {
				logger.Debug("Call handled", fields...)
			}
			return result, err
		}
	}
}

// RecoverMiddleware turns a panicking implementation into an application
// error for the caller instead of taking the process down.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Call panicked", zap.String("method", callName(call)), zap.Any("panic", r), zap.Stack("stack"))
					result, err = nil, fmt.Errorf("internal error in %s", callName(call))
				}
			}()
			return next(ctx, call)
		}
	}
}
