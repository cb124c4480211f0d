// Package middleware wraps the dispatch of inbound calls.
//
// A channel runs every decoded call through Chain(mws...)(dispatch) before the
// target object sees it, so cross-cutting concerns (logging, deadlines,
// admission, permission checks) stay out of generated skeletons.
package middleware

import (
	"context"
	"sync"

	"xbridge/message"
)

// HandlerFunc handles one inbound call and returns the reply value.
type HandlerFunc func(ctx context.Context, call *message.Call) (any, error)

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type workKey struct{}

// WithWork attaches the group that accounts for goroutines a middleware
// leaves running past the end of a call. A channel waits on it when draining.
func WithWork(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, workKey{}, wg)
}

// spawn runs fn in a goroutine counted by the call's work group, if any. The
// caller is itself counted, so the group cannot be at zero here.
func spawn(ctx context.Context, fn func()) {
	wg, _ := ctx.Value(workKey{}).(*sync.WaitGroup)
	if wg == nil {
		go fn()
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func callName(call *message.Call) string {
	if call.Name != "" {
		return call.Interface + "." + call.Name
	}
	return call.Interface
}
