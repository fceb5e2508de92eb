package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// HandlerMiddleware wraps a Handler, adding cross-cutting behaviour
// (logging, timeout, recovery, metrics) without changing the signature.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Timeout returns a middleware that enforces a maximum call duration.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, payload)
		}
	}
}

// Recovery returns a middleware that catches panics in downstream handlers
// and converts them into errors instead of crashing the process.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic recovered",
						"failure", FailurePanic,
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "connectivity: handler panicked"
}
