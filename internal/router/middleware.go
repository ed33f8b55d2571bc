package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "castbot/pkg/logx"
)

// ErrPanic wraps a value recovered from a handler.
var ErrPanic = errors.New("router: handler panicked")

// slowRequest promotes the request log line from debug to info.
const slowRequest = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func requestLogger(req *Request, fallback logx.Logger) logx.Logger {
	if req == nil || req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

// MWTimeout bounds the handler with d. Zero or negative d leaves ctx alone.
func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an ErrPanic error so one bad
// update never kills a router worker.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestLogger(req, log).Error("handler panic",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: %v", ErrPanic, r)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs one line per handled request. ErrUnhandled is not a
// failure: the router answers it with its own reply.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.String("access", req.Access.String()),
				logx.Duration("dur", took),
			}
			if req.Action != "" {
				fields = append(fields, logx.String("action", req.Action))
			}
			logger := requestLogger(req, log)
			switch {
			case errors.Is(err, ErrUnhandled):
				logger.Debug("request not handled", fields...)
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				logger.Info("request ok (slow)", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}
