package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "interflow/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Middleware wraps a handler. Chain applies them outermost-first, so the
// first middleware sees the request before and after all the others.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// requestLogger prefers the per-request logger, which carries the request
// id, over the router-wide fallback.
func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

// withTimeout caps handler runtime. Zero or negative means no limit.
func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// withRecovery turns a handler panic into an error so one bad command
// cannot take down the dispatch loop.
func withRecovery(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestLogger(log, req).Error("panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// slowRequest is where successful commands graduate from DEBUG to INFO.
const slowRequest = 750 * time.Millisecond

func withRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			logger := requestLogger(log, req)
			fields := []logx.Field{
				logx.String("channel", req.ChannelID),
				logx.String("from", req.SenderID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", took),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Any("err", err))...)
			case took >= slowRequest:
				logger.Info("request ok", fields...)
			default:
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}
