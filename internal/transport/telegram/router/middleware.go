package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "newsbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost layer.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					reqLogger(log, req).Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs every request; fast successes stay at DEBUG.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			l := reqLogger(log, req)
			fields := []logx.Field{logx.Int("args", len(req.Args)), logx.Duration("dur", d)}
			switch {
			case err != nil:
				l.Warn("request failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				l.Info("request ok", fields...)
			default:
				l.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWReplyError answers the user when a handler fails. Errors that text
// recognizes are shown and swallowed; anything else gets a generic reply
// carrying the request id and is passed on for logging.
func MWReplyError(text ErrorText) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			if text != nil {
				if msg, ok := text(err); ok {
					_ = req.Reply(ctx, msg)
					return nil
				}
			}
			_ = req.Reply(context.WithoutCancel(ctx), "Something went wrong (ref "+req.ReqID+").")
			return err
		}
	}
}

func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}
