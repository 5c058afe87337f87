package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "interflow/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithPublishFirstError records the first error/panic as the supervisor
// error while still restarting, so the failure surfaces in /stats.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops (rather than restarts) when fn returns nil.
// Default is true; poll loops that must never exit set it to false.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until the context is canceled. Meant for loops that
// should outlive transient failures: pollers, watchers, queue consumers.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&pol)
	}
	if pol.minBackoff <= 0 {
		pol.minBackoff = 250 * time.Millisecond
	}
	if pol.maxBackoff < pol.minBackoff {
		pol.maxBackoff = pol.minBackoff
	}

	// One host task owns the restart loop. The ".restart" suffix keeps its
	// stats entry distinct from the logical task name (and /stats hides it).
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := pol.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			startedAt := s.markStart(name, restarts > 0)

			err, pan, stack := func() (err error, pan any, stack string) {
				defer func() {
					if r := recover(); r != nil {
						pan = r
						stack = string(debug.Stack())
					}
				}()
				err = fn(ctx)
				return
			}()

			if pan != nil {
				s.markPanic(name, pan)
				if !s.log.IsZero() {
					s.log.Error("task panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.String("stack", stack))
				}
				err = fmt.Errorf("panic: %v", pan)
			}

			// A run that ends during shutdown is a clean stop, even when fn
			// surfaces an error from its torn-down dependencies.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.markStop(name, startedAt, nil)
				return
			}
			if err == nil {
				if pol.stopOnCleanExit {
					s.markStop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			err2 := fmt.Errorf("%s: %w", name, err)
			s.markStop(name, startedAt, err2)
			if pol.publishFirstErr {
				s.errOnce.Do(func() { s.firstErr.Store(err2) })
			}

			restarts++
			// A long healthy run earns a fresh backoff, so a rare failure
			// doesn't pay for an old crash streak.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = pol.minBackoff
			}

			wait := backoff
			if j := int64(wait / 5); j > 0 {
				wait += time.Duration(rand.Int63n(j + 1))
			}
			if !s.log.IsZero() {
				s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > pol.maxBackoff {
				backoff = pol.maxBackoff
			}
		}
	})
}

// GoRestart0 is GoRestart for functions with no error to report. The loop
// still restarts on panic, and on every return when stop-on-clean-exit is
// disabled.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}
