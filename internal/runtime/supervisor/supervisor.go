package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	logx "interflow/pkg/logx"
)

// Supervisor runs named tasks tied to a shared context: adapter poll loops,
// relay workers, the config watcher, queue consumers. Every task gets panic
// recovery and per-name stats; long-running loops go through GoRestart so a
// transient failure self-heals instead of taking the process down.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Best-effort operational counters, not a synchronization primitive.
	// started counts every task ever launched; active counts the ones
	// currently running.
	started atomic.Uint64
	active  atomic.Int64

	log      logx.Logger
	failFast bool

	// First-error latch. Later task errors are dropped, not collected.
	errOnce  sync.Once
	firstErr atomic.Value // stores error

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// task error. The app-level supervisor wants that; adapter-internal ones
// do not.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.failFast = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for tasks to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first task error observed, if any.
func (s *Supervisor) Err() error {
	err, _ := s.firstErr.Load().(error)
	return err
}

// Go launches fn as a supervised task. A panic is recovered, logged with its
// stack, and recorded as the task error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go s.runTask(name, fn)
}

func (s *Supervisor) runTask(name string, fn func(ctx context.Context) error) {
	defer s.wg.Done()
	defer s.active.Add(-1)

	startedAt := s.markStart(name, false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in %s: %v", name, r)
			s.markPanic(name, r)
			if !s.log.IsZero() {
				s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
			s.markStop(name, startedAt, err)
			s.fail(err)
		}
	}()

	if !s.log.IsZero() {
		s.log.Debug("task started", logx.String("name", name))
	}
	err := fn(s.ctx)
	// A context.Canceled return is the normal way out of a loop task.
	if err != nil && !errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%s: %w", name, err)
		s.markStop(name, startedAt, err)
		s.fail(err)
	} else {
		s.markStop(name, startedAt, nil)
	}
	if !s.log.IsZero() {
		s.log.Debug("task stopped", logx.String("name", name))
	}
}

// Go0 is Go for functions with no error to report.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Stop cancels the context and waits for all tasks to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has exited or ctx expires. It returns the
// first task error once the tasks are done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() { go s.closeWhenIdle() })
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeWhenIdle closes done after the last task returns. Spawned at most
// once, by the first Wait.
func (s *Supervisor) closeWhenIdle() {
	s.wg.Wait()
	close(s.done)
}

// fail records err as the first error and cancels the context when the
// supervisor is configured to do so.
func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if s.failFast {
		s.cancel()
	}
}
