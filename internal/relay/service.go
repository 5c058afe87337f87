package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"interflow/internal/eventbus"
	rtsup "interflow/internal/runtime/supervisor"
	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

// Fallbacks for zero config values.
const (
	defaultWorkers       = 4
	defaultQueueSize     = 256
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
)

type job struct {
	id  string
	msg kit.Message
}

// Service owns the accept -> queue -> fan-out pipeline.
//
// Accept claims messages on the caller's goroutine (an index lookup plus an
// enqueue); workers drain the queue and run the full fan-out, so one slow
// target never blocks intake.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus

	cfg   Config
	index *Index

	accepting bool
	acceptWG  sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopping chan struct{} // non-nil while a teardown is in flight

	// test seam for the time placeholders
	now func() time.Time

	accepted   atomic.Uint64
	loopDrops  atomic.Uint64
	unrouted   atomic.Uint64
	queueDrops atomic.Uint64
	forwarded  atomic.Uint64
	failed     atomic.Uint64
	exhausted  atomic.Uint64
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		sender: sender,
		bus:    bus,
		index:  NewIndex(),
		now:    time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor exposes the worker supervisor for the /stats command. It is
// nil while the service is stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DefaultFormat == "" {
		cfg.DefaultFormat = DefaultFormat
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = defaultRetryAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = defaultRetryDelay
	}

	s.cfg = cfg
	s.index.Rebuild(cfg.Pools)
}

// Start brings up the queue and worker pool. It is idempotent, and calling
// it during a Stop waits for that teardown to finish first so a quick
// stop/start cycle cannot interleave.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.awaitTeardown(ctx) {
		return
	}

	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	q := make(chan job, s.cfg.QueueSize)
	s.queue = q
	s.accepting = true
	workers := s.cfg.Workers
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "relay"))),
		// Worker errors must not cancel the app context.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			return s.workerExit(c)
		}, rtsup.WithPublishFirstError(true))
	}
}

// awaitTeardown blocks while a Stop is in flight. It reports false when
// ctx ended first.
func (s *Service) awaitTeardown(ctx context.Context) bool {
	s.mu.Lock()
	done := s.stopping
	s.mu.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// workerExit classifies why workerLoop returned. A closed queue during
// teardown is a clean stop; anything else asks GoRestart for a respawn.
func (s *Service) workerExit(c context.Context) error {
	s.mu.Lock()
	stopping := s.stopping != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("relay worker exited unexpectedly")
}

// Stop closes intake and drains queued jobs until ctx expires, then cuts
// the workers loose. A second concurrent Stop waits for the first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopping; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopping = done
	s.accepting = false
	s.mu.Unlock()

	// Teardown runs detached, so a timed-out caller still gets the full
	// cleanup eventually.
	go s.teardown(done, q, sup)

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel() // abandon the drain
		}
	}
}

func (s *Service) teardown(done chan struct{}, q chan job, sup *rtsup.Supervisor) {
	defer close(done)

	// Let in-flight Accept calls finish their enqueue before the close.
	s.acceptWG.Wait()
	close(q)
	if sup != nil {
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.stopping = nil
	s.mu.Unlock()
}

// Accept claims msg for relaying. It returns true only when the message was
// actually queued for fan-out; callers treat that as this engine having
// handled the message. Messages authored by our own bot account and
// messages from channels outside every enabled pool are declined, leaving
// them to whatever else watches the stream.
func (s *Service) Accept(msg kit.Message) bool {
	// Loop guard: never relay what we ourselves posted. See the package doc
	// for the cycle shapes this does not catch.
	if msg.BotID != "" && msg.SenderID == msg.BotID {
		s.loopDrops.Add(1)
		s.log.Debug("own message ignored", logx.String("channel", msg.ChannelID))
		return false
	}

	if len(s.index.PoolsFor(msg.ChannelID)) == 0 {
		s.unrouted.Add(1)
		return false
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return false
	}
	q := s.queue
	s.acceptWG.Add(1)
	s.mu.Unlock()
	defer s.acceptWG.Done()

	j := job{id: uuid.NewString()[:8], msg: msg}
	select {
	case q <- j:
		s.accepted.Add(1)
		s.log.Debug("message queued",
			logx.String("job", j.id),
			logx.String("channel", msg.ChannelID))
		return true
	default:
		s.queueDrops.Add(1)
		s.log.Warn("relay queue full, message dropped",
			logx.String("channel", msg.ChannelID))
		s.publish(TopicSkipped, OutcomeEvent{
			Job:    j.id,
			Source: msg.ChannelID,
			Reason: "queue_full",
			At:     time.Now(),
		})
		return false
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.dispatch(ctx, j)
		}
	}
}

// Rebuild re-derives the membership index from the current pool config and
// returns the new counts. The /reload command lands here after the config
// manager re-reads the file.
func (s *Service) Rebuild() (activePools, channels int) {
	s.mu.Lock()
	pools := s.cfg.Pools
	s.mu.Unlock()
	return s.index.Rebuild(pools)
}

// IndexSize reports the current counts without rebuilding.
func (s *Service) IndexSize() (activePools, channels int) {
	return s.index.Size()
}

// PoolInfo is the administrative view of one configured pool.
type PoolInfo struct {
	Name     string
	Enabled  bool
	Format   string // empty means the default format applies
	Channels []string
}

// Pools lists every configured pool, including disabled ones, in config order.
func (s *Service) Pools() []PoolInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PoolInfo, 0, len(s.cfg.Pools))
	for _, p := range s.cfg.Pools {
		out = append(out, PoolInfo{
			Name:     p.Name,
			Enabled:  p.Enabled,
			Format:   p.Format,
			Channels: append([]string(nil), p.Channels...),
		})
	}
	return out
}

func (s *Service) Stats() Stats {
	return Stats{
		Accepted:   s.accepted.Load(),
		LoopDrops:  s.loopDrops.Load(),
		Unrouted:   s.unrouted.Load(),
		QueueDrops: s.queueDrops.Load(),
		Forwarded:  s.forwarded.Load(),
		Failed:     s.failed.Load(),
		Exhausted:  s.exhausted.Load(),
	}
}

func (s *Service) publish(topic string, ev OutcomeEvent) {
	if s.bus == nil {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: at, Data: ev})
}
