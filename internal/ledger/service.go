package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"interflow/internal/eventbus"
	"interflow/internal/relay"
	rtsup "interflow/internal/runtime/supervisor"
	logx "interflow/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Service consumes relay outcome events from the bus and journals them.
// It also runs the retention prune job on a cron schedule.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	store Store
	bus   eventbus.Bus
	cfg   Config

	started bool
	unsub   func()
	sup     *rtsup.Supervisor
	c       *cron.Cron
}

// NewService wraps an already-opened store. A nil store is allowed and
// turns every method into a no-op, so callers don't have to branch on
// whether the ledger is enabled.
func NewService(cfg Config, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, store: store, bus: bus, cfg: cfg}
}

func (s *Service) Enabled() bool { return s != nil && s.store != nil }

// Supervisor returns the consume loop's supervisor, or nil when the
// service is disabled or not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ch, unsub := s.bus.Subscribe(128)
	s.unsub = unsub

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "ledger"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("consume", func(c context.Context) error {
		return s.consume(c, ch)
	})

	if s.cfg.RetentionMaxAge > 0 {
		spec := strings.TrimSpace(s.cfg.RetentionSchedule)
		if spec == "" {
			spec = "@daily"
		}
		c := cron.New()
		if _, err := c.AddFunc(spec, s.pruneOnce); err != nil {
			s.log.Warn("bad retention schedule, using @daily",
				logx.String("schedule", spec), logx.Any("err", err))
			_, _ = c.AddFunc("@daily", s.pruneOnce)
		}
		c.Start()
		s.c = c
	}

	s.log.Info("ledger started",
		logx.String("driver", strings.ToLower(strings.TrimSpace(s.cfg.Driver))),
		logx.Bool("retention", s.cfg.RetentionMaxAge > 0),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsub := s.unsub
	s.unsub = nil
	cr := s.c
	s.c = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	// Closing the subscription ends the consume loop cleanly.
	if unsub != nil {
		unsub()
	}
	if sup != nil {
		if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
	}
	s.log.Info("ledger stopped")
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(ctx, e)
		}
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	var status string
	switch e.Type {
	case relay.TopicForwarded:
		status = StatusForwarded
	case relay.TopicFailed:
		status = StatusFailed
	case relay.TopicExhausted:
		status = StatusExhausted
	case relay.TopicSkipped:
		status = StatusSkipped
	default:
		return
	}
	oe, ok := e.Data.(relay.OutcomeEvent)
	if !ok {
		return
	}

	rec := Record{
		At:       oe.At,
		JobID:    oe.Job,
		Pool:     oe.Pool,
		Source:   oe.Source,
		Target:   oe.Target,
		Platform: oe.Platform,
		Status:   status,
		Attempts: oe.Attempts,
		Reason:   oe.Reason,
		Error:    oe.Error,
	}
	if rec.At.IsZero() {
		rec.At = e.Time
	}

	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	err := s.store.Append(actx, rec)
	cancel()
	if err != nil {
		s.log.Warn("outcome append failed",
			logx.String("status", status),
			logx.String("target", rec.Target),
			logx.Any("err", err),
		)
	}
}

func (s *Service) pruneOnce() {
	maxAge := s.cfg.RetentionMaxAge
	if maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-maxAge)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("ledger prune failed", logx.Any("err", err))
		return
	}
	if n > 0 {
		s.log.Info("ledger pruned",
			logx.Int64("removed", n),
			logx.Time("cutoff", cutoff),
		)
	}
}

// Recent proxies to the store; safe on a disabled service.
func (s *Service) Recent(ctx context.Context, limit int) ([]Record, error) {
	if !s.Enabled() {
		return nil, nil
	}
	return s.store.Recent(ctx, limit)
}

// Stats proxies to the store; safe on a disabled service.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if !s.Enabled() {
		return Stats{}, nil
	}
	return s.store.Stats(ctx)
}
