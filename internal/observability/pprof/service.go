package pprof

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	rtsup "interflow/internal/runtime/supervisor"
	logx "interflow/pkg/logx"
)

// Config controls the optional pprof HTTP server.
//
// The default bind is loopback. A non-loopback Addr needs a Token, or an
// explicit AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Service serves the runtime profiling endpoints and follows config
// hot-reloads: listener-level changes restart the server, profiling rates
// apply in place.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor

	stopping chan struct{} // non-nil while a teardown is in flight
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the service's internal supervisor (nil if not started),
// for /stats visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound listen address, or "" when the server is not running.
// With Addr "127.0.0.1:0" this is how callers learn the chosen port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping, or restarting the server as
// needed. Safe to call from the hot-reload path.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	// Profiling rates take effect even while the server is off, so enabling
	// it later serves data that was already being collected.
	applyProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case listenerChanged(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// listenerChanged reports whether moving between the two configs requires a
// server restart. Everything except the profiling rates does: addr, prefix,
// auth, and the http.Server timeouts are all fixed at listen time.
func listenerChanged(a, b Config) bool {
	if a.Addr != b.Addr || a.Token != b.Token || a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if canonPrefix(a.Prefix) != canonPrefix(b.Prefix) {
		return true
	}
	return a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.IdleTimeout != b.IdleTimeout
}

// applyProfileRates pushes the configured rates into the runtime.
// Zero keeps the Go default; negative values are left alone.
func applyProfileRates(cfg Config) {
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start raises the serve loop. It is idempotent, and calling it during a
// Stop waits for that teardown to finish first so a quick stop/start cycle
// cannot interleave.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.awaitTeardown(ctx) {
		return
	}

	s.mu.Lock()
	// A teardown exists only while sup is set and clears both together, so
	// the sup check also covers a stop that slipped in after awaitTeardown.
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
		// A broken profiler must not cancel the app context.
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serve,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
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

// Stop shuts the server down. A second concurrent Stop waits for the first.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
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
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	// Teardown runs detached, so a timed-out caller still gets the full
	// cleanup eventually.
	go s.teardown(ctx, done, srv, ln, sup)

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel() // abandon the graceful drain
	}
}

func (s *Service) teardown(ctx context.Context, done chan struct{}, srv *http.Server, ln net.Listener, sup *rtsup.Supervisor) {
	defer close(done)

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.ln = nil
	s.srv = nil
	s.sup = nil
	s.stopping = nil
	s.mu.Unlock()
	s.log.Info("pprof stopped")
}
