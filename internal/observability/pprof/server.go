package pprof

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"strings"
	"time"

	logx "interflow/pkg/logx"
)

// serve binds, serves, and returns when the server dies or the supervisor
// context ends. It runs under GoRestart, so any non-cancel return is retried.
func (s *Service) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur, log := s.cfg, s.log
	s.mu.Unlock()
	if !cur.Enabled {
		return context.Canceled
	}

	addr := cmp.Or(strings.TrimSpace(cur.Addr), "127.0.0.1:6060")
	warnInsecure, err := bindPolicy(cur, addr)
	if err != nil {
		log.Error("pprof bind refused: non-loopback addr needs token or allow_insecure",
			logx.String("addr", addr))
		return err
	}
	if warnInsecure {
		log.Warn("pprof serving without token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := canonPrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      buildMux(prefix, cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	// Expose the handles so Stop() can shut us down.
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Supervisor cancellation also stops the server. Keep this bounded; the
	// real graceful shutdown belongs to Stop(ctx).
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	listenAddr := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", listenAddr),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", listenAddr, prefix)),
	)

	err = srv.Serve(ln)

	// Clear the handles if we still own them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopping != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil, errors.Is(err, http.ErrServerClosed):
		// Serve quit without anyone asking it to.
		return errors.New("pprof server exited unexpectedly")
	default:
		return err
	}
}

// bindPolicy decides whether profiles may be exposed on addr. A non-loopback
// bind without a token is an error unless AllowInsecure opted in, in which
// case the caller should warn.
func bindPolicy(cur Config, addr string) (warnInsecure bool, err error) {
	if cur.Token != "" || isLoopback(addr) {
		return false, nil
	}
	if cur.AllowInsecure {
		return true, nil
	}
	return false, errors.New("pprof: insecure bind refused")
}

// buildMux lays out the profile endpoints under prefix, all behind the token
// gate, plus a bare /healthz liveness probe.
func buildMux(prefix, token string) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return tokenGate(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(indexHandler(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))

	// The prefix without the trailing slash redirects to the canonical form.
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})

	return mux
}

// indexHandler serves pprof.Index under a custom prefix. The stdlib handler
// assumes it is rooted at /debug/pprof/, so the path is rewritten first.
func indexHandler(prefix string) http.HandlerFunc {
	canon := canonPrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

// canonPrefix normalizes a route prefix to the "/x/y/" form.
// Empty means the stdlib default /debug/pprof/.
func canonPrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// isLoopback reports whether addr binds a loopback interface. An empty or
// unparseable host counts as non-loopback; so does a bind-all address.
func isLoopback(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(h)
	return err == nil && ip.IsLoopback()
}
