package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "interflow/pkg/logx"
)

func waitForAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("pprof server did not expose an address")
	return ""
}

func getStatus(t *testing.T, url string, header map[string]string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestReconfigureEnableDisable(t *testing.T) {
	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		BlockProfileRate:     1,
		MutexProfileFraction: 7,
	}
	s.Reconfigure(ctx, cfg)

	addr := waitForAddr(t, s)
	if code := getStatus(t, "http://"+addr+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", code, http.StatusOK)
	}
	if code := getStatus(t, "http://"+addr+"/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("index status = %d, want %d", code, http.StatusOK)
	}

	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}

	// Disable and ensure the listener shuts down.
	s.Reconfigure(ctx, Config{Enabled: false})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Addr() != "" {
		time.Sleep(20 * time.Millisecond)
	}
	if addr := s.Addr(); addr != "" {
		t.Fatalf("expected pprof server to stop, still at %s", addr)
	}
}

func TestTokenAuth(t *testing.T) {
	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"})
	addr := waitForAddr(t, s)

	if code := getStatus(t, "http://"+addr+"/healthz", nil); code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want %d", code, http.StatusUnauthorized)
	}
	if code := getStatus(t, "http://"+addr+"/healthz", map[string]string{"Authorization": "Bearer sekrit"}); code != http.StatusOK {
		t.Fatalf("bearer status = %d, want %d", code, http.StatusOK)
	}
	if code := getStatus(t, "http://"+addr+"/healthz?token=wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad query token status = %d, want %d", code, http.StatusUnauthorized)
	}
	if code := getStatus(t, "http://"+addr+"/healthz?token=sekrit", nil); code != http.StatusOK {
		t.Fatalf("query token status = %d, want %d", code, http.StatusOK)
	}
}

func TestInsecureBindRefused(t *testing.T) {
	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Non-loopback bind without token or allow_insecure must not serve.
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"})
	time.Sleep(200 * time.Millisecond)
	if addr := s.Addr(); addr != "" {
		t.Fatalf("insecure bind served at %s, want refused", addr)
	}
}
