package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "interflow/pkg/logx"
)

type stubRelay struct {
	pools       []PoolView
	stats       RelayStats
	rebuilds    int
	idxPools    int
	idxChannels int
}

func (s *stubRelay) Rebuild() (int, int)   { s.rebuilds++; return s.idxPools, s.idxChannels }
func (s *stubRelay) IndexSize() (int, int) { return s.idxPools, s.idxChannels }
func (s *stubRelay) Pools() []PoolView     { return s.pools }
func (s *stubRelay) Stats() RelayStats     { return s.stats }

type stubLedger struct {
	enabled bool
	stats   LedgerStats
	recent  []OutcomeRecord
}

func (s *stubLedger) Enabled() bool { return s.enabled }
func (s *stubLedger) Stats(ctx context.Context) (LedgerStats, error) {
	return s.stats, nil
}
func (s *stubLedger) Recent(ctx context.Context, limit int) ([]OutcomeRecord, error) {
	return s.recent, nil
}

func newTestRequest(fa *fakeAdapter, serv *Services) *Request {
	return &Request{
		ChannelID: "telegram:55",
		SenderID:  "42",
		Adapter:   fa,
		Logger:    logx.Nop(),
		Services:  serv,
	}
}

func lastReply(t *testing.T, fa *fakeAdapter) string {
	t.Helper()
	replies := fa.replies()
	if len(replies) == 0 {
		t.Fatal("no reply sent")
	}
	return replies[len(replies)-1].Out.Text
}

func TestCmdReloadWithConfigHook(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	relay := &stubRelay{idxPools: 2, idxChannels: 5}
	calls := 0
	serv := &Services{
		Relay: relay,
		ReloadConfig: func(ctx context.Context) error {
			calls++
			return nil
		},
	}

	if err := cmdReload(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdReload() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("ReloadConfig calls = %d, want 1", calls)
	}
	if relay.rebuilds != 0 {
		t.Fatalf("Rebuild calls = %d, want 0 (hook owns the apply)", relay.rebuilds)
	}
	got := lastReply(t, fa)
	if !strings.Contains(got, "2 active pools") || !strings.Contains(got, "5 channels indexed") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdReloadReportsFailure(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	serv := &Services{
		Relay: &stubRelay{},
		ReloadConfig: func(ctx context.Context) error {
			return errors.New("yaml: line 3: bad indent")
		},
	}

	if err := cmdReload(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdReload() error = %v", err)
	}
	got := lastReply(t, fa)
	if !strings.Contains(got, "reload failed") || !strings.Contains(got, "bad indent") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdReloadFallsBackToRebuild(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	relay := &stubRelay{idxPools: 1, idxChannels: 3}
	serv := &Services{Relay: relay}

	if err := cmdReload(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdReload() error = %v", err)
	}
	if relay.rebuilds != 1 {
		t.Fatalf("Rebuild calls = %d, want 1", relay.rebuilds)
	}
	if got := lastReply(t, fa); !strings.Contains(got, "1 active pools") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdPoolsEmpty(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	serv := &Services{Relay: &stubRelay{}}

	if err := cmdPools(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdPools() error = %v", err)
	}
	if got := lastReply(t, fa); !strings.Contains(got, "no pools configured") {
		t.Fatalf("reply = %q", got)
	}
}

func TestCmdPoolsListing(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	serv := &Services{Relay: &stubRelay{
		pools: []PoolView{
			{Name: "alpha", Enabled: true, Format: "[{pool_name}] {message}", Channels: []string{"telegram:-100", "discord:9"}},
			{Name: "", Enabled: false},
		},
	}}

	if err := cmdPools(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdPools() error = %v", err)
	}
	got := lastReply(t, fa)

	for _, want := range []string{
		"1. <b>alpha</b> [enabled]",
		"channels: 2",
		"telegram:-100",
		"discord:9",
		"2. <b>(unnamed)</b> [disabled]",
		"format: (default)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply missing %q:\n%s", want, got)
		}
	}
}

func TestCmdChatID(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	req := newTestRequest(fa, &Services{})
	if err := cmdChatID(context.Background(), req); err != nil {
		t.Fatalf("cmdChatID() error = %v", err)
	}
	got := lastReply(t, fa)
	if !strings.Contains(got, "<code>telegram:55</code>") {
		t.Fatalf("reply = %q", got)
	}
	if !strings.Contains(got, "channels") {
		t.Fatalf("reply %q missing config hint", got)
	}
}

func TestCmdStatsRendersCounters(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	serv := &Services{
		StartedAt: time.Now().Add(-90 * time.Second),
		Relay: &stubRelay{
			idxPools:    2,
			idxChannels: 6,
			stats:       RelayStats{Accepted: 10, Forwarded: 8, Failed: 1, Exhausted: 1, Unrouted: 3},
		},
		Ledger: &stubLedger{
			enabled: true,
			stats:   LedgerStats{Total: 10, ByStatus: map[string]uint64{StatusForwarded: 8, StatusFailed: 1, StatusExhausted: 1}},
			recent: []OutcomeRecord{
				{At: time.Now().Add(-time.Minute), Status: StatusForwarded, Pool: "alpha", Target: "discord:9"},
				{At: time.Now().Add(-2 * time.Minute), Status: StatusExhausted, Pool: "alpha", Target: "discord:9", Attempts: 3, Error: "HTTP 502 Bad Gateway"},
			},
		},
	}

	if err := cmdStats(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdStats() error = %v", err)
	}
	got := lastReply(t, fa)

	for _, want := range []string{
		"uptime: 1m30s",
		"2 pools / 6 channels",
		"accepted:   10",
		"forwarded:  8",
		"total:     10",
		"recent failures:",
		"pool=alpha",
		"502",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("reply missing %q:\n%s", want, got)
		}
	}
	// Only failure statuses show up in the failure list.
	if strings.Count(got, "pool=alpha") != 1 {
		t.Fatalf("forwarded record leaked into failures:\n%s", got)
	}
}

func TestCmdStatsLedgerDisabled(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	serv := &Services{Relay: &stubRelay{}}

	if err := cmdStats(context.Background(), newTestRequest(fa, serv)); err != nil {
		t.Fatalf("cmdStats() error = %v", err)
	}
	if got := lastReply(t, fa); !strings.Contains(got, "ledger: disabled") {
		t.Fatalf("reply = %q", got)
	}
}
