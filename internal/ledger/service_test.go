package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"interflow/internal/eventbus"
	"interflow/internal/relay"
	logx "interflow/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	recs []Record
}

func (m *memStore) Append(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, r)
	return nil
}

func (m *memStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]Record(nil), m.recs...)
	return out, nil
}

func (m *memStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{ByStatus: map[string]uint64{}}
	for _, r := range m.recs {
		st.Total++
		st.ByStatus[r.Status]++
	}
	return st, nil
}

func (m *memStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func TestServiceJournalsRelayOutcomes(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	store := &memStore{}
	svc := NewService(Config{Driver: "file"}, store, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop(context.Background())

	at := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{Type: relay.TopicForwarded, Data: relay.OutcomeEvent{
		Job: "j1", Pool: "alpha", Source: "telegram:1", Target: "discord:2",
		Platform: "discord", Attempts: 1, At: at,
	}})
	bus.Publish(eventbus.Event{Type: relay.TopicFailed, Data: relay.OutcomeEvent{
		Job: "j2", Target: "telegram:3", Error: "chat not found", At: at,
	}})
	bus.Publish(eventbus.Event{Type: relay.TopicExhausted, Data: relay.OutcomeEvent{
		Job: "j3", Target: "telegram:4", Attempts: 3, Error: "timeout", At: at,
	}})
	// Unrelated topics must be ignored.
	bus.Publish(eventbus.Event{Type: "config.reloaded", Data: "noise"})

	waitFor(t, func() bool { return len(store.snapshot()) == 3 })

	recs := store.snapshot()
	byJob := map[string]Record{}
	for _, r := range recs {
		byJob[r.JobID] = r
	}
	if r := byJob["j1"]; r.Status != StatusForwarded || r.Pool != "alpha" || r.Platform != "discord" || !r.At.Equal(at) {
		t.Fatalf("forwarded record = %+v", r)
	}
	if r := byJob["j2"]; r.Status != StatusFailed || r.Error != "chat not found" {
		t.Fatalf("failed record = %+v", r)
	}
	if r := byJob["j3"]; r.Status != StatusExhausted || r.Attempts != 3 {
		t.Fatalf("exhausted record = %+v", r)
	}
}

func TestServiceSkippedEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	store := &memStore{}
	svc := NewService(Config{Driver: "file"}, store, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: relay.TopicSkipped, Data: relay.OutcomeEvent{
		Job: "j9", Source: "telegram:1", Reason: "queue_full",
	}})

	waitFor(t, func() bool { return len(store.snapshot()) == 1 })
	r := store.snapshot()[0]
	if r.Status != StatusSkipped || r.Reason != "queue_full" {
		t.Fatalf("skipped record = %+v", r)
	}
	if r.At.IsZero() {
		t.Fatalf("record At not defaulted from event time")
	}
}

func TestServiceDisabledIsNoop(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{}, nil, eventbus.New(), logx.Nop())
	if svc.Enabled() {
		t.Fatalf("nil store should report disabled")
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() on disabled service error = %v", err)
	}
	svc.Stop(context.Background())

	recs, err := svc.Recent(context.Background(), 5)
	if err != nil || recs != nil {
		t.Fatalf("Recent() on disabled = (%v, %v)", recs, err)
	}
	stats, err := svc.Stats(context.Background())
	if err != nil || stats.Total != 0 {
		t.Fatalf("Stats() on disabled = (%+v, %v)", stats, err)
	}
}

func TestServiceStopEndsConsumer(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	store := &memStore{}
	svc := NewService(Config{Driver: "file"}, store, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	bus.Publish(eventbus.Event{Type: relay.TopicForwarded, Data: relay.OutcomeEvent{Job: "j1"}})
	waitFor(t, func() bool { return len(store.snapshot()) == 1 })

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)

	// Events published after Stop are not journaled.
	bus.Publish(eventbus.Event{Type: relay.TopicForwarded, Data: relay.OutcomeEvent{Job: "j2"}})
	time.Sleep(50 * time.Millisecond)
	if n := len(store.snapshot()); n != 1 {
		t.Fatalf("records after Stop = %d, want 1", n)
	}
}
