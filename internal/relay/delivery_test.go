package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"interflow/internal/eventbus"
	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first wait", base: time.Second, attempt: 1, want: time.Second},
		{name: "second wait", base: time.Second, attempt: 2, want: 2 * time.Second},
		{name: "third wait", base: time.Second, attempt: 3, want: 4 * time.Second},
		{name: "half second base", base: 500 * time.Millisecond, attempt: 2, want: time.Second},
		{name: "zero base defaults", base: 0, attempt: 1, want: time.Second},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := backoffDelay(tt.base, tt.attempt); got != tt.want {
				t.Fatalf("backoffDelay(%v, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestAttemptRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{script: map[string][]error{
		"telegram:a": {kit.Transient(errors.New("connection reset")), nil},
	}}
	s := newTestService(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}}, fs)

	attempts, err := s.attempt(context.Background(), "j1", "telegram:a", kit.Outgoing{Text: "x"})
	if err != nil {
		t.Fatalf("attempt error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if got := len(fs.callsTo("telegram:a")); got != 2 {
		t.Fatalf("send calls = %d, want 2", got)
	}
}

func TestAttemptPermanentAbandonsImmediately(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{script: map[string][]error{
		"telegram:a": {errors.New("forbidden: bot was kicked")},
	}}
	s := newTestService(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}}, fs)

	start := time.Now()
	attempts, err := s.attempt(context.Background(), "j1", "telegram:a", kit.Outgoing{Text: "x"})
	if err == nil {
		t.Fatal("expected permanent error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	// A permanent failure must not burn any backoff wait.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("permanent failure waited %v", elapsed)
	}
	if got := len(fs.callsTo("telegram:a")); got != 1 {
		t.Fatalf("send calls = %d, want 1", got)
	}
}

func TestAttemptExhaustsTransient(t *testing.T) {
	t.Parallel()
	transient := kit.Transient(errors.New("session closed"))
	fs := &fakeSender{script: map[string][]error{
		"telegram:a": {transient, transient, transient},
	}}
	s := newTestService(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}}, fs)

	attempts, err := s.attempt(context.Background(), "j1", "telegram:a", kit.Outgoing{Text: "x"})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !kit.IsTransient(err) {
		t.Fatalf("exhaustion error lost its transient marker: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if got := len(fs.callsTo("telegram:a")); got != 3 {
		t.Fatalf("send calls = %d, want 3", got)
	}
}

func TestAttemptWaitAbandonedOnCancel(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{script: map[string][]error{
		"telegram:a": {kit.Transient(errors.New("not ready")), kit.Transient(errors.New("not ready"))},
	}}
	s := newTestService(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: 5 * time.Second}}, fs)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.attempt(ctx, "j1", "telegram:a", kit.Outgoing{Text: "x"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("retry wait ignored cancellation, took %v", elapsed)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestDeliverToPublishesOutcomes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	fs := &fakeSender{script: map[string][]error{
		"telegram:bad": {errors.New("chat not found")},
	}}
	s := New(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}}, fs, bus, logx.Nop())

	msg := inboundFrom("telegram:src")
	s.deliverTo(context.Background(), "j1", "alpha", msg, "telegram:good", kit.Outgoing{Text: "x"})
	s.deliverTo(context.Background(), "j1", "alpha", msg, "telegram:bad", kit.Outgoing{Text: "x"})

	types := map[string]OutcomeEvent{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			data, ok := e.Data.(OutcomeEvent)
			if !ok {
				t.Fatalf("event data type = %T", e.Data)
			}
			types[e.Type] = data
		default:
			t.Fatalf("expected 2 events, got %d", i)
		}
	}

	fwd, ok := types[TopicForwarded]
	if !ok {
		t.Fatalf("missing %s event: %v", TopicForwarded, types)
	}
	if fwd.Target != "telegram:good" || fwd.Pool != "alpha" || fwd.Attempts != 1 {
		t.Fatalf("forwarded event = %+v", fwd)
	}

	failed, ok := types[TopicFailed]
	if !ok {
		t.Fatalf("missing %s event: %v", TopicFailed, types)
	}
	if failed.Target != "telegram:bad" || failed.Error == "" {
		t.Fatalf("failed event = %+v", failed)
	}
}

func TestDeliverToExhaustionEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	transient := kit.Transient(errors.New("session closed"))
	fs := &fakeSender{script: map[string][]error{
		"telegram:a": {transient, transient, transient},
	}}
	s := New(Config{Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}}, fs, bus, logx.Nop())

	s.deliverTo(context.Background(), "j1", "alpha", inboundFrom("telegram:src"), "telegram:a", kit.Outgoing{Text: "x"})

	select {
	case e := <-ch:
		if e.Type != TopicExhausted {
			t.Fatalf("event type = %s, want %s", e.Type, TopicExhausted)
		}
		data := e.Data.(OutcomeEvent)
		if data.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", data.Attempts)
		}
	default:
		t.Fatal("expected an exhaustion event")
	}
}
