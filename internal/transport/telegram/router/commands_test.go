package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"interflow/internal/config"
	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

type sentReply struct {
	Channel string
	Out     kit.Outgoing
}

type fakeAdapter struct {
	mu    sync.Mutex
	sends []sentReply
	menu  []kit.BotCommand
}

func (f *fakeAdapter) Name() string { return kit.PlatformTelegram }

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Message) error { return nil }

func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) Send(ctx context.Context, channelID string, out kit.Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentReply{Channel: channelID, Out: out})
	return nil
}

func (f *fakeAdapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menu = append([]kit.BotCommand(nil), cmds...)
	return nil
}

func (f *fakeAdapter) replies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentReply(nil), f.sends...)
}

func waitForReplies(t *testing.T, fa *fakeAdapter, n int) []sentReply {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := fa.replies(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies, have %d", n, len(fa.replies()))
	return nil
}

func newTestManager(t *testing.T, fa *fakeAdapter, owners []int64) *CommandManager {
	t.Helper()
	cfgm := config.NewConfigManager("testdata-does-not-exist.json")
	m := NewCommandManager(logx.Nop(), fa, cfgm, &Services{}, owners)
	m.SetRegistry(BuiltinCommands())
	return m
}

func telegramMsg(channel, sender, text string, group bool) kit.Message {
	return kit.Message{
		ID:        "1",
		ChannelID: channel,
		Platform:  kit.PlatformTelegram,
		SenderID:  sender,
		Text:      text,
		IsGroup:   group,
	}
}

func TestCommandWord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"/pools", "pools", true},
		{"/POOLS", "pools", true},
		{"/pools@my_bot arg", "pools", true},
		{"  /help x", "help", true},
		{"hello", "", false},
		{"/", "", false},
		{"/@bot", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := commandWord(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("commandWord(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	tests := []struct {
		name string
		msg  kit.Message
		want bool
	}{
		{"registered command", telegramMsg("telegram:1", "5", "/pools", true), true},
		{"alias", telegramMsg("telegram:1", "5", "/list", true), true},
		{"injected help", telegramMsg("telegram:1", "5", "/help", true), true},
		{"start alias", telegramMsg("telegram:1", "5", "/start", false), true},
		{"bot mention", telegramMsg("telegram:1", "5", "/reload@relay_bot", true), true},
		{"foreign command", telegramMsg("telegram:1", "5", "/weather london", true), false},
		{"plain text", telegramMsg("telegram:1", "5", "hello /pools", true), false},
		{"wrong platform", kit.Message{Platform: kit.PlatformDiscord, Text: "/pools"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := m.Matches(tt.msg); got != tt.want {
				t.Fatalf("Matches(%q) = %v, want %v", tt.msg.Text, got, tt.want)
			}
		})
	}
}

func TestIsOwner(t *testing.T) {
	t.Parallel()

	owners := []int64{42, 1000}
	tests := []struct {
		sender string
		want   bool
	}{
		{"42", true},
		{" 1000 ", true},
		{"7", false},
		{"", false},
		{"abc", false},
	}
	for _, tt := range tests {
		if got := isOwner(tt.sender, owners); got != tt.want {
			t.Fatalf("isOwner(%q) = %v, want %v", tt.sender, got, tt.want)
		}
	}
}

func TestDispatchRunsCommand(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, []int64{42})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Message, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()

	updates <- telegramMsg("telegram:77", "42", "/chatid", true)

	replies := waitForReplies(t, fa, 1)
	if replies[0].Channel != "telegram:77" {
		t.Fatalf("reply channel = %q, want telegram:77", replies[0].Channel)
	}
	if !strings.Contains(replies[0].Out.Text, "telegram:77") {
		t.Fatalf("reply %q missing channel id", replies[0].Out.Text)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("DispatchLoop did not stop after cancel")
	}
}

func TestDispatchOwnerGate(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, []int64{42})

	// routeMessage enqueues; pull the job by hand so the test stays single-threaded.
	m.routeMessage(context.Background(), telegramMsg("telegram:9", "777", "/reload", true))

	replies := waitForReplies(t, fa, 1)
	if replies[0].Out.Text != "unauthorized" {
		t.Fatalf("reply = %q, want unauthorized", replies[0].Out.Text)
	}
	select {
	case <-m.jobs:
		t.Fatal("unauthorized command was enqueued")
	default:
	}
}

func TestDispatchOwnerGateHotSwap(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, []int64{42})

	m.SetOwners([]int64{777})
	m.routeMessage(context.Background(), telegramMsg("telegram:9", "777", "/reload", true))

	select {
	case job := <-m.jobs:
		job()
	case <-time.After(time.Second):
		t.Fatal("command was not enqueued after SetOwners")
	}
	replies := waitForReplies(t, fa, 1)
	if strings.Contains(replies[0].Out.Text, "unauthorized") {
		t.Fatalf("reply = %q, want a reload result", replies[0].Out.Text)
	}
}

func TestUnknownCommandSilentInGroups(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	m.routeMessage(context.Background(), telegramMsg("telegram:9", "5", "/weather", true))
	time.Sleep(20 * time.Millisecond)
	if got := fa.replies(); len(got) != 0 {
		t.Fatalf("group reply sent for unknown command: %+v", got)
	}

	m.routeMessage(context.Background(), telegramMsg("telegram:9", "5", "/weather", false))
	replies := waitForReplies(t, fa, 1)
	if !strings.Contains(replies[0].Out.Text, "/help") {
		t.Fatalf("private reply = %q, want /help hint", replies[0].Out.Text)
	}
}

func TestHelpTextListsCommands(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	top := m.helpText(nil)
	for _, want := range []string{"/chatid", "/pools", "/reload", "/stats", "/help"} {
		if !strings.Contains(top, want) {
			t.Fatalf("helpText() missing %q:\n%s", want, top)
		}
	}
	if !strings.Contains(top, "🔒") {
		t.Fatalf("helpText() missing owner lock marker:\n%s", top)
	}

	// Owner-only commands sort below public ones.
	if strings.Index(top, "/reload") < strings.Index(top, "/pools") {
		t.Fatalf("owner-only /reload listed before public /pools:\n%s", top)
	}
}

func TestHelpTextCommandDetail(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	m := newTestManager(t, fa, nil)

	detail := m.helpText([]string{"pools"})
	if !strings.Contains(detail, "/pools") || !strings.Contains(detail, "Usage") {
		t.Fatalf("helpText(pools) = %q", detail)
	}
	if !strings.Contains(detail, "/list") {
		t.Fatalf("helpText(pools) missing alias shortcut:\n%s", detail)
	}

	// Aliases resolve to the same detail page.
	viaAlias := m.helpText([]string{"list"})
	if viaAlias != detail {
		t.Fatalf("helpText(list) != helpText(pools)")
	}

	unknown := m.helpText([]string{"nope"})
	if !strings.Contains(unknown, "Unknown command") {
		t.Fatalf("helpText(nope) = %q", unknown)
	}
}

func TestSetRegistryUpdatesMenu(t *testing.T) {
	t.Parallel()

	fa := &fakeAdapter{}
	newTestManager(t, fa, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fa.mu.Lock()
		n := len(fa.menu)
		fa.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.menu) == 0 {
		t.Fatal("menu commands were not pushed to the adapter")
	}
	names := map[string]bool{}
	for _, c := range fa.menu {
		names[c.Command] = true
	}
	for _, want := range []string{"reload", "pools", "chatid", "stats", "help"} {
		if !names[want] {
			t.Fatalf("menu missing %q: %+v", want, fa.menu)
		}
	}
	if names["start"] || names["list"] {
		t.Fatalf("aliases leaked into the menu: %+v", fa.menu)
	}
}
