package adapter

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	kit "interflow/internal/transport"
)

func TestNormalizeGuildMessage(t *testing.T) {
	t.Parallel()

	a := &Adapter{botID: "bot1"}
	ts := time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m100",
		ChannelID: "chan9",
		GuildID:   "guild1",
		Content:   "hello there",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u7", Username: "ann", GlobalName: "Ann L"},
	}}

	got := a.normalize(m)
	if got.ChannelID != "discord:chan9" || got.Platform != kit.PlatformDiscord {
		t.Fatalf("channel identity = %q %q", got.ChannelID, got.Platform)
	}
	if got.SenderID != "u7" || got.SenderName != "Ann L" {
		t.Fatalf("sender = %q %q, want global name preferred", got.SenderID, got.SenderName)
	}
	if !got.IsGroup {
		t.Fatalf("guild message should be a group message")
	}
	if got.BotID != "bot1" {
		t.Fatalf("BotID = %q", got.BotID)
	}
	if got.Timestamp != ts.Unix() {
		t.Fatalf("Timestamp = %d, want %d", got.Timestamp, ts.Unix())
	}
	// No state cache in the test adapter: group name falls back to sender.
	if got.GroupName != "Ann L" {
		t.Fatalf("GroupName = %q", got.GroupName)
	}
}

func TestNormalizePrefersGuildNick(t *testing.T) {
	t.Parallel()

	a := &Adapter{}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "u1", Username: "ann"},
		Member:    &discordgo.Member{Nick: "Annie"},
	}}

	if got := a.normalize(m); got.SenderName != "Annie" {
		t.Fatalf("SenderName = %q, want guild nick", got.SenderName)
	}
}

func TestNormalizeAttachments(t *testing.T) {
	t.Parallel()

	a := &Adapter{}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "c1",
		Author:    &discordgo.User{ID: "u1", Username: "bo"},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn/x.png", Filename: "x.png", ContentType: "image/png"},
			{URL: "https://cdn/v.mp4", Filename: "v.mp4", ContentType: "video/mp4"},
			{URL: "https://cdn/a.ogg", Filename: "a.ogg", ContentType: "audio/ogg"},
			{URL: "https://cdn/doc.pdf", Filename: "doc.pdf", ContentType: "application/pdf"},
			{URL: "", Filename: "ghost"},
		},
	}}

	got := a.normalize(m)
	if len(got.Attachments) != 4 {
		t.Fatalf("attachments = %d, want 4 (empty URL dropped)", len(got.Attachments))
	}
	wantKinds := []kit.AttachmentKind{
		kit.AttachmentImage, kit.AttachmentVideo, kit.AttachmentVoice, kit.AttachmentFile,
	}
	for i, want := range wantKinds {
		if got.Attachments[i].Kind != want {
			t.Fatalf("attachment %d kind = %s, want %s", i, got.Attachments[i].Kind, want)
		}
		if got.Attachments[i].URL == "" {
			t.Fatalf("attachment %d lost its URL", i)
		}
	}
}

func TestOnMessageCreateSkipsOwnMessages(t *testing.T) {
	t.Parallel()

	a := &Adapter{botID: "bot1"}
	out := make(chan kit.Message, 1)
	a.out.Store((chan<- kit.Message)(out))

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m1", ChannelID: "c1", Author: &discordgo.User{ID: "bot1"},
	}})
	if len(out) != 0 {
		t.Fatalf("gateway echo of our own message was emitted")
	}

	a.onMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "m2", ChannelID: "c1", Author: &discordgo.User{ID: "u9", Username: "ann"},
	}})
	if len(out) != 1 {
		t.Fatalf("normal message not emitted")
	}
}

func TestAttachmentKindFallbacks(t *testing.T) {
	t.Parallel()

	// No content type but image dimensions: treat as image.
	att := &discordgo.MessageAttachment{URL: "u", Width: 640, Height: 480}
	if got := attachmentKind(att); got != kit.AttachmentImage {
		t.Fatalf("kind = %s, want image", got)
	}
	// Nothing to go on: generic file.
	att = &discordgo.MessageAttachment{URL: "u"}
	if got := attachmentKind(att); got != kit.AttachmentFile {
		t.Fatalf("kind = %s, want file", got)
	}
}

func TestWrapSendErrClassification(t *testing.T) {
	t.Parallel()

	if wrapSendErr(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}

	server := &discordgo.RESTError{Response: &http.Response{StatusCode: 502}}
	if !kit.IsTransient(wrapSendErr(server)) {
		t.Fatalf("5xx must be transient")
	}
	tooMany := &discordgo.RESTError{Response: &http.Response{StatusCode: 429}}
	if !kit.IsTransient(wrapSendErr(tooMany)) {
		t.Fatalf("429 must be transient")
	}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: 403}}
	if kit.IsTransient(wrapSendErr(forbidden)) {
		t.Fatalf("4xx must be permanent")
	}
	if !kit.IsTransient(wrapSendErr(assertErr("dial tcp: reset"))) {
		t.Fatalf("transport-level failures must be transient")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestSplitDiscordText(t *testing.T) {
	t.Parallel()

	if got := splitDiscordText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text = %v", got)
	}

	text := strings.Repeat("a", 80) + "\n" + strings.Repeat("b", 60)
	got := splitDiscordText(text, 100)
	if len(got) != 2 || !strings.HasPrefix(got[1], "b") {
		t.Fatalf("split = %q", got)
	}

	long := strings.Repeat("x", 5000)
	for i, chunk := range splitDiscordText(long, discordTextLimit) {
		if n := len([]rune(chunk)); n > discordTextLimit {
			t.Fatalf("chunk %d length %d exceeds limit", i, n)
		}
	}
}
