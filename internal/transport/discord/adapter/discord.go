package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "interflow/internal/runtime/supervisor"
	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

// Config configures the Discord adapter.
type Config struct {
	Token string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	s     *discordgo.Session
	botMu sync.Mutex
	botID string

	out atomic.Value // chan<- kit.Message; gateway handlers read it while Start and Stop swap it

	// sup owns the gateway holder and the drop reporter between Start and Stop.
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	// Message content is privileged; without the intent every m.Content
	// arrives empty.
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, s: s}
	// atomic.Value pins the first stored type; seed it before any handler runs.
	var none chan<- kit.Message
	a.out.Store(none)
	s.AddHandler(a.onMessageCreate)
	return a, nil
}

func (a *Adapter) Name() string { return kit.PlatformDiscord }

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// selfID returns our own user id, captured lazily from the session state
// (it is only populated after the gateway READY event).
func (a *Adapter) selfID() string {
	a.botMu.Lock()
	defer a.botMu.Unlock()
	if a.botID == "" && a.s != nil && a.s.State != nil && a.s.State.User != nil {
		a.botID = a.s.State.User.ID
	}
	return a.botID
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	// The gateway echoes our own outbound messages; never feed them back.
	if id := a.selfID(); id != "" && m.Author.ID == id {
		return
	}
	a.emit(a.normalize(m))
}

// normalize converts a gateway message into the platform-neutral form.
func (a *Adapter) normalize(m *discordgo.MessageCreate) kit.Message {
	msg := kit.Message{
		ID:        m.ID,
		ChannelID: kit.ChannelID(kit.PlatformDiscord, m.ChannelID),
		Platform:  kit.PlatformDiscord,
		BotID:     a.selfID(),
		Text:      m.Content,
		IsGroup:   m.GuildID != "",
	}
	if !m.Timestamp.IsZero() {
		msg.Timestamp = m.Timestamp.Unix()
	}

	if m.Author != nil {
		msg.SenderID = m.Author.ID
		msg.SenderName = displayName(m)
	}

	msg.GroupName = a.channelName(m.ChannelID)
	if msg.GroupName == "" {
		msg.GroupName = msg.SenderName
	}

	for _, att := range m.Attachments {
		if att == nil || att.URL == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, kit.Attachment{
			Kind: attachmentKind(att),
			URL:  att.URL,
			Name: att.Filename,
		})
	}
	return msg
}

// displayName prefers the guild nickname, then the global display name,
// then the plain username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if strings.TrimSpace(m.Author.GlobalName) != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func attachmentKind(att *discordgo.MessageAttachment) kit.AttachmentKind {
	ct := strings.ToLower(att.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return kit.AttachmentImage
	case strings.HasPrefix(ct, "video/"):
		return kit.AttachmentVideo
	case strings.HasPrefix(ct, "audio/"):
		return kit.AttachmentVoice
	}
	// Discord leaves ContentType empty for some uploads; dimensions mean
	// it rendered as a picture.
	if att.Width > 0 && att.Height > 0 {
		return kit.AttachmentImage
	}
	return kit.AttachmentFile
}

func (a *Adapter) channelName(channelID string) string {
	if a.s == nil || a.s.State == nil {
		return ""
	}
	ch, err := a.s.State.Channel(channelID)
	if err != nil || ch == nil {
		return ""
	}
	return ch.Name
}

func (a *Adapter) emit(msg kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	// Gateway trouble stays local to the adapter; the app decides what a
	// dead adapter means.
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.runMu.Unlock()

	chanCap := cap(out)
	sup.Go0("inbound.drop_report", func(c context.Context) {
		a.dropReportLoop(c, chanCap)
	})

	// Open can fail transiently at boot, so it runs under the restart
	// policy. Once connected, discordgo reconnects on its own; the task
	// just holds the session until the context ends, then closes it.
	sup.GoRestart("gateway", a.runGateway,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (a *Adapter) runGateway(ctx context.Context) error {
	if err := a.s.Open(); err != nil {
		a.log.Warn("gateway open failed", logx.Err(err))
		return err
	}
	a.log.Info("gateway connected", logx.String("bot_id", a.selfID()))

	<-ctx.Done()
	if err := a.s.Close(); err != nil {
		a.log.Debug("gateway close", logx.Err(err))
	}
	return nil
}

func (a *Adapter) dropReportLoop(ctx context.Context, chanCap int) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.flushDropCount(chanCap)
			return
		case <-ticker.C:
			a.flushDropCount(chanCap)
		}
	}
}

func (a *Adapter) flushDropCount(chanCap int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("inbound messages dropped (channel full)",
			logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var none chan<- kit.Message
	a.out.Store(none)
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("stop called while not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("drops_unreported", a.dropped.Load()))

	sup.Cancel()

	// Closing the session waits on the gateway heartbeat goroutines. Wait
	// a short grace window, never longer than the caller's own deadline.
	grace := 3 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 {
			grace = min(grace, rem)
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		a.log.Warn("stop timed out waiting for the gateway", logx.Err(err))
	case sup.Context().Err() != nil:
		// Cancellation fallout, not a real failure.
		a.log.Debug("stopped with supervisor error", logx.Err(err))
	default:
		a.log.Warn("stop error", logx.Err(err))
	}
	return nil
}
