package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "interflow/internal/runtime/supervisor"
	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

// maxFetchBytes caps media cache downloads; the Bot API refuses getFile
// beyond 20MB anyway.
const maxFetchBytes = 20 << 20

type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	botID string
	lim   *rate.Limiter
	http  *http.Client

	// out holds the channel normalized messages are emitted on. Stored
	// atomically because telebot handlers read it while Start swaps it.
	out atomic.Value // chan<- kit.Message

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor // owns the poll loop and housekeeping goroutines

	// dropped counts messages lost to a full output channel since the last
	// summary log line.
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64

	// mediaDir caches inbound media on disk so targets on other platforms
	// can upload it. Empty when the cache directory could not be created.
	mediaDir string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.pollTimeout()},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	mediaDir := filepath.Join(os.TempDir(), "interflow-telegram")
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		log.Warn("media cache unavailable, inbound files keep their Telegram ids", logx.Err(err))
		mediaDir = ""
	}
	perSec := cfg.messagesPerSec()
	a := &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		lim:      rate.NewLimiter(rate.Limit(perSec), perSec),
		http:     &http.Client{Timeout: 8 * time.Second},
		mediaDir: mediaDir,
	}
	if b.Me != nil {
		a.botID = strconv.FormatInt(b.Me.ID, 10)
	}
	// Seed the atomic with its one dynamic type; Store panics on a change.
	var none chan<- kit.Message
	a.out.Store(none)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) Name() string { return kit.PlatformTelegram }

// Supervisor exposes the adapter's internal supervisor for /stats.
// Nil while the adapter is stopped.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

// registerHandlers routes every message shape the relay understands into
// normalize+emit. Commands arrive as plain text, so the router upstream
// sees them too.
func (a *Adapter) registerHandlers() {
	forward := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.emit(a.normalize(m))
		}
		return nil
	}
	a.bot.Handle(tele.OnText, forward)
	a.bot.Handle(tele.OnPhoto, forward)
	a.bot.Handle(tele.OnDocument, forward)
	a.bot.Handle(tele.OnVideo, forward)
	a.bot.Handle(tele.OnVoice, forward)
}

// normalize converts a Telegram message into the platform-neutral form.
func (a *Adapter) normalize(m *tele.Message) kit.Message {
	chat := strconv.FormatInt(m.Chat.ID, 10)
	msg := kit.Message{
		ID:        strconv.Itoa(m.ID),
		ChannelID: kit.ChannelID(kit.PlatformTelegram, chat),
		Platform:  kit.PlatformTelegram,
		BotID:     a.botID,
		Timestamp: m.Unixtime,
	}

	if m.Sender != nil {
		msg.SenderID = strconv.FormatInt(m.Sender.ID, 10)
		msg.SenderName = displayName(m.Sender)
	}

	msg.IsGroup = m.Chat.Type != tele.ChatPrivate
	if msg.IsGroup {
		msg.GroupName = m.Chat.Title
	} else {
		msg.GroupName = msg.SenderName
	}

	msg.Text = m.Text
	if msg.Text == "" {
		msg.Text = m.Caption
	}

	switch {
	case m.Photo != nil:
		msg.Attachments = append(msg.Attachments, a.fetchMedia(kit.AttachmentImage, m.Photo.File, ""))
	case m.Document != nil:
		msg.Attachments = append(msg.Attachments, a.fetchMedia(kit.AttachmentFile, m.Document.File, m.Document.FileName))
	case m.Video != nil:
		msg.Attachments = append(msg.Attachments, a.fetchMedia(kit.AttachmentVideo, m.Video.File, m.Video.FileName))
	case m.Voice != nil:
		msg.Attachments = append(msg.Attachments, a.fetchMedia(kit.AttachmentVoice, m.Voice.File, ""))
	}

	return msg
}

// fetchMedia downloads the payload into the local media cache so targets on
// other platforms can upload it. When the fetch is not possible (cache
// unavailable, oversized file, API failure) the attachment keeps the Telegram
// file id, which still resends fine inside Telegram.
func (a *Adapter) fetchMedia(kind kit.AttachmentKind, f tele.File, name string) kit.Attachment {
	att := kit.Attachment{Kind: kind, Path: f.FileID, Name: name}
	if a.mediaDir == "" || f.FileID == "" {
		return att
	}
	if f.FileSize > maxFetchBytes {
		a.log.Debug("media too large to cache, keeping file id",
			logx.String("kind", string(kind)),
			logx.Int64("size", f.FileSize))
		return att
	}
	dst := filepath.Join(a.mediaDir, cacheFileName(f, kind, name))
	if _, err := os.Stat(dst); err == nil {
		att.Path = dst
		return att
	}
	if err := a.bot.Download(&f, dst); err != nil {
		a.log.Debug("media fetch failed, keeping file id",
			logx.String("kind", string(kind)), logx.Err(err))
		return att
	}
	att.Path = dst
	return att
}

// cacheFileName builds a stable name from the file's unique id, so resends of
// the same media hit the cache. Telegram ids use a URL-safe alphabet.
func cacheFileName(f tele.File, kind kit.AttachmentKind, name string) string {
	id := f.UniqueID
	if id == "" {
		id = f.FileID
	}
	ext := filepath.Ext(name)
	if ext == "" {
		switch kind {
		case kit.AttachmentImage:
			ext = ".jpg"
		case kit.AttachmentVideo:
			ext = ".mp4"
		case kit.AttachmentVoice:
			ext = ".ogg"
		default:
			ext = ".bin"
		}
	}
	return id + ext
}

// pruneMediaCache drops cached files older than maxAge. Sent files are not
// tracked individually, so age is the only eviction signal.
func (a *Adapter) pruneMediaCache(maxAge time.Duration) {
	entries, err := os.ReadDir(a.mediaDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(a.mediaDir, e.Name())) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		a.log.Debug("media cache pruned", logx.Int("removed", removed))
	}
}

func displayName(u *tele.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// emit hands the message to the consumer without ever blocking a telebot
// handler. Overflow is counted and summarized by dropReportLoop.
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
	// Poll loop failures stay local to the adapter; the app decides what a
	// dead adapter means.
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	a.sup = sup
	a.runMu.Unlock()

	sup.Go0("inbound.drop_report", func(c context.Context) {
		a.dropReportLoop(c, cap(out))
	})

	if a.mediaDir != "" {
		sup.Go0("media.cleanup", func(c context.Context) {
			a.mediaCleanupLoop(c)
		})
	}

	// telebot's Start only returns after Stop is called, so pair it with a
	// watcher that calls Stop once the supervisor context ends.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// A return with the context still live means the long poll died;
		// respawn it.
		rtsup.WithStopOnCleanExit(false),
	)

	return nil
}

// dropReportLoop summarizes dropped inbound messages once per window, so a
// slow consumer shows up as one warning instead of one per message.
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

func (a *Adapter) mediaCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pruneMediaCache(2 * time.Hour)
		}
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
	// telebot's Stop should be quick; keep it off the shutdown path anyway.
	go a.bot.Stop()

	// A getUpdates long poll can hold its connection for seconds. Wait a
	// short grace window, never longer than the caller's own deadline.
	grace := 2 * time.Second
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
		a.log.Warn("stop timed out waiting for the poll loop", logx.Err(err))
	case sup.Context().Err() != nil:
		// Cancellation fallout, not a real failure.
		a.log.Debug("stopped with supervisor error", logx.Err(err))
	default:
		a.log.Warn("stop error", logx.Err(err))
	}
	return nil
}

// UpdateMenuCommands pushes the command list into Telegram's /menu
// autocomplete (setMyCommands). The network call is skipped when the list
// matches what was last pushed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	sum := menuFingerprint(cmds)
	if sum == a.menuHash {
		return nil
	}
	n, err := a.setMyCommands(ctx, cmds)
	if err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", n))
	return nil
}

func menuFingerprint(cmds []kit.BotCommand) uint64 {
	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// setMyCommands posts to the Bot API directly; telebot's SetCommands takes
// no context. Returns how many commands were actually sent after applying
// Telegram's caps (100 commands, 256-char descriptions).
func (a *Adapter) setMyCommands(ctx context.Context, cmds []kit.BotCommand) (int, error) {
	type entry struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	entries := make([]entry, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Command
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		entries = append(entries, entry{Command: c.Command, Description: desc})
		if len(entries) == 100 {
			break
		}
	}

	body, err := json.Marshal(struct {
		Commands []entry `json:"commands"`
	}{entries})
	if err != nil {
		return 0, err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiResp)
	if resp.StatusCode/100 != 2 || !apiResp.OK {
		if apiResp.Description != "" {
			return 0, fmt.Errorf("setMyCommands: %s (error_code=%d, http=%d)", apiResp.Description, apiResp.ErrorCode, resp.StatusCode)
		}
		return 0, fmt.Errorf("setMyCommands: http status %d", resp.StatusCode)
	}
	return len(entries), nil
}
