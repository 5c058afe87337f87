package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

const telegramTextLimit = 4000

// Send delivers one outgoing payload to a telegram chat. Text goes first
// (chunked to the platform limit), then attachments one by one. Every API
// call waits on the shared rate limiter.
func (a *Adapter) Send(ctx context.Context, channelID string, out kit.Outgoing) error {
	platform, chat := kit.SplitChannelID(channelID)
	if platform != "" && platform != kit.PlatformTelegram {
		return fmt.Errorf("telegram adapter cannot deliver to %q", channelID)
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", chat, err)
	}
	dest := &tele.Chat{ID: chatID}

	if strings.TrimSpace(out.Text) != "" {
		sendOpt := &tele.SendOptions{
			ParseMode:             out.ParseMode,
			DisableWebPagePreview: out.DisablePreview,
		}
		for _, chunk := range splitTelegramText(out.Text, telegramTextLimit, out.ParseMode) {
			if err := a.pace(ctx); err != nil {
				return err
			}
			if _, err := a.bot.Send(dest, chunk, sendOpt); err != nil {
				return wrapSendErr(err)
			}
		}
	}

	for _, att := range out.Attachments {
		if att.URL == "" && att.Path == "" {
			continue
		}
		payload := sendable(att)
		if payload == nil {
			a.log.Debug("attachment kind not sendable", logx.String("kind", string(att.Kind)))
			continue
		}
		if err := a.pace(ctx); err != nil {
			return err
		}
		if _, err := a.bot.Send(dest, payload); err != nil {
			return wrapSendErr(err)
		}
	}
	return nil
}

func (a *Adapter) pace(ctx context.Context) error {
	if a.lim == nil {
		return nil
	}
	if err := a.lim.Wait(ctx); err != nil {
		return kit.Transient(err)
	}
	return nil
}

// sendable maps an attachment to the telebot payload for its kind.
func sendable(att kit.Attachment) tele.Sendable {
	f := telegramFile(att)
	switch att.Kind {
	case kit.AttachmentImage:
		return &tele.Photo{File: f}
	case kit.AttachmentFile:
		return &tele.Document{File: f, FileName: att.Name}
	case kit.AttachmentVideo:
		return &tele.Video{File: f}
	case kit.AttachmentVoice:
		return &tele.Voice{File: f}
	default:
		return nil
	}
}

// telegramFile resolves an attachment reference. URLs are fetched by
// Telegram itself; a Path is a local file when it exists on disk,
// otherwise a Telegram file_id from a same-platform source.
func telegramFile(att kit.Attachment) tele.File {
	if att.URL != "" {
		return tele.FromURL(att.URL)
	}
	if att.Path != "" {
		if _, err := os.Stat(att.Path); err == nil {
			return tele.FromDisk(att.Path)
		}
		return tele.File{FileID: att.Path}
	}
	return tele.File{}
}

// wrapSendErr classifies delivery failures. Flood control, server errors
// and transport-level failures are worth retrying; other API rejections
// (bad chat, kicked bot, malformed payload) are not.
func wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return kit.Transient(err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return kit.Transient(err)
		}
		return err
	}
	return kit.Transient(err)
}

// splitTelegramText chunks text so every piece fits in one sendMessage
// call. Cuts prefer a newline in the later part of the window and never
// land inside a multibyte rune; for HTML parse mode a cut in front of a
// dangling open tag keeps both halves parseable.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			if cut := newlineCut(rs, start, end, limit/3); cut > 0 {
				end = cut
			}
		}
		if html && end < len(rs) {
			if cut := danglingTagStart(rs, start, end); cut > start+1 {
				end = cut
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		// Newlines swallowed by a cut must not open the next chunk.
		for start = end; start < len(rs) && rs[start] == '\n'; start++ {
		}
	}
	return out
}

// newlineCut returns the position after the newline closest to the window
// end, or -1. minSpan keeps a cut from shrinking the chunk below a third
// of the window.
func newlineCut(rs []rune, start, end, minSpan int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] != '\n' {
			continue
		}
		if i-start < minSpan {
			return -1
		}
		return i + 1
	}
	return -1
}

// danglingTagStart returns the index of a '<' opened after the last '>'
// in the window, meaning the cut would land inside an HTML tag. -1 when
// the window ends outside any tag.
func danglingTagStart(rs []rune, start, end int) int {
	open, closed := -1, -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			closed = i
		}
	}
	if open > closed {
		return open
	}
	return -1
}
