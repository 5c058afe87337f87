package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

const discordTextLimit = 2000

// Send delivers one outgoing payload to a discord channel. Text goes
// first (chunked to the platform limit); attachment URLs follow as one
// message so Discord renders its own previews, and local files are
// uploaded. discordgo paces requests against Discord's rate buckets
// internally, so there is no limiter here.
func (a *Adapter) Send(ctx context.Context, channelID string, out kit.Outgoing) error {
	platform, chat := kit.SplitChannelID(channelID)
	if platform != "" && platform != kit.PlatformDiscord {
		return fmt.Errorf("discord adapter cannot deliver to %q", channelID)
	}
	chat = strings.TrimSpace(chat)
	if chat == "" {
		return fmt.Errorf("empty discord channel in %q", channelID)
	}

	var flags discordgo.MessageFlags
	if out.DisablePreview {
		flags = discordgo.MessageFlagsSuppressEmbeds
	}

	if strings.TrimSpace(out.Text) != "" {
		for _, chunk := range splitDiscordText(out.Text, discordTextLimit) {
			msg := &discordgo.MessageSend{Content: chunk, Flags: flags}
			if _, err := a.s.ChannelMessageSendComplex(chat, msg, discordgo.WithContext(ctx)); err != nil {
				return wrapSendErr(err)
			}
		}
	}

	urls, files, closers := a.collectAttachments(out.Attachments)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	if len(urls) > 0 {
		for _, chunk := range splitDiscordText(strings.Join(urls, "\n"), discordTextLimit) {
			msg := &discordgo.MessageSend{Content: chunk}
			if _, err := a.s.ChannelMessageSendComplex(chat, msg, discordgo.WithContext(ctx)); err != nil {
				return wrapSendErr(err)
			}
		}
	}
	if len(files) > 0 {
		msg := &discordgo.MessageSend{Files: files}
		if _, err := a.s.ChannelMessageSendComplex(chat, msg, discordgo.WithContext(ctx)); err != nil {
			return wrapSendErr(err)
		}
	}
	return nil
}

// collectAttachments splits attachments into URL passthroughs and local
// file uploads. References that are neither (e.g. a foreign platform's
// file id) cannot be resolved here and are skipped.
func (a *Adapter) collectAttachments(atts []kit.Attachment) (urls []string, files []*discordgo.File, closers []*os.File) {
	for _, att := range atts {
		switch {
		case att.URL != "":
			urls = append(urls, att.URL)
		case att.Path != "":
			f, err := os.Open(att.Path)
			if err != nil {
				a.log.Debug("attachment not readable, skipping",
					logx.String("kind", string(att.Kind)),
					logx.String("path", att.Path),
				)
				continue
			}
			name := att.Name
			if name == "" {
				name = filepath.Base(att.Path)
			}
			files = append(files, &discordgo.File{Name: name, Reader: f})
			closers = append(closers, f)
		}
	}
	return urls, files, closers
}

// wrapSendErr classifies delivery failures. Rate limits, server errors
// and transport-level failures are worth retrying; other API rejections
// (unknown channel, missing permissions) are not.
func wrapSendErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return kit.Transient(err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Response != nil {
			code := rest.Response.StatusCode
			if code == http.StatusTooManyRequests || code >= 500 {
				return kit.Transient(err)
			}
		}
		return err
	}
	return kit.Transient(err)
}

// splitDiscordText chunks content to fit Discord's per-message limit.
// Cuts favor a newline in the later part of the window so paragraphs
// survive, and empty pieces are dropped rather than sent.
func splitDiscordText(s string, limit int) []string {
	if limit <= 0 {
		limit = discordTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	var out []string
	for start := 0; start < len(rs); {
		end := chunkEnd(rs, start, limit)
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		// Newlines swallowed by a cut must not open the next chunk.
		for start = end; start < len(rs) && rs[start] == '\n'; start++ {
		}
	}
	return out
}

// chunkEnd picks the exclusive end of the chunk beginning at start: the
// window limit, or just past the window's last newline when cutting there
// still leaves at least a third of the window.
func chunkEnd(rs []rune, start, limit int) int {
	end := min(start+limit, len(rs))
	if end == len(rs) {
		return end
	}
	for i := end - 1; i >= start+limit/3; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	return end
}
