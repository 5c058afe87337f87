package transport

import (
	"context"
	"strings"
)

// Platform names double as the prefix of every channel id.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// ChannelID joins a platform name and a platform-native chat id into the
// canonical "platform:chat" form used everywhere above the adapters.
func ChannelID(platform, chat string) string {
	return platform + ":" + chat
}

// SplitChannelID splits a canonical channel id into platform and chat parts.
// Ids without a platform prefix come back with an empty platform.
func SplitChannelID(id string) (platform, chat string) {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+1:]
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentVideo AttachmentKind = "video"
	AttachmentVoice AttachmentKind = "voice"
)

// Attachment is one piece of media carried by a message. Either URL or Path
// is set depending on what the source platform handed us.
type Attachment struct {
	Kind AttachmentKind
	URL  string
	Path string
	Name string
}

// Message is a normalized inbound chat message.
type Message struct {
	ID          string
	ChannelID   string // "platform:chat"
	Platform    string
	GroupName   string
	SenderID    string
	SenderName  string
	BotID       string // id of our own account on the source platform
	Text        string
	Attachments []Attachment
	Timestamp   int64 // unix seconds; 0 when the platform gave none
	IsGroup     bool
}

// Outgoing is a normalized outbound payload. Adapters translate it into
// whatever their platform API wants.
type Outgoing struct {
	Text           string
	Attachments    []Attachment
	ParseMode      string
	DisablePreview bool
}

// Sender is the send-only view of the adapter fleet. The relay engine and
// the log notify sink both talk through it.
type Sender interface {
	Send(ctx context.Context, channelID string, out Outgoing) error
}

type Adapter interface {
	Name() string

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, channelID string, out Outgoing) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
