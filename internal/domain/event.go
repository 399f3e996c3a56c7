package domain

import "time"

// ChatKind discriminates the conversation context of an inbound event.
type ChatKind string

const (
	KindDM    ChatKind = "dm"
	KindGroup ChatKind = "group"
	KindOther ChatKind = "other"
)

// InboundEvent is a chat update normalized by a transport adapter.
// Adapters fill in whatever their platform exposes; absent fields stay zero.
type InboundEvent struct {
	Transport        string    // source transport name (e.g. "telegram", "discord")
	SenderID         string    // stringified numeric sender ID
	SenderHandle     string    // username without "@", if the platform has one
	SenderLabel      string    // display name, for logging and agent context only
	ChatID           int64     // platform chat identifier
	Kind             ChatKind  // dm | group | other
	MessageID        int       // platform message ID, for reply threading and reactions
	Text             string    // message text
	Caption          string    // media caption, used when Text is empty
	MentionedHandles []string  // handles mentioned in the message, without "@"
	IsReplyToBot     bool      // message replies to one of the bot's own messages
	Attachments      []AttachmentRef
	Timestamp        time.Time
}

// Body returns the usable text of the event: the text if present,
// otherwise the media caption.
func (e InboundEvent) Body() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Caption
}

// AttachmentRef points at a piece of media held by the transport.
// Resolution to a local file is the AttachmentResolver's job.
type AttachmentRef struct {
	ID       string // platform file identifier
	Kind     string // "image", "document", ...
	MimeType string
	SizeHint int64 // size reported by the platform, 0 if unknown
}

// ChannelDescriptor describes where a conversation lives. It is carried for
// logging and agent context; routing uses the conversation key instead.
type ChannelDescriptor struct {
	Type        string // transport name
	ID          string // scoped identifier, e.g. "dm:12345" or "group:-100987"
	DisplayName string
}
