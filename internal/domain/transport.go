package domain

import "context"

// EditResult classifies the outcome of an edit call.
type EditResult int

const (
	EditOK EditResult = iota
	// EditUnchanged means the platform reported the new text is identical to
	// what the message already shows. Not an error.
	EditUnchanged
	EditFailed
)

// Control is a single interactive button carried on an outbound message.
type Control struct {
	Label string
	Data  string // callback payload
}

// ControlRow is one row of interactive controls.
type ControlRow []Control

// SendOptions carries optional delivery metadata. Reply threading applies
// only to the first message of a chunked response; controls only to the last.
type SendOptions struct {
	ReplyTo  int          // message ID to reply to; 0 = no threading
	Controls []ControlRow // inline controls; nil = none
}

// Transport is the delivery gateway to a chat platform. Implementations wrap
// the platform SDK; callers treat every method as a network call that may
// block until ctx is done.
type Transport interface {
	Name() string

	// Send posts a new message and returns its platform message ID.
	Send(ctx context.Context, chatID int64, text string, opts *SendOptions) (int, error)

	// Edit replaces the text of an existing message. A platform report that
	// the content is unchanged yields (EditUnchanged, nil).
	Edit(ctx context.Context, chatID int64, messageID int, text string) (EditResult, error)

	// React attaches an emoji reaction to a message. Best effort: failures
	// are returned for logging but never affect delivery.
	React(ctx context.Context, chatID int64, messageID int, emoji string) error
}

// TypingTransport is an optional extension for platforms with a typing
// indicator.
type TypingTransport interface {
	Transport
	Typing(ctx context.Context, chatID int64) error
}
