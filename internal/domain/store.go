package domain

import (
	"context"
	"time"
)

// TranscriptStore persists conversation history per conversation key.
type TranscriptStore interface {
	// History returns up to limit most recent turns, oldest first.
	History(ctx context.Context, key string, limit int) ([]Turn, error)
	Append(ctx context.Context, key string, turn Turn) error
	DeleteConversation(ctx context.Context, key string) error
}

// PairingStore persists the DM pairing trust table.
type PairingStore interface {
	IsPaired(ctx context.Context, transport, userID string) (bool, error)
	SavePairing(ctx context.Context, transport, userID string, expiresAt time.Time) error
	RevokePairing(ctx context.Context, transport, userID string) error
}

// PairingCodeStore persists outstanding one-time pairing codes, so a code
// issued by the running daemon can be approved from a separate CLI process.
type PairingCodeStore interface {
	SaveCode(ctx context.Context, transport, userID, code string, expiresAt time.Time) error
	// CodeFor returns the unexpired code already issued to a sender, if any.
	CodeFor(ctx context.Context, transport, userID string) (string, bool, error)
	// FindCode resolves an unexpired code back to its sender.
	FindCode(ctx context.Context, code string) (transport, userID string, ok bool, err error)
	DeleteCode(ctx context.Context, code string) error
}
