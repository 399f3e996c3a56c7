package domain

import "context"

// AttachmentResolver downloads transport media to local files, enforcing a
// size ceiling. Implementations live with their transport adapter.
type AttachmentResolver interface {
	// Resolve returns the local path of the downloaded attachment.
	// Fails with ErrAttachmentTooLarge or ErrAttachmentDownload.
	Resolve(ctx context.Context, ref AttachmentRef, maxBytes int64) (string, error)
}
