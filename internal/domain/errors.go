package domain

import "errors"

// Error taxonomy for the delivery pipeline. Attachment failures produce a
// specific user message; agent and delivery failures reaching the user get a
// generic one. Policy rejections and empty events are silent drops and carry
// no sentinel.
var (
	// ErrAttachmentTooLarge: resolver refused the download for size.
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")

	// ErrAttachmentDownload: resolver could not fetch the media.
	ErrAttachmentDownload = errors.New("attachment download failed")

	// ErrAgentUnavailable: the agent runtime could not be reached at all.
	ErrAgentUnavailable = errors.New("agent runtime unavailable")

	// ErrDeliveryFailed: a top-level transport send failed mid-sequence; the
	// event is fatal. Failures inside a stream are reported through
	// NeedsFallback instead.
	ErrDeliveryFailed = errors.New("message delivery failed")
)
