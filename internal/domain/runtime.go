package domain

import "context"

// SubmitRequest is a normalized message handed to the agent runtime.
type SubmitRequest struct {
	SessionKey  string
	Text        string
	SenderLabel string
	Channel     ChannelDescriptor
	Images      []string // local paths of resolved image attachments

	// OnFragment receives incremental slices of the response as they are
	// generated, zero or more times, before Submit returns. It must be
	// registered before the request is issued so no fragment is lost, and it
	// must not block.
	OnFragment func(text string)
}

// AgentRuntime is the session backend the relay forwards messages to.
// Submit blocks until the full response is available and returns it;
// fragments may have been delivered through OnFragment along the way.
type AgentRuntime interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
}

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role    string // "user" | "assistant"
	Content string
}

// ChatBackend is a streaming chat model endpoint. The agent runtime client
// composes one of these with a transcript store to form an AgentRuntime.
type ChatBackend interface {
	Name() string

	// Stream sends the conversation and returns the complete response text,
	// invoking onToken for each incremental piece as it arrives.
	Stream(ctx context.Context, system string, turns []Turn, images []string, onToken func(string)) (string, error)
}
