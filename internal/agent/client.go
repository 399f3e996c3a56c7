// Package agent turns a streaming chat backend plus a transcript store into
// the session runtime the relay submits messages to.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

const baseSystemPrompt = `You are a helpful assistant reachable over chat.
Answer concisely; chat messages have a hard size limit and long answers get
split. Plain text or light Markdown only.`

// Client implements domain.AgentRuntime over a domain.ChatBackend.
type Client struct {
	backend      domain.ChatBackend
	store        domain.TranscriptStore
	logger       *slog.Logger
	extraPrompt  string
	historyLimit int
}

// Config for NewClient.
type Config struct {
	Backend      domain.ChatBackend
	Store        domain.TranscriptStore // optional; nil disables history
	Logger       *slog.Logger
	ExtraPrompt  string // appended to the system prompt
	HistoryLimit int    // turns loaded per submit; 0 = default 40
}

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	return &Client{
		backend:      cfg.Backend,
		store:        cfg.Store,
		logger:       cfg.Logger,
		extraPrompt:  cfg.ExtraPrompt,
		historyLimit: cfg.HistoryLimit,
	}
}

// Submit loads the conversation history, streams the backend response through
// req.OnFragment, persists both sides of the exchange, and returns the
// complete response text.
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (string, error) {
	start := time.Now()

	var turns []domain.Turn
	if c.store != nil {
		var err error
		turns, err = c.store.History(ctx, req.SessionKey, c.historyLimit)
		if err != nil {
			// A broken store degrades to a stateless exchange.
			c.logger.Warn("history load failed", "session", req.SessionKey, "err", err)
			turns = nil
		}
	}
	turns = append(turns, domain.Turn{Role: "user", Content: req.Text})

	reply, err := c.backend.Stream(ctx, c.systemPrompt(req), turns, req.Images, func(tok string) {
		if req.OnFragment != nil {
			req.OnFragment(tok)
		}
	})
	if err != nil {
		return "", classify(err)
	}

	if c.store != nil {
		if err := c.store.Append(ctx, req.SessionKey, domain.Turn{Role: "user", Content: req.Text}); err != nil {
			c.logger.Warn("transcript append failed", "session", req.SessionKey, "err", err)
		} else if err := c.store.Append(ctx, req.SessionKey, domain.Turn{Role: "assistant", Content: reply}); err != nil {
			c.logger.Warn("transcript append failed", "session", req.SessionKey, "err", err)
		}
	}

	c.logger.Debug("agent exchange complete",
		"session", req.SessionKey,
		"backend", c.backend.Name(),
		"duration", time.Since(start),
		"reply_len", len(reply),
	)
	return reply, nil
}

// Reset drops the stored transcript for a session.
func (c *Client) Reset(ctx context.Context, sessionKey string) error {
	if c.store == nil {
		return nil
	}
	return c.store.DeleteConversation(ctx, sessionKey)
}

func (c *Client) systemPrompt(req domain.SubmitRequest) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)
	fmt.Fprintf(&sb, "\n\nYou are talking to %s via %s (%s).",
		orUnknown(req.SenderLabel), req.Channel.Type, req.Channel.ID)
	if req.Channel.DisplayName != "" && req.Channel.DisplayName != req.SenderLabel {
		fmt.Fprintf(&sb, " Channel: %s.", req.Channel.DisplayName)
	}
	if c.extraPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(c.extraPrompt)
	}
	return sb.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "an unidentified user"
	}
	return s
}

// classify maps transport-level failures to ErrAgentUnavailable so callers
// can distinguish "backend unreachable" from a rejected request.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrAgentUnavailable, err)
	}
	msg := err.Error()
	for _, hint := range []string{"connection refused", "no such host", "connection reset", "EOF"} {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", domain.ErrAgentUnavailable, err)
		}
	}
	return err
}
