// Package stream renders a live agent response into a single outbound chat
// message, editing it in place on a fixed cadence, and enforces at most one
// live stream per conversation through a sequence-guarded registry.
package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/internal/domain"
)

const (
	// DefaultInterval bounds edits to ~30 per minute, inside Telegram's
	// documented per-chat limit.
	DefaultInterval = 2 * time.Second

	// TruncationMarker is appended when the live display is cut at the
	// message size limit. It never appears in final batch sends.
	TruncationMarker = "…"

	// finalizeRetries bounds how long Finalize waits for an in-flight flush
	// to settle before giving up on the closing edit.
	finalizeRetries   = 20
	finalizeRetryWait = 50 * time.Millisecond
)

// SessionConfig carries everything a Session needs to drive one outbound
// message.
type SessionConfig struct {
	Transport domain.Transport
	ChatID    int64
	ReplyTo   int           // threads the first send; 0 = none
	Limit     int           // single-message display limit in runes
	Interval  time.Duration // flush cadence; 0 = DefaultInterval
	Logger    *slog.Logger
	OnFlush   func(d time.Duration) // optional flush latency observer
}

// Session owns the lifecycle of one streamed outbound message: it buffers
// fragments, flushes them into a send-then-edit sequence on a timer, and
// reports whether the caller must fall back to a complete batch send.
//
// Append never blocks on transport I/O; flushes happen on the timer
// goroutine, one at a time.
type Session struct {
	cfg  SessionConfig
	base context.Context

	mu        sync.Mutex
	pending   []string
	buf       strings.Builder
	msgID     int
	flushing  bool
	failed    bool // sticky: set on any send/edit failure
	finalized bool
	cancelled bool
	shown     int  // runes of the body currently displayed
	truncated bool // display was cut with the marker

	stopOnce sync.Once
	ticker   *time.Ticker
	done     chan struct{}
}

// NewSession creates a session and starts its flush timer immediately.
func NewSession(ctx context.Context, cfg SessionConfig) *Session {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		base:   ctx,
		ticker: time.NewTicker(cfg.Interval),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.flush()
		case <-s.base.Done():
			s.stopTimer()
			return
		}
	}
}

// Append enqueues a response fragment. No-op once the session is finalized
// or cancelled.
func (s *Session) Append(fragment string) {
	if fragment == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized || s.cancelled {
		return
	}
	s.pending = append(s.pending, fragment)
}

// Cancel stops the timer and marks the session dead. Content already shown
// to the user stays; nothing further is delivered.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.stopTimer()
}

// Finalize stops the timer, drains whatever is still pending, performs one
// closing edit with the complete text (unless a prior failure made edits
// pointless), and returns the full accumulated text regardless of delivery
// outcome.
func (s *Session) Finalize() string {
	s.stopTimer()

	// Let an in-flight flush settle, bounded rather than unbounded.
	for i := 0; i < finalizeRetries; i++ {
		s.mu.Lock()
		if !s.flushing {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		time.Sleep(finalizeRetryWait)
	}

	s.mu.Lock()
	for _, f := range s.pending {
		s.buf.WriteString(f)
	}
	s.pending = nil
	s.finalized = true
	full := s.buf.String()
	msgID := s.msgID
	failed := s.failed
	cancelled := s.cancelled
	shownBefore := s.shown
	s.mu.Unlock()

	if cancelled || failed || msgID == 0 {
		return full
	}

	display, shown, truncated := truncate(full, s.cfg.Limit)
	if shown == shownBefore && !truncated {
		// Closing edit would be a no-op.
		return full
	}
	res, err := s.cfg.Transport.Edit(s.base, s.cfg.ChatID, msgID, display)
	s.mu.Lock()
	if err != nil && res != domain.EditUnchanged {
		s.failed = true
	} else {
		s.shown = shown
		s.truncated = truncated
	}
	s.mu.Unlock()
	if err != nil && res != domain.EditUnchanged {
		s.cfg.Logger.Warn("closing edit failed, falling back to batch send",
			"chat", s.cfg.ChatID, "message", msgID, "err", err)
	}
	return full
}

// Started reports whether the session ever got an outbound message on the
// wire.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgID != 0
}

// MessageID returns the outbound message handle, 0 if none exists yet.
func (s *Session) MessageID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgID
}

// NeedsFallback reports whether a send or edit failed, meaning the complete
// response must be delivered as a batch send instead.
func (s *Session) NeedsFallback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Cancelled reports whether the session was superseded or shut down.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Truncated reports whether the live display was cut at the size limit.
func (s *Session) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// ShownRunes returns how many runes of the response body the live message
// displays (excluding the truncation marker).
func (s *Session) ShownRunes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown
}

func (s *Session) stopTimer() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
}

// flush drains pending fragments into the buffer and pushes the result to
// the transport: a send if no outbound message exists yet, an edit
// otherwise. Only one flush executes at a time; overlapping ticks are
// skipped, as are all ticks after a failure.
func (s *Session) flush() {
	s.mu.Lock()
	if s.finalized || s.cancelled || s.failed || s.flushing || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for _, f := range s.pending {
		s.buf.WriteString(f)
	}
	s.pending = nil
	text := s.buf.String()
	msgID := s.msgID
	s.mu.Unlock()

	start := time.Now()
	display, shown, truncated := truncate(text, s.cfg.Limit)

	var err error
	var res domain.EditResult
	newID := msgID
	if msgID == 0 {
		var opts *domain.SendOptions
		if s.cfg.ReplyTo != 0 {
			opts = &domain.SendOptions{ReplyTo: s.cfg.ReplyTo}
		}
		newID, err = s.cfg.Transport.Send(s.base, s.cfg.ChatID, display, opts)
	} else {
		res, err = s.cfg.Transport.Edit(s.base, s.cfg.ChatID, msgID, display)
	}

	s.mu.Lock()
	s.flushing = false
	if err != nil && res != domain.EditUnchanged {
		s.failed = true
	} else {
		s.msgID = newID
		s.shown = shown
		s.truncated = truncated
	}
	s.mu.Unlock()

	if s.cfg.OnFlush != nil {
		s.cfg.OnFlush(time.Since(start))
	}
	if err != nil && res != domain.EditUnchanged {
		s.cfg.Logger.Warn("stream flush failed", "chat", s.cfg.ChatID, "message", msgID, "err", err)
	}
}

// truncate cuts text to fit limit runes including the marker. It returns the
// display text, the number of body runes it shows, and whether it was cut.
// The full buffer is always retained by the caller; only the display shrinks.
func truncate(text string, limit int) (display string, shown int, truncated bool) {
	n := utf8.RuneCountInString(text)
	if n <= limit {
		return text, n, false
	}
	body := limit - utf8.RuneCountInString(TruncationMarker)
	runes := []rune(text)
	return string(runes[:body]) + TruncationMarker, body, true
}
