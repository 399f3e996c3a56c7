// Package relay is the message-delivery pipeline: it consumes normalized
// inbound events from the bus, applies access policy and session routing,
// resolves attachments, invokes the agent runtime, and delivers the reply.
// Delivery is streamed through a live-edited message where the transport
// allows it, chunked batch sends otherwise.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatrelay/internal/access"
	"chatrelay/internal/bus"
	"chatrelay/internal/chunk"
	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
	"chatrelay/internal/stream"
)

const (
	defaultConcurrency   = 5
	defaultSubmitTimeout = 5 * time.Minute
	defaultAttachMax     = int64(10 << 20)

	genericFailureReply = "Sorry, I hit an internal error while answering. Please try again."
	downloadFailedReply = "⚠️ I couldn't download that attachment. Please try sending it again."
	pairingPromptReply  = "🔒 This bot requires pairing before it will answer.\nYour code: %s\nAsk the operator to run: chatrelay pair approve %s"
)

// Binding ties one transport to its policy, resolver, and delivery tuning.
type Binding struct {
	Transport    domain.Transport
	Resolver     domain.AttachmentResolver // may be nil: attachments rejected
	Policy       *access.Evaluator
	BotHandle    string // own handle for group mention gating
	MessageLimit int    // single-message size limit in runes
	Streaming    bool   // live-edited streaming vs batch-only delivery
	EditInterval time.Duration
	AckEmoji     string // reaction sent on accepted events; "" = off
}

// Config wires a Relay.
type Config struct {
	Bus           *bus.Bus
	Runtime       domain.AgentRuntime
	Pairing       *access.PairingService // nil disables the pairing gate
	Logger        *slog.Logger
	Metrics       *metrics.Collector
	Concurrency   int
	SubmitTimeout time.Duration
	AttachMax     int64

	// Reset drops the stored transcript for a session key. nil disables the
	// /reset command.
	Reset func(ctx context.Context, sessionKey string) error
}

// Relay owns the pipeline state: the transport bindings and the stream
// registry. Its lifecycle is tied to Run's context; Close cancels every live
// stream.
type Relay struct {
	bindings      map[string]Binding
	bus           *bus.Bus
	runtime       domain.AgentRuntime
	pairing       *access.PairingService
	registry      *stream.Registry
	logger        *slog.Logger
	metrics       *metrics.Collector
	concurrency   int
	submitTimeout time.Duration
	attachMax     int64
	reset         func(ctx context.Context, sessionKey string) error
}

func New(cfg Config) *Relay {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.AttachMax <= 0 {
		cfg.AttachMax = defaultAttachMax
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	return &Relay{
		bindings:      make(map[string]Binding),
		bus:           cfg.Bus,
		runtime:       cfg.Runtime,
		pairing:       cfg.Pairing,
		registry:      stream.NewRegistry(),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		concurrency:   cfg.Concurrency,
		submitTimeout: cfg.SubmitTimeout,
		attachMax:     cfg.AttachMax,
		reset:         cfg.Reset,
	}
}

// Bind registers a transport binding. Must be called before Run.
func (r *Relay) Bind(name string, b Binding) {
	if b.MessageLimit <= 0 {
		b.MessageLimit = chunk.DefaultLimit
	}
	r.bindings[name] = b
}

// Registry exposes the stream registry, mainly for tests and shutdown
// introspection.
func (r *Relay) Registry() *stream.Registry { return r.registry }

// Run consumes inbound events with bounded concurrency until ctx is done.
// Handling for events in distinct conversations proceeds in parallel; races
// within one conversation are resolved by the registry, not by serializing
// here.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "transports", len(r.bindings), "concurrency", r.concurrency)
	sem := make(chan struct{}, r.concurrency)
	events := r.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case ev, ok := <-events:
			if !ok {
				r.Close()
				return
			}
			sem <- struct{}{}
			go func(ev domain.InboundEvent) {
				defer func() { <-sem }()
				r.HandleEvent(ctx, ev)
			}(ev)
		}
	}
}

// Close cancels every live stream. Content already on screen stays.
func (r *Relay) Close() {
	r.registry.CancelAll()
}

// HandleEvent runs one inbound event through the full pipeline.
func (r *Relay) HandleEvent(ctx context.Context, ev domain.InboundEvent) {
	r.counter("chatrelay_events_total", "Inbound events received", "transport="+ev.Transport).Inc()

	b, ok := r.bindings[ev.Transport]
	if !ok {
		r.logger.Warn("event from unbound transport", "transport", ev.Transport)
		return
	}

	route, ok := routeEvent(ev, b.BotHandle)
	if !ok {
		// Empty event or ungated group chatter. Silent.
		r.counter("chatrelay_events_dropped_total", "Events dropped before processing", "reason=gated").Inc()
		return
	}

	if !b.Policy.Allowed(ev.SenderID, ev.SenderHandle, route.IsGroup) {
		r.counter("chatrelay_policy_rejections_total", "Events rejected by access policy", "transport="+ev.Transport).Inc()
		r.logger.Debug("sender rejected by policy",
			"transport", ev.Transport, "sender", ev.SenderID, "group", route.IsGroup)
		return
	}

	if !route.IsGroup && b.Policy.DMPolicy() == access.PolicyPairing && r.pairing != nil {
		paired, err := r.pairing.IsPaired(ctx, ev.Transport, ev.SenderID)
		if err != nil {
			r.logger.Error("pairing lookup failed", "sender", ev.SenderID, "err", err)
			return
		}
		if !paired {
			code := r.pairing.IssueCode(ctx, ev.Transport, ev.SenderID)
			reply := fmt.Sprintf(pairingPromptReply, code, code)
			if _, err := b.Transport.Send(ctx, ev.ChatID, reply, nil); err != nil {
				r.logger.Error("pairing prompt send failed", "chat", ev.ChatID, "err", err)
			}
			return
		}
	}

	if cmd := strings.TrimSpace(route.Text); cmd == "/reset" || cmd == "/new" {
		r.handleReset(ctx, b, ev, route)
		return
	}

	r.acknowledge(ctx, b, ev)

	images, ok := r.resolveAttachments(ctx, b, ev)
	if !ok {
		return
	}
	if route.Text == "" && len(images) == 0 {
		return
	}

	req := domain.SubmitRequest{
		SessionKey:  route.ConversationKey,
		Text:        route.Text,
		SenderLabel: ev.SenderLabel,
		Channel:     route.Channel,
		Images:      images,
	}

	if b.Streaming {
		r.deliverStreamed(ctx, b, ev, route, req)
	} else {
		r.deliverBatch(ctx, b, ev, route, req)
	}
}

// handleReset cancels any live stream for the conversation and drops its
// stored transcript.
func (r *Relay) handleReset(ctx context.Context, b Binding, ev domain.InboundEvent, route Route) {
	if sess, ok := r.registry.Get(route.ConversationKey); ok {
		sess.Cancel()
	}
	if r.reset == nil {
		r.sendPlain(ctx, b, ev.ChatID, "This deployment does not keep conversation history.")
		return
	}
	if err := r.reset(ctx, route.ConversationKey); err != nil {
		r.logger.Error("conversation reset failed", "session", route.ConversationKey, "err", err)
		r.sendPlain(ctx, b, ev.ChatID, genericFailureReply)
		return
	}
	r.sendPlain(ctx, b, ev.ChatID, "🗑 Conversation cleared. The next message starts fresh.")
}

// acknowledge sends the best-effort ack reaction and typing indicator.
func (r *Relay) acknowledge(ctx context.Context, b Binding, ev domain.InboundEvent) {
	if b.AckEmoji != "" && ev.MessageID != 0 {
		if err := b.Transport.React(ctx, ev.ChatID, ev.MessageID, b.AckEmoji); err != nil {
			r.logger.Debug("ack reaction failed", "chat", ev.ChatID, "err", err)
		}
	}
	if tt, ok := b.Transport.(domain.TypingTransport); ok {
		if err := tt.Typing(ctx, ev.ChatID); err != nil {
			r.logger.Debug("typing indicator failed", "chat", ev.ChatID, "err", err)
		}
	}
}

// resolveAttachments downloads image attachments. A resolver failure stops
// the event with a specific user-visible message; the agent is not invoked.
func (r *Relay) resolveAttachments(ctx context.Context, b Binding, ev domain.InboundEvent) ([]string, bool) {
	var images []string
	for _, ref := range ev.Attachments {
		if ref.Kind != "image" {
			continue
		}
		if b.Resolver == nil {
			r.logger.Warn("attachment received but no resolver bound", "transport", ev.Transport)
			continue
		}
		path, err := b.Resolver.Resolve(ctx, ref, r.attachMax)
		switch {
		case errors.Is(err, domain.ErrAttachmentTooLarge):
			reply := fmt.Sprintf("⚠️ Attachment too large: the limit is %d MB.", r.attachMax/(1<<20))
			r.sendPlain(ctx, b, ev.ChatID, reply)
			return nil, false
		case err != nil:
			r.logger.Warn("attachment resolution failed", "chat", ev.ChatID, "err", err)
			r.sendPlain(ctx, b, ev.ChatID, downloadFailedReply)
			return nil, false
		}
		images = append(images, path)
	}
	return images, true
}

// deliverStreamed drives the live-edit path: a registry-owned stream session
// receives fragments as the agent produces them, and on completion exactly
// one of three things happens: nothing more (stream delivered and fit),
// a full batch resend (edit failure or stream never started), or follow-up
// chunks carrying the overflow beyond the truncated live display.
func (r *Relay) deliverStreamed(ctx context.Context, b Binding, ev domain.InboundEvent, route Route, req domain.SubmitRequest) {
	replyTo := threadTarget(route, ev)
	sess, seq := r.registry.Start(route.ConversationKey, func() *stream.Session {
		return stream.NewSession(ctx, stream.SessionConfig{
			Transport: b.Transport,
			ChatID:    ev.ChatID,
			ReplyTo:   replyTo,
			Limit:     b.MessageLimit,
			Interval:  b.EditInterval,
			Logger:    r.logger,
			OnFlush: func(d time.Duration) {
				r.metrics.Histogram("chatrelay_flush_seconds", "Stream flush latency", "transport="+ev.Transport).Observe(d.Seconds())
			},
		})
	})
	defer r.registry.Clear(route.ConversationKey, seq)

	req.OnFragment = sess.Append
	full, err := r.submit(ctx, req)

	if err != nil {
		_ = sess.Finalize()
		if sess.Started() {
			// The user already sees partial output; a retry or error reply
			// would duplicate or contradict it.
			r.logger.Warn("agent failed after partial stream, suppressing error",
				"session", route.ConversationKey, "err", err)
			return
		}
		r.counter("chatrelay_agent_failures_total", "Agent invocations that failed", "transport="+ev.Transport).Inc()
		r.logger.Error("agent invocation failed", "session", route.ConversationKey, "err", err)
		r.sendPlain(ctx, b, ev.ChatID, genericFailureReply)
		return
	}

	acc := sess.Finalize()
	if full == "" {
		full = acc
	}
	if sess.Cancelled() {
		// Superseded by a newer invocation; delivery belongs to it now.
		return
	}

	switch {
	case !sess.Started() || sess.NeedsFallback():
		if full == "" {
			return
		}
		if sess.NeedsFallback() {
			r.counter("chatrelay_fallback_sends_total", "Streams falling back to batch delivery", "transport="+ev.Transport).Inc()
		}
		opts := &domain.SendOptions{ReplyTo: replyTo}
		if err := chunk.SendAll(ctx, b.Transport, ev.ChatID, full, b.MessageLimit, opts, r.logger); err != nil {
			r.counter("chatrelay_delivery_failures_total", "Top-level delivery failures", "transport="+ev.Transport).Inc()
			r.logger.Error("fallback delivery failed", "chat", ev.ChatID, "err", err)
		}
	case sess.Truncated():
		// The live message stays truncated; the remainder goes out as
		// ordinary follow-ups.
		tail := tailAfter(full, sess.ShownRunes())
		if tail == "" {
			return
		}
		if err := chunk.SendAll(ctx, b.Transport, ev.ChatID, tail, b.MessageLimit, nil, r.logger); err != nil {
			r.counter("chatrelay_delivery_failures_total", "Top-level delivery failures", "transport="+ev.Transport).Inc()
			r.logger.Error("overflow delivery failed", "chat", ev.ChatID, "err", err)
		}
	}
}

// deliverBatch is the non-streaming path: invoke, then chunk-send the
// complete response.
func (r *Relay) deliverBatch(ctx context.Context, b Binding, ev domain.InboundEvent, route Route, req domain.SubmitRequest) {
	full, err := r.submit(ctx, req)
	if err != nil {
		r.counter("chatrelay_agent_failures_total", "Agent invocations that failed", "transport="+ev.Transport).Inc()
		r.logger.Error("agent invocation failed", "session", route.ConversationKey, "err", err)
		r.sendPlain(ctx, b, ev.ChatID, genericFailureReply)
		return
	}
	if full == "" {
		return
	}
	opts := &domain.SendOptions{ReplyTo: threadTarget(route, ev)}
	if err := chunk.SendAll(ctx, b.Transport, ev.ChatID, full, b.MessageLimit, opts, r.logger); err != nil {
		r.counter("chatrelay_delivery_failures_total", "Top-level delivery failures", "transport="+ev.Transport).Inc()
		r.logger.Error("batch delivery failed", "chat", ev.ChatID, "err", err)
	}
}

func (r *Relay) submit(ctx context.Context, req domain.SubmitRequest) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, r.submitTimeout)
	defer cancel()
	return r.runtime.Submit(sctx, req)
}

func (r *Relay) sendPlain(ctx context.Context, b Binding, chatID int64, text string) {
	if _, err := b.Transport.Send(ctx, chatID, text, nil); err != nil {
		r.logger.Error("reply send failed", "chat", chatID, "err", err)
	}
}

func (r *Relay) counter(name, help, labels string) *metrics.Counter {
	return r.metrics.Counter(name, help, labels)
}

// threadTarget picks the message to thread the reply onto: group replies
// thread to the triggering message, DMs go unthreaded.
func threadTarget(route Route, ev domain.InboundEvent) int {
	if route.IsGroup {
		return ev.MessageID
	}
	return 0
}

// tailAfter returns the portion of text beyond the first shown runes.
func tailAfter(text string, shown int) string {
	runes := []rune(text)
	if shown >= len(runes) {
		return ""
	}
	return string(runes[shown:])
}
