package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/access"
	"chatrelay/internal/domain"
)

type sentMsg struct {
	kind string // "send" | "edit"
	text string
	opts *domain.SendOptions
}

type stubTransport struct {
	mu        sync.Mutex
	msgs      []sentMsg
	reactions []string
	nextID    int
	failEdits bool
}

func (s *stubTransport) Name() string { return "telegram" }

func (s *stubTransport) Send(ctx context.Context, chatID int64, text string, opts *domain.SendOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, sentMsg{kind: "send", text: text, opts: opts})
	s.nextID++
	return s.nextID, nil
}

func (s *stubTransport) Edit(ctx context.Context, chatID int64, messageID int, text string) (domain.EditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEdits {
		return domain.EditFailed, errors.New("edit refused")
	}
	s.msgs = append(s.msgs, sentMsg{kind: "edit", text: text})
	return domain.EditOK, nil
}

func (s *stubTransport) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, emoji)
	return nil
}

func (s *stubTransport) snapshot() []sentMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMsg(nil), s.msgs...)
}

// stubRuntime drives OnFragment with the given pieces, pausing so the stream
// session gets a chance to flush between them, then returns the reply.
type stubRuntime struct {
	fragments []string
	reply     string
	err       error
	pause     time.Duration

	mu       sync.Mutex
	requests []domain.SubmitRequest
}

func (s *stubRuntime) Submit(ctx context.Context, req domain.SubmitRequest) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	for _, f := range s.fragments {
		if req.OnFragment != nil {
			req.OnFragment(f)
		}
		if s.pause > 0 {
			time.Sleep(s.pause)
		}
	}
	return s.reply, s.err
}

func (s *stubRuntime) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubRuntime) lastRequest() domain.SubmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// stubResolver returns a fixed path or error for every attachment.
type stubResolver struct {
	path string
	err  error
}

func (s *stubResolver) Resolve(ctx context.Context, ref domain.AttachmentRef, maxBytes int64) (string, error) {
	return s.path, s.err
}

func dmEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		Transport: "telegram",
		SenderID:  "42",
		ChatID:    42,
		Kind:      domain.KindDM,
		MessageID: 7,
		Text:      text,
	}
}

func newTestRelay(t *testing.T, tr domain.Transport, rt domain.AgentRuntime, opts ...func(*Binding)) *Relay {
	t.Helper()
	r := New(Config{Runtime: rt})
	b := Binding{
		Transport:    tr,
		Policy:       access.NewEvaluator("telegram", access.PolicyOpen, access.PolicyOpen, nil, nil),
		MessageLimit: 100,
		Streaming:    true,
		EditInterval: 10 * time.Millisecond,
	}
	for _, o := range opts {
		o(&b)
	}
	r.Bind("telegram", b)
	return r
}

func TestHandleEventStreamedDelivery(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{
		fragments: []string{"Hello ", "world."},
		reply:     "Hello world.",
		pause:     30 * time.Millisecond,
	}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	msgs := tr.snapshot()
	if len(msgs) == 0 {
		t.Fatal("nothing delivered")
	}
	if last := msgs[len(msgs)-1]; last.text != "Hello world." {
		t.Errorf("final visible text = %q", last.text)
	}
	// Delivered and fit: no batch resend after the stream.
	sends := 0
	for _, m := range msgs {
		if m.kind == "send" {
			sends++
		}
	}
	if sends != 1 {
		t.Errorf("expected exactly 1 send, got %d", sends)
	}
	if r.Registry().Len() != 0 {
		t.Error("registry entry leaked")
	}
}

func TestHandleEventFallbackOnEditFailure(t *testing.T) {
	tr := &stubTransport{failEdits: true}
	rt := &stubRuntime{
		fragments: []string{"part one ", "part two ", "part three"},
		reply:     "part one part two part three",
		pause:     30 * time.Millisecond,
	}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	msgs := tr.snapshot()
	var sendTexts []string
	for _, m := range msgs {
		if m.kind == "send" {
			sendTexts = append(sendTexts, m.text)
		}
	}
	if len(sendTexts) < 2 {
		t.Fatalf("expected stream send plus fallback sends, got %v", sendTexts)
	}
	// The fallback resend carries the complete response.
	joined := strings.Join(sendTexts[1:], "")
	if joined != "part one part two part three" {
		t.Errorf("fallback payload = %q", joined)
	}
}

func TestHandleEventBatchWhenStreamNeverStarted(t *testing.T) {
	tr := &stubTransport{}
	// No fragments: the runtime only returns a final reply.
	rt := &stubRuntime{reply: "complete answer"}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	msgs := tr.snapshot()
	if len(msgs) != 1 || msgs[0].kind != "send" || msgs[0].text != "complete answer" {
		t.Errorf("expected one batch send of the reply, got %+v", msgs)
	}
}

func TestHandleEventOverflowTail(t *testing.T) {
	tr := &stubTransport{}
	full := strings.Repeat("Sentence goes here. ", 20) // 400 runes, limit 100
	rt := &stubRuntime{
		fragments: []string{full},
		reply:     full,
		pause:     50 * time.Millisecond,
	}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	msgs := tr.snapshot()
	if len(msgs) < 2 {
		t.Fatalf("expected truncated stream plus tail sends, got %d messages", len(msgs))
	}

	// Reconstruct what the user ultimately sees: the final state of the live
	// message plus the follow-up sends.
	var liveText string
	var tails []string
	for i, m := range msgs {
		switch {
		case i == 0:
			liveText = m.text
		case m.kind == "edit":
			liveText = m.text
		default:
			tails = append(tails, m.text)
		}
	}
	visible := strings.TrimSuffix(liveText, "…") + strings.Join(tails, "")
	if visible != full {
		t.Errorf("reconstructed text mismatch:\nwant %q\ngot  %q", full, visible)
	}
}

func TestHandleEventAgentFailureBeforeOutput(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{err: errors.New("backend down")}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	msgs := tr.snapshot()
	if len(msgs) != 1 || msgs[0].text != genericFailureReply {
		t.Errorf("expected generic failure reply, got %+v", msgs)
	}
}

func TestHandleEventAgentFailureAfterPartialOutputSuppressed(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{
		fragments: []string{"partial answer"},
		err:       errors.New("backend died mid-stream"),
		pause:     50 * time.Millisecond,
	}
	r := newTestRelay(t, tr, rt)

	r.HandleEvent(context.Background(), dmEvent("hi"))

	for _, m := range tr.snapshot() {
		if m.text == genericFailureReply {
			t.Error("error reply sent despite visible partial output")
		}
	}
}

func TestHandleEventPolicyRejectionIsSilent(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "should not run"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.Policy = access.NewEvaluator("telegram", access.PolicyAllowlist, access.PolicyDisabled, []string{"999"}, nil)
	})

	r.HandleEvent(context.Background(), dmEvent("hi"))

	if rt.calls() != 0 {
		t.Error("agent invoked for rejected sender")
	}
	if len(tr.snapshot()) != 0 {
		t.Error("rejected sender received a reply")
	}
}

func imageEvent(text string) domain.InboundEvent {
	ev := dmEvent(text)
	ev.Attachments = []domain.AttachmentRef{{ID: "file1", Kind: "image", MimeType: "image/jpeg"}}
	return ev
}

func TestHandleEventAttachmentTooLarge(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "should not run"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.Resolver = &stubResolver{err: domain.ErrAttachmentTooLarge}
	})

	r.HandleEvent(context.Background(), imageEvent("what is in this picture?"))

	if rt.calls() != 0 {
		t.Error("agent invoked despite rejected attachment")
	}
	msgs := tr.snapshot()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "limit") {
		t.Errorf("expected a size-limit reply, got %+v", msgs)
	}
}

func TestHandleEventAttachmentDownloadFailure(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "should not run"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.Resolver = &stubResolver{err: fmt.Errorf("%w: status 502", domain.ErrAttachmentDownload)}
	})

	r.HandleEvent(context.Background(), imageEvent("what is in this picture?"))

	if rt.calls() != 0 {
		t.Error("agent invoked despite failed download")
	}
	msgs := tr.snapshot()
	if len(msgs) != 1 || msgs[0].text != downloadFailedReply {
		t.Errorf("expected download failure reply, got %+v", msgs)
	}
}

func TestHandleEventAttachmentResolved(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "a cat"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.Resolver = &stubResolver{path: "/tmp/att/file1.jpg"}
		b.Streaming = false
	})

	r.HandleEvent(context.Background(), imageEvent("what is in this picture?"))

	if rt.calls() != 1 {
		t.Fatalf("agent calls = %d", rt.calls())
	}
	req := rt.lastRequest()
	if len(req.Images) != 1 || req.Images[0] != "/tmp/att/file1.jpg" {
		t.Errorf("images = %v, resolved path not forwarded", req.Images)
	}
}

type stubPairingStore struct{ paired bool }

func (s *stubPairingStore) IsPaired(ctx context.Context, transport, userID string) (bool, error) {
	return s.paired, nil
}
func (s *stubPairingStore) SavePairing(ctx context.Context, transport, userID string, expiresAt time.Time) error {
	s.paired = true
	return nil
}
func (s *stubPairingStore) RevokePairing(ctx context.Context, transport, userID string) error {
	s.paired = false
	return nil
}

func TestHandleEventPairingGate(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "should not run"}
	pairing := access.NewPairingService(&stubPairingStore{}, nil, 30, nil)

	r := New(Config{Runtime: rt, Pairing: pairing})
	r.Bind("telegram", Binding{
		Transport:    tr,
		Policy:       access.NewEvaluator("telegram", access.PolicyPairing, access.PolicyDisabled, nil, nil),
		MessageLimit: 100,
	})

	r.HandleEvent(context.Background(), dmEvent("hi"))

	if rt.calls() != 0 {
		t.Error("agent invoked for unpaired sender")
	}
	msgs := tr.snapshot()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "pair approve") {
		t.Errorf("expected pairing prompt, got %+v", msgs)
	}
}

func TestHandleEventAckReaction(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "ok"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.AckEmoji = "👀"
		b.Streaming = false
	})

	r.HandleEvent(context.Background(), dmEvent("hi"))

	if len(tr.reactions) != 1 || tr.reactions[0] != "👀" {
		t.Errorf("reactions = %v", tr.reactions)
	}
}

func TestHandleEventReset(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "should not run"}
	var resetKey string
	r := New(Config{
		Runtime: rt,
		Reset: func(ctx context.Context, key string) error {
			resetKey = key
			return nil
		},
	})
	r.Bind("telegram", Binding{
		Transport:    tr,
		Policy:       access.NewEvaluator("telegram", access.PolicyOpen, access.PolicyOpen, nil, nil),
		MessageLimit: 100,
	})

	r.HandleEvent(context.Background(), dmEvent("/reset"))

	if resetKey != "telegram:dm:42" {
		t.Errorf("reset key = %q", resetKey)
	}
	if rt.calls() != 0 {
		t.Error("agent invoked for /reset")
	}
	msgs := tr.snapshot()
	if len(msgs) != 1 || !strings.Contains(msgs[0].text, "cleared") {
		t.Errorf("expected confirmation, got %+v", msgs)
	}
}

func TestHandleEventGroupReplyThreading(t *testing.T) {
	tr := &stubTransport{}
	rt := &stubRuntime{reply: "answer"}
	r := newTestRelay(t, tr, rt, func(b *Binding) {
		b.Streaming = false
	})

	ev := domain.InboundEvent{
		Transport:    "telegram",
		SenderID:     "1",
		ChatID:       -99,
		Kind:         domain.KindGroup,
		MessageID:    55,
		Text:         "question",
		IsReplyToBot: true,
	}
	r.HandleEvent(context.Background(), ev)

	msgs := tr.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(msgs))
	}
	if msgs[0].opts == nil || msgs[0].opts.ReplyTo != 55 {
		t.Errorf("group reply must thread to the triggering message, opts = %+v", msgs[0].opts)
	}
}
