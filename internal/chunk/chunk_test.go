package chunk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"chatrelay/internal/domain"
)

func TestSplitLossless(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
	}{
		{"short", "Hello there.", 100},
		{"two sentences", "First sentence. Second sentence follows!", 20},
		{"many sentences", strings.Repeat("A sentence here. ", 400), 300},
		{"no terminators", strings.Repeat("x", 5000), 4096},
		{"multibyte", strings.Repeat("héllo wörld. ", 500), 257},
		{"ellipsis", "Wait… really? Yes! Fine.", 10},
		{"trailing spaces", "One.   Two.   ", 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.limit)
			if joined := strings.Join(got, ""); joined != tt.text {
				t.Errorf("concatenation mismatch:\nwant %q\ngot  %q", tt.text, joined)
			}
			for i, c := range got {
				if n := utf8.RuneCountInString(c); n > tt.limit {
					t.Errorf("chunk %d has %d runes, limit %d", i, n, tt.limit)
				}
				if c == "" {
					t.Errorf("chunk %d is empty", i)
				}
			}
		})
	}
}

func TestSplitEmpty(t *testing.T) {
	if got := Split("", 100); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}

func TestSplitSingleChunkWithinLimit(t *testing.T) {
	got := Split("fits fine", 100)
	if len(got) != 1 || got[0] != "fits fine" {
		t.Errorf("expected single identical chunk, got %v", got)
	}
}

func TestSplitFiveThousandRunes(t *testing.T) {
	// A response just over the Telegram limit must split into exactly two
	// chunks at a sentence boundary, not mid-word.
	sentence := strings.Repeat("word ", 99) + "word. " // 501 runes
	text := strings.TrimSuffix(strings.Repeat(sentence, 10), " ")
	if utf8.RuneCountInString(text) != 5009 {
		t.Fatalf("test fixture has %d runes", utf8.RuneCountInString(text))
	}

	got := Split(text, 4096)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
	if !strings.HasSuffix(strings.TrimRight(got[0], " "), ".") {
		t.Errorf("first chunk does not end at a sentence boundary: %q", got[0][len(got[0])-20:])
	}
	if strings.Join(got, "") != text {
		t.Error("concatenation mismatch")
	}
}

func TestSplitHardSplitsOversizedSentence(t *testing.T) {
	text := strings.Repeat("a", 250) // no boundary at all
	got := Split(text, 100)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if len(got[0]) != 100 || len(got[1]) != 100 || len(got[2]) != 50 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(got[0]), len(got[1]), len(got[2]))
	}
}

func TestSplitKeepsWhitespaceWithPrecedingSentence(t *testing.T) {
	got := Split("One. Two. Three.", 6)
	for i, c := range got {
		if i > 0 && strings.HasPrefix(c, " ") {
			t.Errorf("chunk %d starts with whitespace: %q", i, c)
		}
	}
}

type recordedSend struct {
	text string
	opts *domain.SendOptions
}

type fakeTransport struct {
	sends  []recordedSend
	nextID int
	fail   bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(ctx context.Context, chatID int64, text string, opts *domain.SendOptions) (int, error) {
	if f.fail {
		return 0, context.DeadlineExceeded
	}
	f.sends = append(f.sends, recordedSend{text: text, opts: opts})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) Edit(ctx context.Context, chatID int64, messageID int, text string) (domain.EditResult, error) {
	return domain.EditOK, nil
}

func (f *fakeTransport) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return nil
}

func TestSendAllThreadingAndControls(t *testing.T) {
	tr := &fakeTransport{}
	opts := &domain.SendOptions{
		ReplyTo:  42,
		Controls: []domain.ControlRow{{{Label: "Retry", Data: "retry"}}},
	}
	text := strings.Repeat("Sentence one here. ", 30) // forces multiple chunks at limit 100

	if err := SendAll(context.Background(), tr, 1, text, 100, opts, nil); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if len(tr.sends) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(tr.sends))
	}

	first := tr.sends[0]
	if first.opts == nil || first.opts.ReplyTo != 42 {
		t.Error("first chunk must carry the reply target")
	}
	if first.opts != nil && len(first.opts.Controls) != 0 {
		t.Error("first chunk must not carry controls")
	}
	last := tr.sends[len(tr.sends)-1]
	if last.opts == nil || len(last.opts.Controls) != 1 {
		t.Error("last chunk must carry the controls")
	}
	if last.opts != nil && last.opts.ReplyTo != 0 {
		t.Error("last chunk must not carry the reply target")
	}
	for _, mid := range tr.sends[1 : len(tr.sends)-1] {
		if mid.opts != nil {
			t.Errorf("middle chunk carries options: %+v", mid.opts)
		}
	}
}

func TestSendAllWrapsDeliveryFailure(t *testing.T) {
	tr := &fakeTransport{fail: true}
	err := SendAll(context.Background(), tr, 1, "does not go out", 100, nil, nil)
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Errorf("SendAll error = %v, want ErrDeliveryFailed", err)
	}
}

func TestSendAllSingleChunkKeepsAllOptions(t *testing.T) {
	tr := &fakeTransport{}
	opts := &domain.SendOptions{
		ReplyTo:  7,
		Controls: []domain.ControlRow{{{Label: "Go", Data: "go"}}},
	}
	if err := SendAll(context.Background(), tr, 1, "short", 100, opts, nil); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if len(tr.sends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(tr.sends))
	}
	got := tr.sends[0].opts
	if got == nil || got.ReplyTo != 7 || len(got.Controls) != 1 {
		t.Errorf("single chunk must keep both reply target and controls, got %+v", got)
	}
}
