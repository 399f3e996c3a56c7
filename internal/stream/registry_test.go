package stream

import (
	"context"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

type nullTransport struct{}

func (nullTransport) Name() string { return "null" }
func (nullTransport) Send(ctx context.Context, chatID int64, text string, opts *domain.SendOptions) (int, error) {
	return 1, nil
}
func (nullTransport) Edit(ctx context.Context, chatID int64, messageID int, text string) (domain.EditResult, error) {
	return domain.EditOK, nil
}
func (nullTransport) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	return nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(context.Background(), SessionConfig{
		Transport: nullTransport{},
		ChatID:    1,
		Interval:  time.Hour, // never ticks during the test
	})
	t.Cleanup(func() { s.Cancel() })
	return s
}

func TestRegistryStartCancelsPredecessor(t *testing.T) {
	r := NewRegistry()
	first, seq1 := r.Start("k", func() *Session { return newTestSession(t) })
	second, seq2 := r.Start("k", func() *Session { return newTestSession(t) })

	if !first.Cancelled() {
		t.Error("superseded session must be cancelled")
	}
	if second.Cancelled() {
		t.Error("replacement session must not be cancelled")
	}
	if seq2 <= seq1 {
		t.Errorf("sequence numbers must be monotonic: %d then %d", seq1, seq2)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryClearIsSequenceGuarded(t *testing.T) {
	r := NewRegistry()
	_, seq1 := r.Start("k", func() *Session { return newTestSession(t) })
	second, seq2 := r.Start("k", func() *Session { return newTestSession(t) })

	// The first owner finishes late and tries to clear: the newer entry must
	// survive.
	r.Clear("k", seq1)
	got, ok := r.Get("k")
	if !ok || got != second {
		t.Fatal("stale Clear evicted the replacement session")
	}

	r.Clear("k", seq2)
	if _, ok := r.Get("k"); ok {
		t.Error("matching Clear failed to evict")
	}
}

func TestRegistryClearUnknownKeyIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Clear("missing", 1) // must not panic
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryKeysAreIndependent(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Start("a", func() *Session { return newTestSession(t) })
	b, _ := r.Start("b", func() *Session { return newTestSession(t) })
	if a.Cancelled() || b.Cancelled() {
		t.Error("sessions under distinct keys must not cancel each other")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Start("a", func() *Session { return newTestSession(t) })
	b, _ := r.Start("b", func() *Session { return newTestSession(t) })

	r.CancelAll()
	if !a.Cancelled() || !b.Cancelled() {
		t.Error("CancelAll must cancel every live session")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CancelAll, want 0", r.Len())
	}
}

func TestRegistrySequenceMonotonicAcrossKeys(t *testing.T) {
	r := NewRegistry()
	var last uint64
	for _, key := range []string{"a", "b", "a", "c", "b"} {
		_, seq := r.Start(key, func() *Session { return newTestSession(t) })
		if seq <= last {
			t.Fatalf("sequence went from %d to %d", last, seq)
		}
		last = seq
	}
}
