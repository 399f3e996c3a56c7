package bus

import (
	"testing"
	"time"

	"chatrelay/internal/domain"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	b.Publish(domain.InboundEvent{Transport: "telegram", SenderID: "1", Text: "hello"})

	select {
	case ev := <-b.Subscribe():
		if ev.Transport != "telegram" || ev.Text != "hello" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New(10, nil)
	defer b.Close()

	for _, text := range []string{"a", "b", "c"} {
		b.Publish(domain.InboundEvent{Text: text})
	}
	for _, want := range []string{"a", "b", "c"} {
		ev := <-b.Subscribe()
		if ev.Text != want {
			t.Errorf("got %q, want %q", ev.Text, want)
		}
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New(10, nil)
	b.Close()
	// Must not panic on the closed channel.
	b.Publish(domain.InboundEvent{Text: "late"})
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(10, nil)
	b.Close()
	b.Close()
}

func TestSubscribeDrainsAfterClose(t *testing.T) {
	b := New(10, nil)
	b.Publish(domain.InboundEvent{Text: "queued"})
	b.Close()

	ev, ok := <-b.Subscribe()
	if !ok || ev.Text != "queued" {
		t.Errorf("queued event lost on close: %+v ok=%v", ev, ok)
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Error("channel should be closed after drain")
	}
}
