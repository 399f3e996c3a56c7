// Package bus carries normalized inbound events from transport adapters to
// the relay. Outbound delivery does not pass through here: the pipeline
// talks to transports directly so streamed edits keep their message handle.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

const publishTimeout = 10 * time.Second

// Bus is a buffered in-process event queue.
type Bus struct {
	inbound chan domain.InboundEvent
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a Bus with the given buffer size (default 100).
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		logger:  logger,
	}
}

// Publish enqueues an event. When the buffer is full it waits up to ten
// seconds before dropping, so a transport hiccup doesn't silently lose
// messages.
func (b *Bus) Publish(ev domain.InboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish to closed bus", "transport", ev.Transport)
		return
	}

	select {
	case b.inbound <- ev:
	default:
		b.logger.Warn("inbound bus full, waiting", "transport", ev.Transport, "sender", ev.SenderID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- ev:
		case <-timer.C:
			b.logger.Error("event dropped: bus full",
				"transport", ev.Transport,
				"sender", ev.SenderID,
			)
		}
	}
}

// Subscribe returns the inbound event channel. The relay is the single
// consumer.
func (b *Bus) Subscribe() <-chan domain.InboundEvent {
	return b.inbound
}

// Close shuts the bus; subsequent publishes are dropped with a warning.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
