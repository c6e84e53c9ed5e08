package bus

import (
	"context"
	"sync"
)

// MemoryBus delivers synchronously inside the process and records every
// publish. It backs tests and single-process setups.
type MemoryBus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	published  []Message
	publishErr error
	closed     bool
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler)}
}

func (b *MemoryBus) Publish(ctx context.Context, event string, payload any) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	msg, err := NewMessage(event, payload)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)
	handlers := append([]Handler(nil), b.handlers[event]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, event string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[event] = append(b.handlers[event], h)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// FailPublishes makes Publish return err until called with nil.
func (b *MemoryBus) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Published returns a copy of all recorded messages.
func (b *MemoryBus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.published...)
}

// PublishedEvents returns the recorded messages for one event.
func (b *MemoryBus) PublishedEvents(event string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Message
	for _, m := range b.published {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Deliver hands msg to the subscribers of its event as if it arrived from
// a remote system.
func (b *MemoryBus) Deliver(ctx context.Context, event string, payload any) error {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
