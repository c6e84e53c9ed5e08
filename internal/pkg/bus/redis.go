package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisBus maps each event to the pub/sub channel <prefix><event>.
type RedisBus struct {
	client    *redis.Client
	prefix    string
	ownClient bool

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus uses client for pub/sub. When ownClient is set Close also
// closes the client.
func NewRedisBus(client *redis.Client, prefix string, ownClient bool) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, ownClient: ownClient}
}

func (b *RedisBus) channel(event string) string {
	return b.prefix + event
}

func (b *RedisBus) Publish(ctx context.Context, event string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(event), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", event, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, event string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ps := b.client.Subscribe(ctx, b.channel(event))
	// Wait for the subscription to be confirmed before returning.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis subscribe %s: %w", event, err)
	}
	b.subs = append(b.subs, ps)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ps.Channel() {
			msg, err := decode(event, []byte(m.Payload))
			if err != nil {
				log.Warnf("[Bus] Dropping undecodable message on %s: %v", m.Channel, err)
				continue
			}
			if err := h(context.Background(), msg); err != nil {
				log.Errorf("[Bus] Handler for %s failed: %v", event, err)
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, ps := range subs {
		_ = ps.Close()
	}
	b.wg.Wait()

	if b.ownClient {
		return b.client.Close()
	}
	return nil
}
