package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/nats-io/nats.go"
)

// NATSBus maps each event to the subject <prefix><event>.
type NATSBus struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ Bus = (*NATSBus)(nil)

// DialNATS connects to url, retrying in the background when the server is
// not up yet.
func DialNATS(url, prefix string) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("paymentsync"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("[Bus] NATS disconnected from %s: %v", url, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("[Bus] NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return NewNATSBus(nc, prefix), nil
}

func NewNATSBus(nc *nats.Conn, prefix string) *NATSBus {
	return &NATSBus{conn: nc, prefix: prefix}
}

func (b *NATSBus) subject(event string) string {
	return b.prefix + event
}

func (b *NATSBus) Publish(_ context.Context, event string, payload any) error {
	if b.conn.IsClosed() {
		return ErrClosed
	}
	data, err := encode(event, payload)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject(event), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", event, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, event string, h Handler) error {
	sub, err := b.conn.Subscribe(b.subject(event), func(m *nats.Msg) {
		msg, err := decode(event, m.Data)
		if err != nil {
			log.Warnf("[Bus] Dropping undecodable message on %s: %v", m.Subject, err)
			return
		}
		if err := h(context.Background(), msg); err != nil {
			log.Errorf("[Bus] Handler for %s failed: %v", event, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", event, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Close drains subscriptions so in-flight handlers finish, then closes.
func (b *NATSBus) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	err := b.conn.Drain()
	if err != nil {
		b.conn.Close()
	}
	return err
}
