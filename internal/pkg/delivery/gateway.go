// Package delivery routes outbound events to the bus of the downstream
// system that owns a user.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuelReschke/paymentsync/internal/pkg/bus"
	"github.com/gofiber/fiber/v2/log"
)

// ErrUnknownExternalURL is returned when no connection is registered for
// the requested external URL.
var ErrUnknownExternalURL = errors.New("no downstream system registered for external url")

// Gateway fans events out to downstream systems.
type Gateway interface {
	// Publish sends to the one system whose URL equals externalURL exactly.
	Publish(ctx context.Context, externalURL, event string, payload any) error
	// Broadcast sends to every system and joins the failures.
	Broadcast(ctx context.Context, event string, payload any) error
	// Systems lists the registered external URLs.
	Systems() []string
	Close() error
}

// Connection binds one downstream system to its bus.
type Connection struct {
	ExternalURL string
	Bus         bus.Bus
}

// BusGateway is the Gateway over one bus per downstream system.
type BusGateway struct {
	mu    sync.RWMutex
	conns []Connection
}

var _ Gateway = (*BusGateway)(nil)

func NewBusGateway(conns ...Connection) *BusGateway {
	return &BusGateway{conns: append([]Connection(nil), conns...)}
}

// Add registers another downstream system. A later registration for the
// same URL replaces the earlier one.
func (g *BusGateway) Add(c Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.conns {
		if g.conns[i].ExternalURL == c.ExternalURL {
			g.conns[i] = c
			return
		}
	}
	g.conns = append(g.conns, c)
}

func (g *BusGateway) lookup(externalURL string) (bus.Bus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		if c.ExternalURL == externalURL {
			return c.Bus, true
		}
	}
	return nil, false
}

func (g *BusGateway) Publish(ctx context.Context, externalURL, event string, payload any) error {
	if externalURL == "" {
		return fmt.Errorf("%w: empty url", ErrUnknownExternalURL)
	}
	b, ok := g.lookup(externalURL)
	if !ok {
		log.Warnf("[Delivery] Could not resolve external url %q for %s", externalURL, event)
		return fmt.Errorf("%w: %s", ErrUnknownExternalURL, externalURL)
	}
	if err := safePublish(ctx, b, event, payload); err != nil {
		log.Errorf("[Delivery] Publish %s to %s failed: %v", event, externalURL, err)
		return err
	}
	return nil
}

func (g *BusGateway) Broadcast(ctx context.Context, event string, payload any) error {
	g.mu.RLock()
	conns := append([]Connection(nil), g.conns...)
	g.mu.RUnlock()

	var errs []error
	for _, c := range conns {
		if err := safePublish(ctx, c.Bus, event, payload); err != nil {
			log.Errorf("[Delivery] Broadcast %s to %s failed: %v", event, c.ExternalURL, err)
			errs = append(errs, fmt.Errorf("%s: %w", c.ExternalURL, err))
		}
	}
	return errors.Join(errs...)
}

func (g *BusGateway) Systems() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	urls := make([]string, 0, len(g.conns))
	for _, c := range g.conns {
		urls = append(urls, c.ExternalURL)
	}
	return urls
}

func (g *BusGateway) Close() error {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ExternalURL, err))
		}
	}
	return errors.Join(errs...)
}

// safePublish turns a transport panic into an error so one broken
// connection cannot take down the sweep.
func safePublish(ctx context.Context, b bus.Bus, event string, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publish %s panicked: %v", event, r)
		}
	}()
	return b.Publish(ctx, event, payload)
}
