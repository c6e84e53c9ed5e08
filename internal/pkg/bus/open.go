package bus

import (
	"fmt"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// Transports accepted by Open.
const (
	TransportRedis  = "redis"
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Open connects to the bus of one downstream system. An empty transport
// means redis using the shared cache settings.
func Open(sys models.SystemURL) (Bus, error) {
	switch sys.Transport {
	case TransportRedis, "":
		opts := cache.Options()
		if sys.Address != "" {
			opts = &redis.Options{Addr: sys.Address, Password: sys.Password}
		}
		return NewRedisBus(cache.NewClient(opts), sys.Prefix, true), nil
	case TransportNATS:
		url := sys.Address
		if url == "" {
			url = "nats://127.0.0.1:4222"
		}
		return DialNATS(url, sys.Prefix)
	case TransportMemory:
		return NewMemoryBus(), nil
	}
	return nil, fmt.Errorf("unknown bus transport %q for %s", sys.Transport, sys.ExternalURL)
}
