package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/paymentsync/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

var client *redis.Client

// Options returns the redis options described by the CACHE_* variables.
func Options() *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	}
}

// NewClient creates a client for addr and logs whether it is reachable.
// An unreachable server is not an error; go-redis reconnects on use.
func NewClient(opts *redis.Options) *redis.Client {
	c := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Could not connect to redis at %s: %v", opts.Addr, err)
	} else {
		log.Infof("[Cache] Connected to redis at %s", opts.Addr)
	}
	return c
}

// SetupCache initializes the shared client from the environment.
func SetupCache() {
	client = NewClient(Options())
}

// GetClient returns the shared client, creating it on first use.
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client.
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}
