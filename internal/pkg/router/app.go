package router

import (
	"fmt"
	"net"
	"strconv"

	"github.com/ManuelReschke/paymentsync/internal/pkg/cache"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	redisstorage "github.com/gofiber/storage/redis"
)

// Limiter counters live in their own Redis database.
const limiterRedisDB = 3

// AppConfig controls the fiber application around the payment routes.
type AppConfig struct {
	BodyLimit       int
	MetricsUser     string
	MetricsPassword string
}

// NewApplication builds the fiber app with recovery, access logging and
// the /metrics monitor, then installs the given routers.
func NewApplication(cfg AppConfig, routers ...Router) *fiber.App {
	bodyLimit := cfg.BodyLimit
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	app := fiber.New(fiber.Config{
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	// recovery and logging
	app.Use(fiberrecover.New(), logger.New())

	// fiber metrics
	if cfg.MetricsUser != "" {
		app.Get("/metrics", basicauth.New(basicauth.Config{
			Users: map[string]string{
				cfg.MetricsUser: cfg.MetricsPassword,
			},
		}), monitor.New())
	} else {
		app.Get("/metrics", monitor.New())
	}

	InstallRouter(app, routers...)
	return app
}

// NewRedisLimiterStorage shares the limiter counters between instances
// through the cache Redis. The storage driver panics when Redis is
// unreachable, which is returned as an error here.
func NewRedisLimiterStorage() (storage fiber.Storage, err error) {
	defer func() {
		if r := recover(); r != nil {
			storage, err = nil, fmt.Errorf("redis limiter storage: %v", r)
		}
	}()

	opts := cache.Options()
	host, port := "127.0.0.1", 6379
	if opts.Addr != "" {
		if h, p, splitErr := net.SplitHostPort(opts.Addr); splitErr == nil {
			host = h
			if parsed, e := strconv.Atoi(p); e == nil {
				port = parsed
			}
		} else {
			host = opts.Addr
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Username: opts.Username,
		Password: opts.Password,
		Database: limiterRedisDB,
		Reset:    false,
	}), nil
}
