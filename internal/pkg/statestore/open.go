package statestore

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/paymentsync/internal/pkg/cache"
	"github.com/ManuelReschke/paymentsync/internal/pkg/database"
	"github.com/gofiber/fiber/v2/log"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string `validate:"oneof=file redis mysql s3 memory"`
	Dir         string
	RedisPrefix string
	S3          S3Config
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(dir)
	case BackendRedis:
		return NewRedisStore(cache.GetClient(), cfg.RedisPrefix), nil
	case BackendMySQL:
		db, err := database.SetupDatabase()
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		return NewGormStore(db), nil
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendMemory:
		log.Warn("[StateStore] Using in-memory state, nothing survives a restart")
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
}
