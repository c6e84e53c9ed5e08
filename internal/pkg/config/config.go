// Package config assembles the payment service options from the
// environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
	"github.com/ManuelReschke/paymentsync/internal/pkg/billing"
	"github.com/ManuelReschke/paymentsync/internal/pkg/env"
	"github.com/ManuelReschke/paymentsync/internal/pkg/statestore"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAppPort       = "4000"
	DefaultSweepInterval = 5 * time.Minute
	DefaultNATSURL       = "nats://127.0.0.1:4222"
)

// PaymentOptions is everything the process needs to wire the service.
type PaymentOptions struct {
	AppHost string
	AppPort string `validate:"required,numeric"`

	PaymentServerURL string             `validate:"omitempty,url"`
	WebhookSecret    string
	Products         []models.Product   `validate:"dive"`
	Systems          []models.SystemURL `validate:"dive"`

	SweepInterval       time.Duration `validate:"gt=0"`
	SweepItemDelay      time.Duration `validate:"gte=0"`
	RetryAlertThreshold int           `validate:"gte=1"`

	State statestore.Config `validate:"-"`
}

// fileConfig is the layout of PAYMENT_CONFIG_FILE.
type fileConfig struct {
	PaymentServerURL string             `yaml:"paymentServerUrl"`
	Products         []models.Product   `yaml:"products"`
	Systems          []models.SystemURL `yaml:"systems"`
}

var validate = validator.New()

// Load reads the YAML file named by PAYMENT_CONFIG_FILE (if any), applies
// environment overrides and validates the result. On error the returned
// options are Fallback().
func Load() (PaymentOptions, error) {
	opts, err := load()
	if err != nil {
		return Fallback(), err
	}
	return opts, nil
}

// Fallback is the degraded configuration used when Load fails: the HTTP and
// sweep settings from the environment, in-memory state, no products and no
// downstream systems.
func Fallback() PaymentOptions {
	opts := fromEnv()
	opts.State = statestore.Config{Backend: statestore.BackendMemory}
	if validate.Var(opts.AppPort, "required,numeric") != nil {
		opts.AppPort = DefaultAppPort
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SweepItemDelay < 0 {
		opts.SweepItemDelay = 0
	}
	if opts.RetryAlertThreshold < 1 {
		opts.RetryAlertThreshold = billing.DefaultRetryAlertThreshold
	}
	return opts
}

func fromEnv() PaymentOptions {
	return PaymentOptions{
		AppHost:             env.GetEnv("APP_HOST", "0.0.0.0"),
		AppPort:             env.GetEnv("APP_PORT", DefaultAppPort),
		WebhookSecret:       env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		SweepInterval:       env.GetEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepItemDelay:      env.GetEnvDuration("SWEEP_ITEM_DELAY", billing.DefaultSweepItemDelay),
		RetryAlertThreshold: env.GetEnvInt("RETRY_ALERT_THRESHOLD", billing.DefaultRetryAlertThreshold),
	}
}

func load() (PaymentOptions, error) {
	opts := fromEnv()
	opts.State = statestore.Config{
		Backend:     env.GetEnv("STATE_BACKEND", statestore.BackendFile),
		Dir:         env.GetEnv("STATE_DIR", "data"),
		RedisPrefix: env.GetEnv("STATE_REDIS_PREFIX", ""),
	}
	if opts.State.Backend == statestore.BackendS3 {
		opts.State.S3 = statestore.LoadS3Config()
	}

	if path := env.GetEnv("PAYMENT_CONFIG_FILE", ""); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return PaymentOptions{}, err
		}
		opts.PaymentServerURL = fc.PaymentServerURL
		opts.Products = fc.Products
		opts.Systems = fc.Systems
	}
	if v := env.GetEnv("PAYMENT_SERVER_URL", ""); v != "" {
		opts.PaymentServerURL = v
	}
	if v := env.GetEnv("SYSTEM_URLS", ""); v != "" {
		opts.Systems = append(opts.Systems, parseSystemURLs(v)...)
	}
	applyTransportDefaults(opts.Systems, env.GetEnv("BUS_TRANSPORT", ""), env.GetEnv("NATS_URL", DefaultNATSURL))

	if err := opts.Validate(); err != nil {
		return PaymentOptions{}, err
	}
	if len(opts.Products) == 0 {
		log.Warn("[Config] No products configured, every subscription event will fail until products are added")
	} else if _, ok := models.FindProductByPrice(opts.Products, models.FreePriceID); !ok {
		log.Warnf("[Config] No product with price id %q, subscription deletions cannot be reconciled", models.FreePriceID)
	}
	if opts.WebhookSecret == "" {
		log.Warn("[Config] STRIPE_WEBHOOK_SECRET is empty, every webhook will be rejected")
	}
	return opts, nil
}

// Validate checks struct tags plus uniqueness of price ids and system urls.
func (o PaymentOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid payment options: %w", err)
	}
	var errs []error
	if err := validate.Var(o.State.Backend, "oneof=file redis mysql s3 memory"); err != nil {
		errs = append(errs, fmt.Errorf("unknown state backend %q", o.State.Backend))
	}
	if o.State.Backend == statestore.BackendS3 {
		if err := validate.Struct(o.State.S3); err != nil {
			errs = append(errs, fmt.Errorf("s3 state backend: %w", err))
		}
	}
	prices := map[string]bool{}
	for _, p := range o.Products {
		if prices[p.PriceID] {
			errs = append(errs, fmt.Errorf("duplicate price id %q", p.PriceID))
		}
		prices[p.PriceID] = true
	}
	urls := map[string]bool{}
	for _, s := range o.Systems {
		if urls[s.ExternalURL] {
			errs = append(errs, fmt.Errorf("duplicate system %q", s.ExternalURL))
		}
		urls[s.ExternalURL] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid payment options: %w", err)
	}
	return nil
}

// BillingOptions converts to the options of the billing service.
func (o PaymentOptions) BillingOptions() billing.Options {
	return billing.Options{
		Products:            o.Products,
		PaymentServerURL:    o.PaymentServerURL,
		SweepItemDelay:      o.SweepItemDelay,
		RetryAlertThreshold: o.RetryAlertThreshold,
		WebhookSecret:       o.WebhookSecret,
	}
}

// ListenAddr is host:port for the HTTP server.
func (o PaymentOptions) ListenAddr() string {
	return o.AppHost + ":" + o.AppPort
}

func readFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// parseSystemURLs reads a comma separated list of external urls.
func parseSystemURLs(raw string) []models.SystemURL {
	var out []models.SystemURL
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, models.SystemURL{ExternalURL: part})
		}
	}
	return out
}

func applyTransportDefaults(systems []models.SystemURL, transport, natsURL string) {
	for i := range systems {
		if systems[i].Transport == "" {
			systems[i].Transport = transport
		}
		if systems[i].Transport == "nats" && systems[i].Address == "" {
			systems[i].Address = natsURL
		}
	}
}
