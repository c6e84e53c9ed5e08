package router

import (
	"time"

	"github.com/ManuelReschke/paymentsync/app/controllers"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

const (
	DefaultWebhookRateLimit  = 300
	DefaultWebhookRateWindow = time.Minute
)

type PaymentRouter struct {
	controller *controllers.PaymentController
	// Limiter state. Nil keeps it in process memory.
	storage    fiber.Storage
	rateLimit  int
	rateWindow time.Duration
}

func (h PaymentRouter) InstallRouter(app *fiber.App) {
	app.Post("/webhook", limiter.New(limiter.Config{
		Max:        h.rateLimit,
		Expiration: h.rateWindow,
		Storage:    h.storage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}), h.controller.HandleWebhook)
	app.Get("/health", h.controller.HandleHealth)
}

func NewPaymentRouter(pc *controllers.PaymentController, storage fiber.Storage, rateLimit int, rateWindow time.Duration) *PaymentRouter {
	if rateLimit <= 0 {
		rateLimit = DefaultWebhookRateLimit
	}
	if rateWindow <= 0 {
		rateWindow = DefaultWebhookRateWindow
	}
	return &PaymentRouter{controller: pc, storage: storage, rateLimit: rateLimit, rateWindow: rateWindow}
}
