package billing

import (
	"time"

	"github.com/ManuelReschke/paymentsync/app/models"
)

const (
	DefaultRetryAlertThreshold = 5
	DefaultSweepItemDelay      = 500 * time.Millisecond
)

// Options configures the reconciler.
type Options struct {
	Products         []models.Product
	PaymentServerURL string
	// SweepItemDelay throttles publishes during a sweep.
	SweepItemDelay time.Duration
	// RetryAlertThreshold is the retry count after which a still incomplete
	// transaction is logged as an error on every sweep.
	RetryAlertThreshold int
	// WebhookSecret is the Stripe endpoint signing secret.
	WebhookSecret      string
	SignatureTolerance time.Duration
	Now                func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SweepItemDelay < 0 {
		o.SweepItemDelay = 0
	}
	if o.RetryAlertThreshold <= 0 {
		o.RetryAlertThreshold = DefaultRetryAlertThreshold
	}
	if o.SignatureTolerance == 0 {
		o.SignatureTolerance = DefaultSignatureTolerance
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	Attempted int
	Published int
	Failed    int
	Escalated int
}

// Stats is the health view of the reconciler.
type Stats struct {
	Transactions int      `json:"transactions"`
	Incomplete   int      `json:"incomplete"`
	Users        int      `json:"registeredUsers"`
	Systems      []string `json:"systems"`
	Products     int      `json:"products"`
}
