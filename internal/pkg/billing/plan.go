package billing

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/paymentsync/app/models"
)

// preparation is what one attempt would publish, plus every precondition
// that is not met yet.
type preparation struct {
	externalURL string
	userInfo    models.UserInfo
	priceID     string
	reasons     []string
}

func (p *preparation) fail(format string, args ...any) {
	p.reasons = append(p.reasons, fmt.Sprintf(format, args...))
}

func (p *preparation) ready() bool {
	return len(p.reasons) == 0
}

func (p *preparation) message() string {
	return strings.Join(p.reasons, "; ")
}

// prepare resolves user, product and target system for tx against the
// current registry. It runs on every attempt so a registry entry that
// arrives late is picked up by the next sweep.
func (s *Service) prepare(tx models.PaymentTransaction) preparation {
	ev := tx.Event
	p := preparation{userInfo: tx.UserInfo, priceID: tx.PriceID}

	var (
		user  models.RegisteredUser
		found bool
	)
	if tx.Kind == models.KindPayment {
		user, found = s.registry.FindByIdentity("", ev.Email, "")
		if !found {
			p.fail("user not found for email %q", ev.Email)
		}
	} else {
		user, found = s.registry.FindByIdentity(ev.UserID, ev.Email, ev.CustomerID)
		if !found {
			p.fail("user not found for customer %q", ev.CustomerID)
		}
	}

	if found {
		p.externalURL = user.ExternalURL
		p.userInfo.UserID = user.UserID
		p.userInfo.Email = user.UserEmail
		p.userInfo.CustomerID = user.CustomerID
		if p.userInfo.CustomerID == "" {
			p.userInfo.CustomerID = ev.CustomerID
		}
		if user.ExternalURL == "" {
			p.fail("external url not set for user %q", user.UserID)
		}
	}

	switch tx.Kind {
	case models.KindUpdate:
		product, ok := models.FindProductByPrice(s.opts.Products, ev.PriceID)
		if !ok {
			p.fail("product not found for price %q", ev.PriceID)
			break
		}
		p.priceID = product.PriceID
		p.userInfo.AccountType = product.ProductName
		p.userInfo.HostLimit = product.HostLimit
		p.userInfo.CancelAt = ev.CancelAt

	case models.KindDelete:
		product, ok := models.FindProductByPrice(s.opts.Products, models.FreePriceID)
		if !ok {
			p.fail("free product %q not configured", models.FreePriceID)
		} else {
			p.priceID = product.PriceID
			p.userInfo.AccountType = product.ProductName
			p.userInfo.HostLimit = product.HostLimit
		}
		p.userInfo.CancelAt = ev.CancelAt
		p.userInfo.CustomerID = ""

	case models.KindPayment:
		product, ok := models.FindProductByPaymentLink(s.opts.Products, ev.PaymentLinkID)
		if !ok {
			product, ok = models.FindProductByPrice(s.opts.Products, ev.PriceID)
		}
		if !ok {
			p.fail("product not found for payment link %q", ev.PaymentLinkID)
			break
		}
		p.priceID = product.PriceID
		p.userInfo.Quantity = product.Quantity

	case models.KindCreate:
		if ev.CustomerID != "" {
			p.userInfo.CustomerID = ev.CustomerID
		}
		if p.userInfo.CustomerID == "" {
			p.fail("customer id missing")
		}
	}
	return p
}
