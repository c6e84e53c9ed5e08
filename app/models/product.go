package models

// FreePriceID is the price id of the product users fall back to when their
// subscription ends.
const FreePriceID = "price_free"

// Product maps a provider price to an entitlement tier.
type Product struct {
	ProductName   string `json:"productName" yaml:"productName" validate:"required"`
	PriceID       string `json:"priceId" yaml:"priceId" validate:"required"`
	HostLimit     int    `json:"hostLimit" yaml:"hostLimit" validate:"gte=0"`
	Quantity      int    `json:"quantity,omitempty" yaml:"quantity" validate:"gte=0"`
	PaymentLinkID string `json:"paymentLinkId,omitempty" yaml:"paymentLinkId"`
}

// FindProductByPrice returns the product with exactly the given price id.
func FindProductByPrice(products []Product, priceID string) (Product, bool) {
	if priceID == "" {
		return Product{}, false
	}
	for _, p := range products {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Product{}, false
}

// FindProductByPaymentLink returns the product sold through a payment link.
func FindProductByPaymentLink(products []Product, paymentLinkID string) (Product, bool) {
	if paymentLinkID == "" {
		return Product{}, false
	}
	for _, p := range products {
		if p.PaymentLinkID == paymentLinkID {
			return p, true
		}
	}
	return Product{}, false
}
