package models

// UpdateProductsMessage announces the product catalogue to downstream systems.
type UpdateProductsMessage struct {
	Products         []Product `json:"products"`
	PaymentServerURL string    `json:"paymentServerUrl"`
}

// PaymentServiceReady is the heartbeat broadcast after a sweep or wake-up.
type PaymentServiceReady struct {
	IsReady bool `json:"isReady"`
}

// DeliveryConfirmation is sent back by a downstream system once it has
// applied (or failed to apply) a transaction.
type DeliveryConfirmation struct {
	TransactionID int                `json:"transactionId"`
	ID            int                `json:"id,omitempty"`
	IsComplete    *bool              `json:"isComplete,omitempty"`
	Result        *TransactionResult `json:"result,omitempty"`
}

// TargetID returns the transaction id, accepting either field name.
func (c DeliveryConfirmation) TargetID() int {
	if c.TransactionID != 0 {
		return c.TransactionID
	}
	return c.ID
}

// Confirmed reports whether the downstream system applied the change.
func (c DeliveryConfirmation) Confirmed() bool {
	if c.IsComplete != nil {
		return *c.IsComplete
	}
	if c.Result != nil {
		return c.Result.Success
	}
	return true
}
