package models

import (
	"encoding/json"
	"time"
)

// UserInfo is the user snapshot carried by a transaction.
type UserInfo struct {
	UserID      string     `json:"userID"`
	CustomerID  string     `json:"customerId"`
	Email       string     `json:"email"`
	AccountType string     `json:"accountType"`
	HostLimit   int        `json:"hostLimit"`
	Quantity    int        `json:"quantity"`
	CancelAt    *time.Time `json:"cancelAt,omitempty"`
}

// TransactionResult is the outcome of one reconciliation step.
type TransactionResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(message string) TransactionResult {
	return TransactionResult{Success: true, Message: message}
}

// Failed builds a failed result.
func Failed(message string) TransactionResult {
	return TransactionResult{Success: false, Message: message}
}

// PaymentTransaction tracks one billing event until a downstream system
// confirms it. Once IsComplete is set the record no longer changes.
type PaymentTransaction struct {
	ID                int                `json:"id"`
	EventID           string             `json:"eventId"`
	Kind              TransactionKind    `json:"kind"`
	EventDate         time.Time          `json:"eventDate"`
	CompletedDate     *time.Time         `json:"completedDate,omitempty"`
	ExternalURL       string             `json:"externalUrl"`
	UserInfo          UserInfo           `json:"userInfo"`
	PriceID           string             `json:"priceId"`
	Event             BillingEvent       `json:"event"`
	IsComplete        bool               `json:"isComplete"`
	PingInfosComplete bool               `json:"pingInfosComplete"`
	RetryCount        int                `json:"retryCount"`
	Result            TransactionResult  `json:"result"`
	PingInfosResult   *TransactionResult `json:"pingInfosResult,omitempty"`
}

type paymentTransactionAlias PaymentTransaction

// paymentTransactionWire keeps the boolean kind flags older consumers read.
type paymentTransactionWire struct {
	paymentTransactionAlias
	IsUpdate  bool `json:"isUpdate"`
	IsCreate  bool `json:"isCreate"`
	IsDelete  bool `json:"isDelete"`
	IsPayment bool `json:"isPayment"`
}

func (t PaymentTransaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(paymentTransactionWire{
		paymentTransactionAlias: paymentTransactionAlias(t),
		IsUpdate:                t.Kind == KindUpdate,
		IsCreate:                t.Kind == KindCreate,
		IsDelete:                t.Kind == KindDelete,
		IsPayment:               t.Kind == KindPayment,
	})
}

func (t *PaymentTransaction) UnmarshalJSON(data []byte) error {
	var w paymentTransactionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = PaymentTransaction(w.paymentTransactionAlias)
	if t.Kind != "" {
		return nil
	}
	switch {
	case w.IsDelete:
		t.Kind = KindDelete
	case w.IsPayment:
		t.Kind = KindPayment
	case w.IsCreate:
		t.Kind = KindCreate
	default:
		t.Kind = KindUpdate
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a lock.
func (t PaymentTransaction) Clone() PaymentTransaction {
	c := t
	if t.CompletedDate != nil {
		d := *t.CompletedDate
		c.CompletedDate = &d
	}
	if t.UserInfo.CancelAt != nil {
		d := *t.UserInfo.CancelAt
		c.UserInfo.CancelAt = &d
	}
	if t.Event.CancelAt != nil {
		d := *t.Event.CancelAt
		c.Event.CancelAt = &d
	}
	if t.Result.Data != nil {
		c.Result.Data = append(json.RawMessage(nil), t.Result.Data...)
	}
	if t.PingInfosResult != nil {
		r := *t.PingInfosResult
		c.PingInfosResult = &r
	}
	return c
}
