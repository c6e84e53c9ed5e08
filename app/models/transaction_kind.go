package models

import "fmt"

// TransactionKind is the kind of entitlement change a transaction carries.
type TransactionKind string

const (
	KindUpdate  TransactionKind = "update"
	KindCreate  TransactionKind = "create"
	KindPayment TransactionKind = "payment"
	KindDelete  TransactionKind = "delete"
)

// Outbound event names published to downstream systems.
const (
	EventUpdateUserSubscription = "updateUserSubscription"
	EventUpdateUserCustomerID   = "updateUserCustomerId"
	EventBoostTokenForUser      = "boostTokenForUser"
	EventUpdateUserPingInfos    = "updateUserPingInfos"
	EventPaymentServiceReady    = "paymentServiceReady"
	EventUpdateProducts         = "updateProducts"
)

// Inbound event names consumed from the bus.
const (
	EventPaymentComplete   = "paymentComplete"
	EventPingInfosComplete = "pingInfosComplete"
	EventRegisterUser      = "registerUser"
	EventPaymentCheck      = "paymentCheck"
	EventPaymentWakeUp     = "paymentWakeUp"
)

// ParseTransactionKind converts a wire value into a TransactionKind.
func ParseTransactionKind(s string) (TransactionKind, error) {
	switch k := TransactionKind(s); k {
	case KindUpdate, KindCreate, KindPayment, KindDelete:
		return k, nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}

// EventName returns the outbound event used to deliver a transaction of this
// kind. Deletes reuse the update event; receivers tell them apart by payload.
func (k TransactionKind) EventName() string {
	switch k {
	case KindCreate:
		return EventUpdateUserCustomerID
	case KindPayment:
		return EventBoostTokenForUser
	default:
		return EventUpdateUserSubscription
	}
}

// SortRank orders kinds for retry sweeps when event dates tie.
func (k TransactionKind) SortRank() int {
	switch k {
	case KindUpdate:
		return 0
	case KindCreate:
		return 1
	case KindPayment:
		return 2
	case KindDelete:
		return 3
	}
	return 4
}
