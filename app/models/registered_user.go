package models

import "strings"

// RegisteredUser links a downstream user identity to a billing customer and
// to the external system that owns the user.
type RegisteredUser struct {
	UserID      string `json:"userId"`
	CustomerID  string `json:"customerId"`
	UserEmail   string `json:"userEmail" validate:"omitempty,email"`
	ExternalURL string `json:"externalUrl"`
}

// MatchesIdentity reports whether any of the supplied non-empty identifiers
// equals the corresponding field of the record.
func (u RegisteredUser) MatchesIdentity(userID, email, customerID string) bool {
	if userID != "" && u.UserID == userID {
		return true
	}
	if email != "" && strings.EqualFold(u.UserEmail, email) {
		return true
	}
	return customerID != "" && u.CustomerID == customerID
}
