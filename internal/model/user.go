// Package model defines the domain records shared by the store, services and handlers.
package model

import "time"

// User is an account record.
//
// Username is immutable after signup. Email may only change while Verified
// is false. PasswordHash never leaves the server (json:"-").
type User struct {
	ID           string               `json:"id"`
	Username     string               `json:"username"`
	Email        string               `json:"email"`
	PasswordHash string               `json:"-"`
	Verified     bool                 `json:"verified"`
	Pending      *PendingVerification `json:"-"`
	CreatedAt    time.Time            `json:"createdAt"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// PendingVerification is the single outstanding proof-of-email challenge for
// an unverified user. TokenID is the jti of the only verification token that
// is still accepted; CodeHash is the bcrypt hash of the matching numeric code.
// Both are replaced together on every re-issue and cleared on verification.
type PendingVerification struct {
	TokenID  string
	CodeHash string
	IssuedAt time.Time
}

// ExpiresAt reports when the pending challenge stops being accepted.
func (p *PendingVerification) ExpiresAt(ttl time.Duration) time.Time {
	return p.IssuedAt.Add(ttl)
}
