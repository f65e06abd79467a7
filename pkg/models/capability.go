package models

import "time"

// CapabilityStatus is derived from whether a capability exists and has expired.
type CapabilityStatus string

const (
	CapabilityNone    CapabilityStatus = "none"
	CapabilityActive  CapabilityStatus = "active"
	CapabilityExpired CapabilityStatus = "expired"
)

// Capability is an unguessable bearer token granting anonymous, time-limited
// access to one statement.
type Capability struct {
	StatementID int64
	Token       string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// CapabilityRecord is the persisted form of a capability. The token itself is
// stored sealed; lookups go through TokenHash.
type CapabilityRecord struct {
	StatementID     int64
	TokenHash       string
	TokenCiphertext []byte
	TokenNonce      []byte
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// IsExpired reports whether now is at or past the expiry.
func (r *CapabilityRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Status derives the capability status at now.
func (r *CapabilityRecord) Status(now time.Time) CapabilityStatus {
	if r == nil || r.TokenHash == "" {
		return CapabilityNone
	}
	if r.IsExpired(now) {
		return CapabilityExpired
	}
	return CapabilityActive
}
