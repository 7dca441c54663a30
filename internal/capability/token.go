// Package capability issues, signs, verifies, and revokes capability tokens
// that gate every mutating cache operation, and enforces per-token rate and
// operation-count limits.
package capability

import (
	"crypto/ed25519"
	"encoding/json"
	"time"
)

// Permission is one bit of a token's permission set.
type Permission string

const (
	PermRead         Permission = "Read"
	PermWrite        Permission = "Write"
	PermDelete       Permission = "Delete"
	PermList         Permission = "List"
	PermStatistics   Permission = "Statistics"
	PermClear        Permission = "Clear"
	PermManageTokens Permission = "ManageTokens"
	PermConfigure    Permission = "Configure"
	PermAuditLogs    Permission = "AuditLogs"
)

// Token is a signed capability. Signature covers every preceding field's
// canonical JSON encoding.
type Token struct {
	TokenID           string       `json:"token_id"`
	Subject           string       `json:"subject"`
	Permissions       []Permission `json:"permissions"`
	KeyPatterns       []string     `json:"key_patterns"`
	IssuedAt          time.Time    `json:"issued_at"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
	Issuer            string       `json:"issuer"`
	RateLimitPerSec   *int64       `json:"rate_limit_per_sec,omitempty"`
	OperationCountCap *int64       `json:"operation_count_cap,omitempty"`
	PublicKey         []byte       `json:"public_key"`
	Signature         []byte       `json:"signature"`
}

// signingPayload returns the canonical bytes the signature covers: every
// field except Signature itself, in a fixed field order, independent of JSON
// map key ordering.
func (t Token) signingPayload() ([]byte, error) {
	unsigned := t
	unsigned.Signature = nil
	return json.Marshal(unsigned)
}

// sign computes and attaches the Ed25519 signature using priv, and stamps
// PublicKey with the corresponding public key.
func (t *Token) sign(priv ed25519.PrivateKey) error {
	t.PublicKey = priv.Public().(ed25519.PublicKey)
	payload, err := t.signingPayload()
	if err != nil {
		return err
	}
	t.Signature = ed25519.Sign(priv, payload)
	return nil
}

// VerifyResult is the closed set of outcomes from verifying a token's
// validity independent of any specific operation.
type VerifyResult int

const (
	Valid VerifyResult = iota
	Expired
	Revoked
	InvalidSignature
	InvalidIssuer
	InvalidPublicKey
)

func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "Valid"
	case Expired:
		return "Expired"
	case Revoked:
		return "Revoked"
	case InvalidSignature:
		return "InvalidSignature"
	case InvalidIssuer:
		return "InvalidIssuer"
	case InvalidPublicKey:
		return "InvalidPublicKey"
	default:
		return "Unknown"
	}
}
