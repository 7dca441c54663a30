package capability

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/rawkode/cuenv-sub003/internal/resilience"
)

var bucketTokens = []byte("tokens")
var bucketRevocations = []byte("revocations")

// Operation describes a single access attempt against the cache for
// authorization purposes.
type Operation struct {
	Permission Permission
	Key        string // empty for operations without a target key (e.g. Clear)
}

// CheckResult is the closed set of outcomes from Check.
type CheckResult int

const (
	Authorized CheckResult = iota
	TokenInvalid
	InsufficientPermissions
	KeyAccessDenied
	RateLimitExceeded
	OperationLimitExceeded
)

func (r CheckResult) String() string {
	switch r {
	case Authorized:
		return "Authorized"
	case TokenInvalid:
		return "TokenInvalid"
	case InsufficientPermissions:
		return "InsufficientPermissions"
	case KeyAccessDenied:
		return "KeyAccessDenied"
	case RateLimitExceeded:
		return "RateLimitExceeded"
	case OperationLimitExceeded:
		return "OperationLimitExceeded"
	default:
		return "Unknown"
	}
}

// Authority issues, verifies, checks, and revokes capability tokens. The only
// process-wide state it owns is the revocation set, persisted to bbolt so it
// survives restarts; everything else is passed through its interface, per
// spec.md §9's "no process-wide singleton" design note.
type Authority struct {
	mu        sync.RWMutex
	db        *bbolt.DB
	priv      ed25519.PrivateKey
	issuer    string
	revoked   map[string]struct{}
	opCounts  map[string]int64
	limiters  map[string]*resilience.RateLimiter
	limitersM sync.Mutex
}

// Open creates or opens a bbolt-backed authority at dbPath, signing issued
// tokens with priv under issuer's name.
func Open(dbPath string, priv ed25519.PrivateKey, issuer string) (*Authority, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("capability: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTokens); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRevocations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("capability: init buckets: %w", err)
	}

	a := &Authority{
		db:       db,
		priv:     priv,
		issuer:   issuer,
		revoked:  make(map[string]struct{}),
		opCounts: make(map[string]int64),
		limiters: make(map[string]*resilience.RateLimiter),
	}
	if err := a.warmRevocations(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Authority) warmRevocations() error {
	return a.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRevocations)
		return b.ForEach(func(k, v []byte) error {
			a.revoked[string(k)] = struct{}{}
			return nil
		})
	})
}

// Close releases the underlying bbolt handle.
func (a *Authority) Close() error { return a.db.Close() }

// Issue mints and persists a new signed token.
func (a *Authority) Issue(subject string, permissions []Permission, keyPatterns []string, validity time.Duration, rateLimitPerSec *int64, operationCountCap *int64, tokenID string) (Token, error) {
	now := time.Now()
	var expiresAt *time.Time
	if validity > 0 {
		t := now.Add(validity)
		expiresAt = &t
	}
	tok := Token{
		TokenID:           tokenID,
		Subject:           subject,
		Permissions:       permissions,
		KeyPatterns:       keyPatterns,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
		Issuer:            a.issuer,
		RateLimitPerSec:   rateLimitPerSec,
		OperationCountCap: operationCountCap,
	}
	if err := tok.sign(a.priv); err != nil {
		return Token{}, fmt.Errorf("capability: sign token: %w", err)
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return Token{}, fmt.Errorf("capability: marshal token: %w", err)
	}
	err = a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Put([]byte(tok.TokenID), data)
	})
	if err != nil {
		return Token{}, fmt.Errorf("capability: persist token: %w", err)
	}
	return tok, nil
}

// Verify checks signature, issuer, expiry, and revocation status, independent
// of any specific operation.
func (a *Authority) Verify(tok Token) VerifyResult {
	if len(tok.PublicKey) != ed25519.PublicKeySize {
		return InvalidPublicKey
	}
	if tok.Issuer != a.issuer {
		return InvalidIssuer
	}
	payload, err := tok.signingPayload()
	if err != nil {
		return InvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(tok.PublicKey), payload, tok.Signature) {
		return InvalidSignature
	}
	if tok.ExpiresAt != nil && time.Now().After(*tok.ExpiresAt) {
		return Expired
	}
	a.mu.RLock()
	_, revoked := a.revoked[tok.TokenID]
	a.mu.RUnlock()
	if revoked {
		return Revoked
	}
	return Valid
}

// Check authorizes a single operation against tok, in the order: validity,
// operation-count cap, rate limit, permission, key pattern. The ordering
// matches the original_source's capabilities.rs, which treats the rate and
// operation-count caps as independent checks ahead of permission/pattern
// evaluation.
func (a *Authority) Check(ctx context.Context, tok Token, op Operation) CheckResult {
	if v := a.Verify(tok); v != Valid {
		return TokenInvalid
	}

	if tok.OperationCountCap != nil {
		a.mu.Lock()
		count := a.opCounts[tok.TokenID]
		if count >= *tok.OperationCountCap {
			a.mu.Unlock()
			return OperationLimitExceeded
		}
		a.opCounts[tok.TokenID] = count + 1
		a.mu.Unlock()
	}

	if tok.RateLimitPerSec != nil {
		limiter := a.limiterFor(tok.TokenID, *tok.RateLimitPerSec)
		if !limiter.Allow() {
			return RateLimitExceeded
		}
	}

	hasPermission := false
	for _, p := range tok.Permissions {
		if p == op.Permission {
			hasPermission = true
			break
		}
	}
	if !hasPermission {
		return InsufficientPermissions
	}

	if op.Key != "" && !matchAnyPattern(tok.KeyPatterns, op.Key) {
		return KeyAccessDenied
	}

	return Authorized
}

func (a *Authority) limiterFor(tokenID string, limitPerSec int64) *resilience.RateLimiter {
	a.limitersM.Lock()
	defer a.limitersM.Unlock()
	limiter, ok := a.limiters[tokenID]
	if !ok {
		limiter = resilience.NewFixedWindowLimiter(limitPerSec, time.Second)
		a.limiters[tokenID] = limiter
	}
	return limiter
}

// Revoke marks tokenID revoked, persisting the revocation so it survives
// restarts.
func (a *Authority) Revoke(tokenID string) error {
	a.mu.Lock()
	a.revoked[tokenID] = struct{}{}
	a.mu.Unlock()
	return a.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRevocations).Put([]byte(tokenID), []byte{1})
	})
}
