package capability

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a, err := Open(filepath.Join(t.TempDir(), "tokens.db"), priv, "test-issuer")
	if err != nil {
		t.Fatalf("open authority: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestCheckReadWithinPatternAuthorized(t *testing.T) {
	a := newTestAuthority(t)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"cache/*"}, time.Hour, nil, nil, "tok-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if got := a.Check(context.Background(), tok, Operation{Permission: PermRead, Key: "cache/x"}); got != Authorized {
		t.Fatalf("expected Authorized, got %v", got)
	}
	if got := a.Check(context.Background(), tok, Operation{Permission: PermRead, Key: "other/x"}); got != KeyAccessDenied {
		t.Fatalf("expected KeyAccessDenied, got %v", got)
	}
	if got := a.Check(context.Background(), tok, Operation{Permission: PermClear}); got != InsufficientPermissions {
		t.Fatalf("expected InsufficientPermissions, got %v", got)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	a := newTestAuthority(t)
	limit := int64(2)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"*"}, time.Hour, &limit, nil, "tok-rl")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	op := Operation{Permission: PermRead, Key: "anything"}
	if got := a.Check(context.Background(), tok, op); got != Authorized {
		t.Fatalf("expected 1st call authorized")
	}
	if got := a.Check(context.Background(), tok, op); got != Authorized {
		t.Fatalf("expected 2nd call authorized")
	}
	if got := a.Check(context.Background(), tok, op); got != RateLimitExceeded {
		t.Fatalf("expected 3rd call in same second to be RateLimitExceeded, got %v", got)
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	a := newTestAuthority(t)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"*"}, time.Hour, nil, nil, "tok-rv")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := a.Revoke(tok.TokenID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got := a.Verify(tok); got != Revoked {
		t.Fatalf("expected Revoked, got %v", got)
	}
	if got := a.Check(context.Background(), tok, Operation{Permission: PermRead, Key: "x"}); got != TokenInvalid {
		t.Fatalf("expected TokenInvalid for revoked token, got %v", got)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a := newTestAuthority(t)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"*"}, time.Millisecond, nil, nil, "tok-exp")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if got := a.Verify(tok); got != Expired {
		t.Fatalf("expected Expired, got %v", got)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	a := newTestAuthority(t)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"*"}, time.Hour, nil, nil, "tok-tamper")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	tok.Subject = "attacker"
	if got := a.Verify(tok); got != InvalidSignature {
		t.Fatalf("expected InvalidSignature after tampering, got %v", got)
	}
}

func TestOperationCountCap(t *testing.T) {
	a := newTestAuthority(t)
	opCap := int64(1)
	tok, err := a.Issue("svc", []Permission{PermRead}, []string{"*"}, time.Hour, nil, &opCap, "tok-cap")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	op := Operation{Permission: PermRead, Key: "x"}
	if got := a.Check(context.Background(), tok, op); got != Authorized {
		t.Fatalf("expected first op authorized")
	}
	if got := a.Check(context.Background(), tok, op); got != OperationLimitExceeded {
		t.Fatalf("expected second op to exceed operation count cap, got %v", got)
	}
}

func TestPatternMatching(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"cache/*", "cache/x", true},
		{"cache/*", "other/x", false},
		{"*.tmp", "build.tmp", true},
		{"*.tmp", "build.log", false},
		{"exact/key", "exact/key", true},
		{"exact/key", "exact/key2", false},
		{"*", "anything", true},
	}
	for _, c := range cases {
		if got := matchPattern(c.pattern, c.key); got != c.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}
