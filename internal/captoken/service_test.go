package captoken

import (
	"context"
	"testing"
	"time"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/crypto"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	guard := NewMemoryReplayGuardForTests()
	revoked := NewMemoryRevocationStoreForTests()
	return New(kp.Private, kp.Public, guard, revoked, nil, MaxTTL)
}

func TestIssueRejectsTTLOverMax(t *testing.T) {
	s := newTestService(t)
	_, err := s.Issue(context.Background(), "svc", []string{"read"}, 301*time.Second, "T1")
	if err == nil {
		t.Fatal("expected error for ttl > 300s")
	}
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected ValidationError, got %v", apperr.KindOf(err))
	}
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tok, err := s.Issue(ctx, "svc", []string{"read"}, 60*time.Second, "T1")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := s.Verify(ctx, tok.Token, "T1")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "svc" || claims.TenantID != "T1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyReplayDetected(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tok, err := s.Issue(ctx, "svc", []string{"read"}, 60*time.Second, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(ctx, tok.Token, "T1"); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	_, err = s.Verify(ctx, tok.Token, "T1")
	if err == nil {
		t.Fatal("expected replay detection on second verify")
	}
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected Conflict, got %v", apperr.KindOf(err))
	}
}

func TestVerifyWrongTenantFails(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tok, err := s.Issue(ctx, "svc", []string{"read"}, 60*time.Second, "T1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Verify(ctx, tok.Token, "T2")
	if err == nil {
		t.Fatal("expected audience mismatch for different tenant")
	}
}

func TestCheckCapability(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tok, err := s.Issue(ctx, "svc", []string{"read", "write"}, 60*time.Second, "T1")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.CheckCapability(ctx, tok.Token, "T1", "write")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected capability to be present")
	}
}

func TestRevokeMakesTokenUnverifiable(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	tok, err := s.Issue(ctx, "svc", []string{"read"}, 60*time.Second, "T1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, tok.TokenID, "T1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, tok.TokenID, "T1"); err != nil {
		t.Fatalf("revoke should be idempotent: %v", err)
	}
	_, err = s.Verify(ctx, tok.Token, "T1")
	if err == nil {
		t.Fatal("expected verify to fail for revoked token")
	}
}
