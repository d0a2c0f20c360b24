// Package captoken implements the CapabilityTokens component: short-lived
// Ed25519-signed bearer tokens binding {subject, capabilities, tenant} to a
// time window no longer than 300 seconds, with replay protection and audit.
package captoken

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/domain"
)

const (
	issuer = "anumate-captokens"
	// MaxTTL is the absolute upper bound on token lifetime (A.22).
	MaxTTL = 300 * time.Second
)

// AuditSink persists CapabilityTokens audit trail entries.
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditEntry) error
}

// Claims is the JWT claim set for a capability token; field tags mirror
// anumate_capability_tokens.issue_capability_token_raw's payload exactly.
type Claims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"capabilities"`
	TenantID     string   `json:"tenant_id"`
}

// Service implements issue/verify/refresh/revoke over Ed25519/JWT tokens.
type Service struct {
	privateKey  ed25519.PrivateKey
	publicKey   ed25519.PublicKey
	replayGuard ReplayGuard
	revoked     RevocationStore
	audit       AuditSink
	maxTTL      time.Duration
}

// New constructs a Service. maxTTL should not exceed MaxTTL; a maxTTL of 0
// defaults to MaxTTL.
func New(priv ed25519.PrivateKey, pub ed25519.PublicKey, guard ReplayGuard, revoked RevocationStore, audit AuditSink, maxTTL time.Duration) *Service {
	if maxTTL <= 0 || maxTTL > MaxTTL {
		maxTTL = MaxTTL
	}
	return &Service{privateKey: priv, publicKey: pub, replayGuard: guard, revoked: revoked, audit: audit, maxTTL: maxTTL}
}

// Issue mints a new capability token. Rejects ttl > 300s (or the service's
// configured maxTTL, whichever is smaller) with a ValidationError.
func (s *Service) Issue(ctx context.Context, subject string, capabilities []string, ttl time.Duration, tenantID string) (*domain.CapabilityToken, error) {
	if ttl <= 0 || ttl > s.maxTTL {
		return nil, apperr.Validation("invalid_ttl", fmt.Sprintf("ttl must be > 0 and <= %s", s.maxTTL))
	}

	jti := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"tenant:" + tenantID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		Capabilities: capabilities,
		TenantID:     tenantID,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := tok.SignedString(s.privateKey)
	if err != nil {
		return nil, apperr.Internal("token_sign_failed", "failed to sign capability token", err)
	}

	s.recordAudit(ctx, domain.TokenIssued, jti, tenantID, "", nil)

	return &domain.CapabilityToken{
		Token:        signed,
		TokenID:      jti,
		Subject:      subject,
		TenantID:     tenantID,
		Capabilities: capabilities,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
	}, nil
}

// Verify validates signature, expiry, and audience, then consumes the jti
// from the replay guard. A second Verify of the same jti fails ReplayDetected.
func (s *Service) Verify(ctx context.Context, tokenStr, expectedTenantID string) (*domain.CapabilityClaims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil || !parsed.Valid {
		s.recordAudit(ctx, domain.TokenFailed, "", expectedTenantID, "", map[string]any{"reason": "invalid_token"})
		return nil, apperr.Unauthorized("invalid_token", "capability token is invalid or expired")
	}

	wantAud := "tenant:" + expectedTenantID
	if !containsAudience(claims.Audience, wantAud) {
		s.recordAudit(ctx, domain.TokenFailed, claims.ID, expectedTenantID, "", map[string]any{"reason": "audience_mismatch"})
		return nil, apperr.Unauthorized("audience_mismatch", "capability token was not issued for this tenant")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		s.recordAudit(ctx, domain.TokenFailed, claims.ID, claims.TenantID, "", map[string]any{"reason": "expired"})
		return nil, apperr.Unauthorized("token_expired", "capability token has expired")
	}

	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, apperr.Internal("revocation_check_failed", "failed to check token revocation", err)
		}
		if revoked {
			s.recordAudit(ctx, domain.TokenFailed, claims.ID, claims.TenantID, "", map[string]any{"reason": "revoked"})
			return nil, apperr.Unauthorized("token_revoked", "capability token has been revoked")
		}
	}

	fresh, err := s.replayGuard.CheckAndSet(ctx, claims.ID, ttl)
	if err != nil {
		return nil, apperr.Internal("replay_guard_failed", "replay guard check failed", err)
	}
	if !fresh {
		s.recordAudit(ctx, domain.TokenFailed, claims.ID, claims.TenantID, "", map[string]any{"reason": "replay_detected"})
		return nil, apperr.Conflict("replay_detected", "capability token has already been used")
	}

	s.recordAudit(ctx, domain.TokenVerified, claims.ID, claims.TenantID, "", nil)

	return &domain.CapabilityClaims{
		Subject:      claims.Subject,
		Capabilities: claims.Capabilities,
		TenantID:     claims.TenantID,
		Issuer:       claims.Issuer,
		Audience:     wantAud,
		IssuedAt:     claims.IssuedAt.Unix(),
		ExpiresAt:    claims.ExpiresAt.Unix(),
		JTI:          claims.ID,
	}, nil
}

// CheckCapability verifies token and reports whether it carries required.
func (s *Service) CheckCapability(ctx context.Context, tokenStr, expectedTenantID, required string) (bool, error) {
	claims, err := s.Verify(ctx, tokenStr, expectedTenantID)
	if err != nil {
		return false, err
	}
	for _, c := range claims.Capabilities {
		if c == required {
			return true, nil
		}
	}
	return false, nil
}

// Refresh issues a new token preserving subject/capabilities/tenant, and
// revokes the old jti so it cannot also be independently redeemed.
func (s *Service) Refresh(ctx context.Context, oldClaims *domain.CapabilityClaims, newTTL time.Duration) (*domain.CapabilityToken, error) {
	if s.revoked != nil {
		if err := s.revoked.Revoke(ctx, oldClaims.JTI, s.maxTTL); err != nil {
			return nil, apperr.Internal("revoke_old_token_failed", "failed to invalidate previous token", err)
		}
	}
	tok, err := s.Issue(ctx, oldClaims.Subject, oldClaims.Capabilities, newTTL, oldClaims.TenantID)
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, domain.TokenRefreshed, tok.TokenID, oldClaims.TenantID, "", map[string]any{"replaced_jti": oldClaims.JTI})
	return tok, nil
}

// Revoke marks tokenID unusable. Idempotent.
func (s *Service) Revoke(ctx context.Context, tokenID, tenantID string) error {
	if s.revoked == nil {
		return apperr.Internal("no_revocation_store", "revocation store not configured", nil)
	}
	if err := s.revoked.Revoke(ctx, tokenID, s.maxTTL); err != nil {
		return apperr.Internal("revoke_failed", "failed to revoke token", err)
	}
	s.recordAudit(ctx, domain.TokenRevoked, tokenID, tenantID, "", nil)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, event domain.TokenAuditEvent, jti, tenantID, actor string, attrs map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, domain.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Event:     string(event),
		Subject:   jti,
		Actor:     actor,
		Attrs:     attrs,
		Timestamp: time.Now().UTC(),
	})
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
