package plan

import (
	"github.com/anumate/orchestrator/internal/crypto"
	"github.com/anumate/orchestrator/internal/domain"
)

// Hasher computes the deterministic plan_hash: SHA-256 of the canonical
// encoding of {steps, tool_allowlist, security_context}, with no timestamps
// in the hashed payload so the same compiled output always hashes the same
// (spec.md §4.3, TESTABLE PROPERTIES #1 "Plan determinism").
type Hasher struct{}

func NewHasher() *Hasher { return &Hasher{} }

func (h *Hasher) Hash(p *domain.ExecutablePlan) (string, error) {
	return crypto.SHA256HashJSON(p.HashPayload())
}
