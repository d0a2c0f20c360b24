// Package preflight implements the PreflightSimulator: a side-effect-free
// dry run of a compiled plan's DAG against a MockToolRegistry, producing a
// PreflightReport with per-step risk, aggregate cost/duration, and
// heuristic recommendations.
package preflight

import (
	"math/rand"
	"regexp"

	"github.com/anumate/orchestrator/internal/domain"
)

// MockToolResponse is a configured canned response for one tool.
type MockToolResponse struct {
	BaseLatencyMS       int64
	SuccessProbability  float64 // derived from risk level if unset
	Risk                domain.RiskLevel
	Payload             map[string]any
}

// MockToolRegistry keys canned responses by tool name, standing in for the
// external agent runtime's tool protocol during a risk-free simulation.
type MockToolRegistry struct {
	entries map[string]MockToolResponse
}

// NewMockToolRegistry constructs an empty registry; Register populates it.
func NewMockToolRegistry() *MockToolRegistry {
	return &MockToolRegistry{entries: make(map[string]MockToolResponse)}
}

// Register configures the canned response for a tool name.
func (r *MockToolRegistry) Register(tool string, resp MockToolResponse) {
	r.entries[tool] = resp
}

// Lookup returns the configured response for tool, defaulting to a low-risk,
// fast, successful response for unconfigured tools so a simulation never
// fails purely because a tool wasn't explicitly registered.
func (r *MockToolRegistry) Lookup(tool string) MockToolResponse {
	if resp, ok := r.entries[tool]; ok {
		return resp
	}
	return MockToolResponse{BaseLatencyMS: 200, SuccessProbability: 0.99, Risk: domain.RiskLow}
}

// Sample draws one simulated outcome for a step invoking tool, using rng for
// latency jitter (±30% of base) and the success-probability roll.
func (r *MockToolRegistry) Sample(tool string, rng *rand.Rand) (latencyMS int64, succeeded bool, risk domain.RiskLevel) {
	resp := r.Lookup(tool)
	jitter := 1 + (rng.Float64()*0.6 - 0.3) // base ± 30%
	latency := float64(resp.BaseLatencyMS) * jitter
	if latency < 0 {
		latency = 0
	}
	prob := resp.SuccessProbability
	if prob == 0 {
		prob = successProbabilityForRisk(resp.Risk)
	}
	return int64(latency), rng.Float64() < prob, resp.Risk
}

func successProbabilityForRisk(r domain.RiskLevel) float64 {
	switch r {
	case domain.RiskCritical:
		return 0.5
	case domain.RiskHigh:
		return 0.75
	case domain.RiskMedium:
		return 0.9
	default:
		return 0.99
	}
}

// sensitiveParamRe flags parameter names that look like secrets for the
// recommendations heuristic (spec.md §4.4 "sensitive parameter regex").
var sensitiveParamRe = regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key|credential)`)
