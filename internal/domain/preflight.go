package domain

import "time"

// RiskLevel is the risk classification assigned to a step or a whole report.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// StepRisk is the per-step simulation outcome.
type StepRisk struct {
	StepName          string    `json:"step_name"`
	Risk              RiskLevel `json:"risk"`
	SimulatedLatencyMS int64    `json:"simulated_latency_ms"`
	Succeeded         bool      `json:"succeeded"`
	Issues            []string  `json:"issues,omitempty"`
}

// PreflightReport is the immutable output of a single Preflight Simulator run.
type PreflightReport struct {
	ReportID            string     `json:"report_id"`
	RunID               string     `json:"run_id"`
	PlanHash            string     `json:"plan_hash"`
	TenantID            string     `json:"tenant_id"`
	StepRisks           []StepRisk `json:"step_risks"`
	EstimatedDurationMS int64      `json:"estimated_duration_ms"`
	EstimatedCostUSD    float64    `json:"estimated_cost_usd"`
	Issues              []string   `json:"issues,omitempty"`
	Recommendations     []string   `json:"recommendations,omitempty"`
	OverallRisk         RiskLevel  `json:"overall_risk"`
	Feasible            bool       `json:"feasible"`
	CreatedAt           time.Time  `json:"created_at"`
}

// SimulationStatus tracks an async ghostrun job.
type SimulationStatus string

const (
	SimulationPending   SimulationStatus = "Pending"
	SimulationRunning   SimulationStatus = "Running"
	SimulationCompleted SimulationStatus = "Completed"
	SimulationFailed    SimulationStatus = "Failed"
	SimulationCancelled SimulationStatus = "Cancelled"
)

// SimulationRun tracks the lifecycle of one GhostRun (§6.1 POST /v1/ghostrun).
type SimulationRun struct {
	RunID     string           `json:"run_id"`
	TenantID  string           `json:"tenant_id"`
	PlanHash  string           `json:"plan_hash"`
	Status    SimulationStatus `json:"status"`
	Progress  float64          `json:"progress"`
	Report    *PreflightReport `json:"report,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
