// Package plan implements the PlanCompiler component: Validator, Resolver,
// Optimizer, and Hasher stages that turn a Capsule's YAML definition into a
// content-addressed ExecutablePlan, plus a plan cache keyed by plan_hash.
package plan

import "github.com/anumate/orchestrator/internal/domain"

// CapsuleYAML is the structural shape a Capsule's `definition` YAML document
// must parse into before business-rule validation runs.
type CapsuleYAML struct {
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Dependencies []string          `yaml:"dependencies,omitempty"` // "name@version"
	ToolAllowlist []string         `yaml:"tool_allowlist"`
	MaxParallelism int             `yaml:"max_parallelism,omitempty"`
	Steps        []CapsuleStepYAML `yaml:"steps"`
}

// CapsuleStepYAML is one step node as authored in Capsule YAML.
type CapsuleStepYAML struct {
	Name             string         `yaml:"name"`
	Tool             string         `yaml:"tool"`
	DependsOn        []string       `yaml:"depends_on,omitempty"`
	Params           map[string]any `yaml:"params,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty"`
}

// Job tracks an async compile job, per spec.md §4.3 "Async jobs expose
// status(job_id)".
type Job struct {
	JobID         string
	TenantID      string
	Status        JobStatus
	PlanHash      string
	Plan          *domain.ExecutablePlan
	ValidationErrors []string
}

// JobStatus is the lifecycle of an async compile job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)
