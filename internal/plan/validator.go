package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/anumate/orchestrator/internal/apperr"
)

var (
	nameRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	depRe  = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*@.+$`)
)

// Validator runs the structural-schema and business-rule checks of
// spec.md §4.3: semver version, lowercase-hyphen name, dependency reference
// shape, unique step names, and no circular step dependencies.
type Validator struct{}

// NewValidator constructs a Validator. It holds no state.
func NewValidator() *Validator { return &Validator{} }

// Validate checks c and returns the accumulated validation errors (nil if
// valid). A non-empty slice should be surfaced as a ValidationError.
func (v *Validator) Validate(c *CapsuleYAML) []string {
	var errs []string

	if !nameRe.MatchString(c.Name) {
		errs = append(errs, fmt.Sprintf("name %q must be lowercase-hyphen", c.Name))
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		errs = append(errs, fmt.Sprintf("version %q is not valid semver", c.Version))
	}
	for _, dep := range c.Dependencies {
		if !depRe.MatchString(dep) {
			errs = append(errs, fmt.Sprintf("dependency %q must be of the form name@version", dep))
		}
	}
	if len(c.Steps) == 0 {
		errs = append(errs, "capsule must declare at least one step")
	}

	seen := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s.Name == "" {
			errs = append(errs, "step name must not be empty")
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Sprintf("duplicate step name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Tool == "" {
			errs = append(errs, fmt.Sprintf("step %q must declare a tool", s.Name))
		}
	}
	for _, s := range c.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep))
			}
		}
	}

	if err := detectCycle(c.Steps); err != nil {
		errs = append(errs, err.Error())
	}

	return errs
}

// ValidateOrError is a convenience wrapper returning a *apperr.Error.
func (v *Validator) ValidateOrError(c *CapsuleYAML) error {
	if errs := v.Validate(c); len(errs) > 0 {
		return apperr.Validation("capsule_invalid", strings.Join(errs, "; "))
	}
	return nil
}

func detectCycle(steps []CapsuleStepYAML) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	adj := make(map[string][]string, len(steps))
	for _, s := range steps {
		adj[s.Name] = s.DependsOn
	}
	color := make(map[string]int, len(steps))

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range adj[name] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected involving step %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range steps {
		if color[s.Name] == white {
			if err := visit(s.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
