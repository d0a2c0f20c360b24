package plan

import (
	"fmt"

	"go.yaml.in/yaml/v3"
)

// ParseCapsuleYAML parses a Capsule's raw YAML definition into the
// structural form the Validator checks against business rules.
func ParseCapsuleYAML(raw []byte) (*CapsuleYAML, error) {
	var c CapsuleYAML
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("plan: parse capsule yaml: %w", err)
	}
	return &c, nil
}
