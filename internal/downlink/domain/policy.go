package downlink

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CommandTypeDisplay is the command family carrying display color updates.
const CommandTypeDisplay = "display.set"

// DisplayRule is the visual instruction for one space state.
type DisplayRule struct {
	Color   string `yaml:"color" json:"color"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// Policy maps space states to display rules. Unknown states fall back to
// the unknown rule so a display never stays on a stale color.
type Policy struct {
	States map[string]DisplayRule `yaml:"states"`
}

// DefaultPolicy returns the built-in state to color mapping.
func DefaultPolicy() Policy {
	return Policy{States: map[string]DisplayRule{
		"free":        {Color: "green", Pattern: "solid"},
		"occupied":    {Color: "red", Pattern: "solid"},
		"reserved":    {Color: "blue", Pattern: "blink"},
		"maintenance": {Color: "orange", Pattern: "solid"},
		"unknown":     {Color: "yellow", Pattern: "slow_blink"},
	}}
}

// LoadPolicy reads a YAML policy file and merges it over the defaults. An
// empty path returns the defaults unchanged.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("display policy: %w", err)
	}
	var loaded Policy
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return Policy{}, fmt.Errorf("display policy: %w", err)
	}
	for state, rule := range loaded.States {
		if rule.Color == "" {
			continue
		}
		if rule.Pattern == "" {
			rule.Pattern = "solid"
		}
		policy.States[state] = rule
	}
	return policy, nil
}

// RuleFor returns the rule for a state, falling back to unknown.
func (p Policy) RuleFor(state string) DisplayRule {
	if rule, ok := p.States[state]; ok {
		return rule
	}
	return p.States["unknown"]
}
