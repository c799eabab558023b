// Package rules loads extraction rule files. A rule file is the offline,
// reviewable form of the cached rule set: it maps website substrings to the
// CSS selectors a tab should read from, and installs into the shared store.
package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autovoice/autovoice-core/internal/protocol"
)

// File is the on-disk shape of a rule set.
type File struct {
	Rules []protocol.Rule `yaml:"rules"`
}

// Load reads a rule set from disk.
func Load(path string) ([]protocol.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return f.Rules, nil
}

// Validate ensures every rule can actually match and extract something.
func Validate(ruleSet []protocol.Rule) error {
	if len(ruleSet) == 0 {
		return fmt.Errorf("rules must contain at least one entry")
	}
	seen := make(map[string]bool, len(ruleSet))
	for i, rule := range ruleSet {
		if strings.TrimSpace(rule.Website) == "" {
			return fmt.Errorf("rule %d: website is required", i)
		}
		if seen[rule.Website] {
			return fmt.Errorf("rule %d: duplicate website %q", i, rule.Website)
		}
		seen[rule.Website] = true
		if len(rule.Selectors) == 0 {
			return fmt.Errorf("rule %d (%s): at least one selector is required", i, rule.Website)
		}
		for _, sel := range rule.Selectors {
			if strings.TrimSpace(sel) == "" {
				return fmt.Errorf("rule %d (%s): blank selector", i, rule.Website)
			}
		}
	}
	return nil
}
