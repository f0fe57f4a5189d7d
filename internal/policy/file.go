package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuleSetFile reads a YAML rule set document from path (§6.3's
// operator-editable policy file), generalized from internal/config.Load's
// own os.ReadFile+yaml.Unmarshal pair since a rule set is loaded the same
// way a process config is. Every rule list's Default is normalized to
// block if the file leaves it unset, matching Evaluate's own fail-closed
// handling of an empty Default.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read rule set %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("policy: parse rule set %s: %w", path, err)
	}
	rs.File.Default = normalizedDefault(rs.File.Default)
	rs.Network.Default = normalizedDefault(rs.Network.Default)
	rs.Shell.Default = normalizedDefault(rs.Shell.Default)
	return &rs, nil
}
