package policy

import "sort"

// DefaultRuleSet returns a conservative, fail-closed rule set: nothing is
// allowed unless a rule says so. Operators are expected to load a real
// rule set file (§6.3) before serving traffic; this exists so the engine
// always has a rule set to evaluate against.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		File:    RuleList[FileRule]{Default: DecisionBlock},
		Network: RuleList[NetworkRule]{Default: DecisionBlock},
		Shell:   RuleList[ShellRule]{Default: DecisionBlock},
	}
}

// PresetRuleSet returns one of buckley's named approval-mode presets,
// adapted from pkg/approval/modes.go's ask/safe/auto/yolo vocabulary into
// concrete file/network/shell rule lists. Unknown names return nil.
func PresetRuleSet(name string) *RuleSet {
	switch name {
	case "ask":
		return &RuleSet{
			File:    RuleList[FileRule]{Default: DecisionApprovalRequired},
			Network: RuleList[NetworkRule]{Default: DecisionApprovalRequired},
			Shell:   RuleList[ShellRule]{Default: DecisionApprovalRequired},
		}
	case "safe":
		return &RuleSet{
			File: RuleList[FileRule]{
				Default: DecisionApprovalRequired,
				Rules: []FileRule{
					{ID: "safe-read-any", Pattern: "**", Operations: []FileOp{FileOpRead, FileOpList}, Decision: DecisionAllow, Reason: "read allowed in safe mode"},
					{ID: "safe-write-workspace", Pattern: "workspace/**", Operations: []FileOp{FileOpWrite, FileOpCreate}, Decision: DecisionAllow, Reason: "writes confined to workspace"},
				},
			},
			Network: RuleList[NetworkRule]{Default: DecisionApprovalRequired},
			Shell:   RuleList[ShellRule]{Default: DecisionApprovalRequired},
		}
	case "auto":
		return &RuleSet{
			File: RuleList[FileRule]{
				Default: DecisionApprovalRequired,
				Rules: []FileRule{
					{ID: "auto-read-any", Pattern: "**", Operations: []FileOp{FileOpRead, FileOpList}, Decision: DecisionAllow, Reason: "read allowed"},
					{ID: "auto-write-workspace", Pattern: "workspace/**", Operations: []FileOp{FileOpWrite, FileOpCreate, FileOpDelete}, Decision: DecisionAllow, Reason: "workspace writes allowed"},
				},
			},
			Network: RuleList[NetworkRule]{Default: DecisionApprovalRequired},
			Shell: RuleList[ShellRule]{
				Default: DecisionApprovalRequired,
				Rules: []ShellRule{
					{ID: "auto-shell-workspace", CommandPattern: "*", Decision: DecisionAllow, Reason: "shell allowed in workspace"},
				},
			},
		}
	case "yolo":
		return &RuleSet{
			File:    RuleList[FileRule]{Default: DecisionAllow},
			Network: RuleList[NetworkRule]{Default: DecisionAllow},
			Shell:   RuleList[ShellRule]{Default: DecisionAllow},
		}
	default:
		return nil
	}
}

// NormalizeFileRuleOrder sorts a rule list by descending priority using a
// stable sort, so rules declared earlier in the source file win ties
// (documented tie-break — see DESIGN.md Open Question decision). Intended
// for use by config loaders before installing a rule set on the engine;
// the engine itself never reorders rules at evaluation time.
func NormalizeFileRuleOrder(rules []FileRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
}
