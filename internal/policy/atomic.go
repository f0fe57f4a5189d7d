package policy

import "sync/atomic"

// atomicRuleSet is a typed wrapper over atomic.Pointer for *RuleSet so a
// rule-set reload is a single atomic swap and readers never see a partial
// update (§5 concurrency model: "rebuilt atomically on config reload").
type atomicRuleSet struct {
	p atomic.Pointer[RuleSet]
}

func (a *atomicRuleSet) Store(rs *RuleSet) { a.p.Store(rs) }

func (a *atomicRuleSet) Load() *RuleSet {
	rs := a.p.Load()
	if rs == nil {
		return DefaultRuleSet()
	}
	return rs
}
