package core

import "stancore/pkg/domain"

type (
	// Rule is evaluated against every transaction that writes to the action log.
	Rule = domain.Rule
	// RulesEngine orchestrates rule evaluation.
	RulesEngine = domain.RulesEngine
)

// NewRulesEngine constructs an empty engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LineageIntegrityRule())
	return engine
}
