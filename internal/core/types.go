package core

import "stancore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	SlotSample         = domain.SlotSample
	Edge               = domain.Edge
	Change             = domain.Change
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)
