// Package domain defines the lineage value types, the collateral records that
// reports join against, and the rule evaluation primitives used by stancore.
package domain

import (
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the action log.
type EntityType string

// Supported entity type identifiers used in Change records and violations.
const (
	// EntityOperation identifies an operation record.
	EntityOperation EntityType = "operation"
	// EntityAction identifies a single source to destination action.
	EntityAction EntityType = "action"
	// EntityMeasurement identifies a measurement recorded against a slot.
	EntityMeasurement EntityType = "measurement"
	// EntityLabwareFlag identifies a flag raised on labware.
	EntityLabwareFlag EntityType = "labware_flag"
	// EntityDisposition identifies a release, destruction or discard record.
	EntityDisposition EntityType = "disposition"
)

// Canonical operation types consulted by reports. Stored types are free-form
// and compared with Operation.Is.
const (
	OpTransfer           = "Transfer"
	OpSection            = "Section"
	OpStain              = "Stain"
	OpImage              = "Image"
	OpProbeHybridisation = "Probe hybridisation"
	OpDestroy            = "Destroy"
	OpRelease            = "Release"
	OpDiscard            = "Discard"
)

// MeasurementConcentration is the measurement name reports read concentrations from.
const MeasurementConcentration = "concentration"

// Operation is one recorded lab step. Its actions carry the lineage edges.
type Operation struct {
	ID          int       `json:"id"`
	Type        string    `json:"type"`
	PerformedAt time.Time `json:"performed_at"`
	Username    string    `json:"username,omitempty"`
}

// Is reports whether the operation has the given type, ignoring case.
func (o Operation) Is(opType string) bool {
	return strings.EqualFold(strings.TrimSpace(o.Type), opType)
}

// ActionFact joins an action with the operation that produced it.
type ActionFact struct {
	Action    Action    `json:"action"`
	Operation Operation `json:"operation"`
}

// Measurement is a named value recorded against a slot sample.
type Measurement struct {
	ID          int    `json:"id"`
	SlotID      int    `json:"slot_id"`
	SampleID    int    `json:"sample_id"`
	OperationID int    `json:"operation_id"`
	Name        string `json:"name"`
	Value       string `json:"value"`
}

// LabwareFlag is a flag raised against the labware holding a slot.
type LabwareFlag struct {
	ID          int    `json:"id"`
	SlotID      int    `json:"slot_id"`
	OperationID int    `json:"operation_id"`
	Description string `json:"description"`
	Priority    string `json:"priority,omitempty"`
}

// DispositionKind enumerates how material left the lab.
type DispositionKind string

// Disposition kinds, in descending report precedence.
const (
	DispositionReleased  DispositionKind = "released"
	DispositionDestroyed DispositionKind = "destroyed"
	DispositionDiscarded DispositionKind = "discarded"
	DispositionActive    DispositionKind = "active"
)

// Disposition records the final fate of the material in a slot.
type Disposition struct {
	SlotID      int             `json:"slot_id"`
	Kind        DispositionKind `json:"kind"`
	At          time.Time       `json:"at"`
	OperationID int             `json:"operation_id"`
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behaviour and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// ChangeKind indicates the type of modification performed.
type ChangeKind string

// Change kinds captured while recording into the action log.
const (
	ChangeCreate ChangeKind = "create"
	ChangeDelete ChangeKind = "delete"
)

// Change describes a mutation applied within a transaction.
type Change struct {
	Entity EntityType
	Kind   ChangeKind
	Before any
	After  any
}

// Violation reports a rule failure.
type Violation struct {
	Rule     string     `json:"rule"`
	Severity Severity   `json:"severity"`
	Message  string     `json:"message"`
	Entity   EntityType `json:"entity"`
	EntityID int        `json:"entity_id"`
}

// Result aggregates rule violations.
type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when a transaction is blocked by rules.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
