package domain

import (
	"context"
	"fmt"
)

// Transaction exposes the writes a persistence implementation must support
// within an atomic scope.
type Transaction interface {
	Snapshot() RuleView
	RecordOperation(op Operation, actions []Action) (Operation, []Action, error)
	RecordMeasurement(Measurement) (Measurement, error)
	RecordFlag(LabwareFlag) (LabwareFlag, error)
	RecordDisposition(Disposition) (Disposition, error)
}

// FactSource answers the collateral queries reports issue against node sets
// taken from a lineage snapshot. Every method is read-only and returns an
// empty result for an empty argument.
type FactSource interface {
	FindActionsByOperations(ctx context.Context, operationIDs []int) ([]ActionFact, error)
	FindActionsByDestinationSlots(ctx context.Context, slotIDs []int) ([]ActionFact, error)
	FindMeasurementsBySlots(ctx context.Context, slotIDs []int) ([]Measurement, error)
	FindFlagsBySlots(ctx context.Context, slotIDs []int) ([]LabwareFlag, error)
	FindDispositionsBySlots(ctx context.Context, slotIDs []int) ([]Disposition, error)
}

// PersistentStore is the action log abstraction implemented by every durable
// backend.
type PersistentStore interface {
	EdgeSource
	AncestrySource
	FactSource
	// ListActions returns every committed action in insertion order.
	ListActions(ctx context.Context) ([]Action, error)
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	Close() error
}

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     int
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}
