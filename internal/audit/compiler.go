// Package audit compiles per-transfer audit rows from a lineage snapshot and
// the facts recorded against its nodes.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"stancore/internal/core"
	"stancore/pkg/domain"
)

// PosterityFinder builds forward lineage. *core.Ancestoriser and
// *core.Service satisfy it.
type PosterityFinder interface {
	FindPosterity(ctx context.Context, roots []domain.SlotSample) (*core.Posterity, error)
}

// ErrOperationNotFound reports a requested operation with no recorded actions.
type ErrOperationNotFound struct {
	ID int
}

func (e ErrOperationNotFound) Error() string {
	return fmt.Sprintf("operation %d not found", e.ID)
}

// TransferRow summarises what happened downstream of one originating action.
type TransferRow struct {
	OperationID     int                    `json:"operation_id"`
	OperationType   string                 `json:"operation_type"`
	ActionID        int                    `json:"action_id"`
	PerformedAt     time.Time              `json:"performed_at"`
	Username        string                 `json:"username,omitempty"`
	Source          domain.SlotSample      `json:"source"`
	Destination     domain.SlotSample      `json:"destination"`
	StainedAt       *time.Time             `json:"stained_at,omitempty"`
	ImagedAt        *time.Time             `json:"imaged_at,omitempty"`
	ProbedAt        *time.Time             `json:"probed_at,omitempty"`
	Concentration   string                 `json:"concentration,omitempty"`
	Flags           []string               `json:"flags,omitempty"`
	Disposition     domain.DispositionKind `json:"disposition"`
	DisposedAt      *time.Time             `json:"disposed_at,omitempty"`
	DescendantCount int                    `json:"descendant_count"`
	LeafCount       int                    `json:"leaf_count"`
}

// Compiler assembles TransferRows.
type Compiler struct {
	lineage PosterityFinder
	facts   domain.FactSource
}

// NewCompiler returns a compiler reading lineage from lineage and collateral
// facts from facts.
func NewCompiler(lineage PosterityFinder, facts domain.FactSource) *Compiler {
	return &Compiler{lineage: lineage, facts: facts}
}

// Compile returns one row per action of the given operations, ordered by
// operation time then action id. The lineage snapshot is built once for all
// rows and every fact query is keyed by its node set.
func (c *Compiler) Compile(ctx context.Context, operationIDs []int) ([]TransferRow, error) {
	if len(operationIDs) == 0 {
		return []TransferRow{}, nil
	}
	origins, err := c.facts.FindActionsByOperations(ctx, operationIDs)
	if err != nil {
		return nil, fmt.Errorf("load originating actions: %w", err)
	}
	found := make(map[int]struct{}, len(origins))
	for _, f := range origins {
		found[f.Action.OperationID] = struct{}{}
	}
	for _, id := range operationIDs {
		if _, ok := found[id]; !ok {
			return nil, ErrOperationNotFound{ID: id}
		}
	}

	roots := make([]domain.SlotSample, 0, len(origins))
	for _, f := range origins {
		roots = append(roots, f.Action.Destination())
	}
	posterity, err := c.lineage.FindPosterity(ctx, roots)
	if err != nil {
		return nil, err
	}
	idx, err := c.loadFacts(ctx, posterity.KeySet())
	if err != nil {
		return nil, err
	}

	rows := make([]TransferRow, 0, len(origins))
	for _, f := range origins {
		rows = append(rows, idx.row(f, posterity))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].PerformedAt.Equal(rows[j].PerformedAt) {
			return rows[i].PerformedAt.Before(rows[j].PerformedAt)
		}
		return rows[i].ActionID < rows[j].ActionID
	})
	return rows, nil
}

// factIndex holds the bulk-loaded facts of a key set.
type factIndex struct {
	landings     map[domain.SlotSample][]domain.ActionFact
	measurements map[domain.SlotSample][]domain.Measurement
	flags        map[int][]domain.LabwareFlag
	dispositions map[int][]domain.Disposition
}

func (c *Compiler) loadFacts(ctx context.Context, keySet []domain.SlotSample) (*factIndex, error) {
	slots := domain.SlotIDs(keySet)
	idx := &factIndex{
		landings:     make(map[domain.SlotSample][]domain.ActionFact),
		measurements: make(map[domain.SlotSample][]domain.Measurement),
		flags:        make(map[int][]domain.LabwareFlag),
		dispositions: make(map[int][]domain.Disposition),
	}
	landings, err := c.facts.FindActionsByDestinationSlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("load landing actions: %w", err)
	}
	for _, f := range landings {
		dst := f.Action.Destination()
		idx.landings[dst] = append(idx.landings[dst], f)
	}
	measurements, err := c.facts.FindMeasurementsBySlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("load measurements: %w", err)
	}
	for _, m := range measurements {
		n := domain.NewSlotSample(m.SlotID, m.SampleID)
		idx.measurements[n] = append(idx.measurements[n], m)
	}
	flags, err := c.facts.FindFlagsBySlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	for _, f := range flags {
		idx.flags[f.SlotID] = append(idx.flags[f.SlotID], f)
	}
	dispositions, err := c.facts.FindDispositionsBySlots(ctx, slots)
	if err != nil {
		return nil, fmt.Errorf("load dispositions: %w", err)
	}
	for _, d := range dispositions {
		idx.dispositions[d.SlotID] = append(idx.dispositions[d.SlotID], d)
	}
	return idx, nil
}

var dispositionPrecedence = []domain.DispositionKind{
	domain.DispositionReleased,
	domain.DispositionDestroyed,
	domain.DispositionDiscarded,
}

func (idx *factIndex) row(origin domain.ActionFact, posterity *core.Posterity) TransferRow {
	row := TransferRow{
		OperationID:   origin.Operation.ID,
		OperationType: origin.Operation.Type,
		ActionID:      origin.Action.ID,
		PerformedAt:   origin.Operation.PerformedAt,
		Username:      origin.Operation.Username,
		Source:        origin.Action.Source(),
		Destination:   origin.Action.Destination(),
		Disposition:   domain.DispositionActive,
	}
	descendants := posterity.Descendents(row.Destination)
	row.DescendantCount = len(descendants)

	// measurement ids grow with recording order
	latestMeasurement := 0
	flagSet := make(map[string]struct{})
	for _, n := range descendants {
		for _, f := range idx.landings[n] {
			switch {
			case f.Operation.Is(domain.OpStain):
				row.StainedAt = earliest(row.StainedAt, f.Operation.PerformedAt)
			case f.Operation.Is(domain.OpImage):
				row.ImagedAt = earliest(row.ImagedAt, f.Operation.PerformedAt)
			case f.Operation.Is(domain.OpProbeHybridisation):
				row.ProbedAt = earliest(row.ProbedAt, f.Operation.PerformedAt)
			}
		}
		for _, m := range idx.measurements[n] {
			if strings.EqualFold(m.Name, domain.MeasurementConcentration) && m.ID >= latestMeasurement {
				latestMeasurement = m.ID
				row.Concentration = m.Value
			}
		}
	}
	for _, slot := range domain.SlotIDs(descendants) {
		for _, f := range idx.flags[slot] {
			flagSet[f.Description] = struct{}{}
		}
	}
	for desc := range flagSet {
		row.Flags = append(row.Flags, desc)
	}
	sort.Strings(row.Flags)

	var leafSlots []int
	for _, n := range descendants {
		if terminal(posterity, n) {
			row.LeafCount++
			leafSlots = append(leafSlots, n.SlotID)
		}
	}
	row.Disposition, row.DisposedAt = idx.disposition(leafSlots)
	return row
}

func (idx *factIndex) disposition(leafSlots []int) (domain.DispositionKind, *time.Time) {
	latest := make(map[domain.DispositionKind]time.Time)
	for _, slot := range leafSlots {
		for _, d := range idx.dispositions[slot] {
			if cur, ok := latest[d.Kind]; !ok || d.At.After(cur) {
				latest[d.Kind] = d.At
			}
		}
	}
	for _, kind := range dispositionPrecedence {
		if at, ok := latest[kind]; ok {
			return kind, &at
		}
	}
	return domain.DispositionActive, nil
}

// terminal reports whether n has no edge to another node. In-place actions
// leave a self edge and do not make material non-terminal.
func terminal(posterity *core.Posterity, n domain.SlotSample) bool {
	for _, e := range posterity.OutgoingEdges(n) {
		if e.Destination != n {
			return false
		}
	}
	return true
}

func earliest(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.Before(*cur) {
		return &t
	}
	return cur
}
