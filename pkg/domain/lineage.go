package domain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// SlotSample identifies one sample resident in one labware slot. It is the
// vertex type of the lineage graph and is used directly as a map key.
type SlotSample struct {
	SlotID   int `json:"slot_id"`
	SampleID int `json:"sample_id"`
}

// NewSlotSample returns the node for the given slot and sample ids.
func NewSlotSample(slotID, sampleID int) SlotSample {
	return SlotSample{SlotID: slotID, SampleID: sampleID}
}

// String renders the node as "slot:sample".
func (n SlotSample) String() string {
	return fmt.Sprintf("%d:%d", n.SlotID, n.SampleID)
}

// ParseSlotSample parses the "slot:sample" form produced by String.
func ParseSlotSample(s string) (SlotSample, error) {
	slot, sample, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return SlotSample{}, fmt.Errorf("parse slot sample %q: expected slot:sample", s)
	}
	slotID, err := strconv.Atoi(slot)
	if err != nil {
		return SlotSample{}, fmt.Errorf("parse slot id %q: %w", slot, err)
	}
	sampleID, err := strconv.Atoi(sample)
	if err != nil {
		return SlotSample{}, fmt.Errorf("parse sample id %q: %w", sample, err)
	}
	return SlotSample{SlotID: slotID, SampleID: sampleID}, nil
}

// Edge is one recorded transformation step from a source node to a
// destination node under an operation.
type Edge struct {
	Source      SlotSample `json:"source"`
	Destination SlotSample `json:"destination"`
	OperationID int        `json:"operation_id"`
}

// NewEdge builds an edge from the raw columns of the action log, in log order:
// operation, source slot, destination slot, destination sample, source sample.
func NewEdge(operationID, sourceSlotID, destinationSlotID, destinationSampleID, sourceSampleID int) Edge {
	return Edge{
		Source:      SlotSample{SlotID: sourceSlotID, SampleID: sourceSampleID},
		Destination: SlotSample{SlotID: destinationSlotID, SampleID: destinationSampleID},
		OperationID: operationID,
	}
}

// Action is a raw transformation record as stored in the action log.
type Action struct {
	ID                  int `json:"id"`
	OperationID         int `json:"operation_id"`
	SourceSlotID        int `json:"source_slot_id"`
	SourceSampleID      int `json:"source_sample_id"`
	DestinationSlotID   int `json:"destination_slot_id"`
	DestinationSampleID int `json:"destination_sample_id"`
}

// Source returns the node the action reads from.
func (a Action) Source() SlotSample {
	return SlotSample{SlotID: a.SourceSlotID, SampleID: a.SourceSampleID}
}

// Destination returns the node the action writes to.
func (a Action) Destination() SlotSample {
	return SlotSample{SlotID: a.DestinationSlotID, SampleID: a.DestinationSampleID}
}

// Edge converts the record into a lineage edge.
func (a Action) Edge() Edge {
	return NewEdge(a.OperationID, a.SourceSlotID, a.DestinationSlotID, a.DestinationSampleID, a.SourceSampleID)
}

// EdgeSource returns every recorded edge whose source node is in nodes.
// Implementations may return edges in any order but must not omit any.
type EdgeSource interface {
	FindEdgesFrom(ctx context.Context, nodes []SlotSample) ([]Edge, error)
}

// AncestrySource returns every recorded edge whose destination node is in nodes.
type AncestrySource interface {
	FindEdgesTo(ctx context.Context, nodes []SlotSample) ([]Edge, error)
}

// EdgeSourceFunc adapts a function to the EdgeSource interface.
type EdgeSourceFunc func(ctx context.Context, nodes []SlotSample) ([]Edge, error)

// FindEdgesFrom calls f.
func (f EdgeSourceFunc) FindEdgesFrom(ctx context.Context, nodes []SlotSample) ([]Edge, error) {
	return f(ctx, nodes)
}

// SlotIDs returns the distinct slot ids of nodes in first-seen order.
func SlotIDs(nodes []SlotSample) []int {
	seen := make(map[int]struct{}, len(nodes))
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.SlotID]; ok {
			continue
		}
		seen[n.SlotID] = struct{}{}
		out = append(out, n.SlotID)
	}
	return out
}

// SampleIDs returns the distinct sample ids of nodes in first-seen order.
func SampleIDs(nodes []SlotSample) []int {
	seen := make(map[int]struct{}, len(nodes))
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.SampleID]; ok {
			continue
		}
		seen[n.SampleID] = struct{}{}
		out = append(out, n.SampleID)
	}
	return out
}
