package graphdb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stancore/internal/core"
	"stancore/pkg/domain"
)

type call struct {
	cypher string
	params map[string]any
}

// fakeRunner answers reads from an in-memory relationship list and records
// every statement.
type fakeRunner struct {
	rels     []domain.Action
	reads    []call
	writes   []call
	readErr  error
	writeErr error
	closed   bool
}

func (f *fakeRunner) read(_ context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	f.reads = append(f.reads, call{cypher: cypher, params: params})
	if f.readErr != nil {
		return nil, f.readErr
	}
	want := make(map[domain.SlotSample]struct{})
	for _, raw := range params["nodes"].([]any) {
		m := raw.(map[string]any)
		want[domain.NewSlotSample(int(m["slot_id"].(int64)), int(m["sample_id"].(int64)))] = struct{}{}
	}
	forward := strings.Contains(cypher, "(s:SlotSample {slot_id")
	var out []*neo4j.Record
	for _, a := range f.rels {
		key := a.Destination()
		if forward {
			key = a.Source()
		}
		if _, ok := want[key]; !ok {
			continue
		}
		out = append(out, &neo4j.Record{
			Keys: []string{"r.operation_id", "s.slot_id", "d.slot_id", "d.sample_id", "s.sample_id"},
			Values: []any{
				int64(a.OperationID), int64(a.SourceSlotID), int64(a.DestinationSlotID),
				int64(a.DestinationSampleID), int64(a.SourceSampleID),
			},
		})
	}
	return out, nil
}

func (f *fakeRunner) write(_ context.Context, cypher string, params map[string]any) error {
	f.writes = append(f.writes, call{cypher: cypher, params: params})
	return f.writeErr
}

func (f *fakeRunner) close(context.Context) error {
	f.closed = true
	return nil
}

func action(id, op, srcSlot, srcSample, dstSlot, dstSample int) domain.Action {
	return domain.Action{ID: id, OperationID: op, SourceSlotID: srcSlot, SourceSampleID: srcSample, DestinationSlotID: dstSlot, DestinationSampleID: dstSample}
}

func TestFindEdgesFromAndTo(t *testing.T) {
	runner := &fakeRunner{rels: []domain.Action{
		action(1, 10, 1, 1, 2, 1),
		action(2, 10, 1, 1, 3, 1),
		action(3, 11, 2, 1, 4, 7),
	}}
	store := newStore(runner)
	ctx := context.Background()

	edges, err := store.FindEdgesFrom(ctx, []domain.SlotSample{domain.NewSlotSample(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, []domain.Edge{
		domain.NewEdge(10, 1, 2, 1, 1),
		domain.NewEdge(10, 1, 3, 1, 1),
	}, edges)

	edges, err = store.FindEdgesTo(ctx, []domain.SlotSample{domain.NewSlotSample(4, 7)})
	require.NoError(t, err)
	assert.Equal(t, []domain.Edge{domain.NewEdge(11, 2, 4, 7, 1)}, edges)

	edges, err = store.FindEdgesFrom(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, edges)
	assert.Len(t, runner.reads, 2, "empty requests do not reach the database")
}

func TestStoreDrivesAncestoriser(t *testing.T) {
	runner := &fakeRunner{rels: []domain.Action{
		action(1, 10, 1, 1, 2, 1),
		action(2, 11, 2, 1, 3, 1),
		action(3, 12, 3, 1, 1, 1),
	}}
	posterity, err := core.NewAncestoriser(newStore(runner)).FindPosterity(context.Background(),
		[]domain.SlotSample{domain.NewSlotSample(1, 1)})
	require.NoError(t, err)
	assert.Equal(t, 3, posterity.Len(), "cycle in the mirror terminates")
	assert.Len(t, runner.reads, 3)
}

func TestFindEdgesErrors(t *testing.T) {
	boom := errors.New("session expired")
	store := newStore(&fakeRunner{readErr: boom})
	_, err := store.FindEdgesFrom(context.Background(), []domain.SlotSample{domain.NewSlotSample(1, 1)})
	require.ErrorIs(t, err, boom)

	_, err = intColumns(&neo4j.Record{Values: []any{int64(1), "x", int64(2), int64(3), int64(4)}}, 5)
	assert.ErrorContains(t, err, "neo4j column 1: unexpected string")
	_, err = intColumns(&neo4j.Record{Values: []any{int64(1)}}, 5)
	assert.ErrorContains(t, err, "has 1 columns")
}

func TestMirrorActionsBatches(t *testing.T) {
	runner := &fakeRunner{}
	store := newStore(runner)
	store.mirrorBatch = 2

	actions := []domain.Action{
		action(1, 10, 1, 1, 2, 1),
		action(2, 10, 1, 1, 3, 1),
		action(3, 11, 2, 1, 4, 7),
	}
	require.NoError(t, store.MirrorActions(context.Background(), actions))
	require.Len(t, runner.writes, 2)
	assert.Len(t, runner.writes[0].params["actions"], 2)
	assert.Len(t, runner.writes[1].params["actions"], 1)
	last := runner.writes[1].params["actions"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{
		"action_id": int64(3), "operation_id": int64(11),
		"src_slot": int64(2), "src_sample": int64(1),
		"dst_slot": int64(4), "dst_sample": int64(7),
	}, last)
	assert.Contains(t, runner.writes[0].cypher, "MERGE (s)-[r:DERIVED {action_id: a.action_id}]->(d)")

	require.NoError(t, store.MirrorActions(context.Background(), nil))
	assert.Len(t, runner.writes, 2)
}

func TestMirrorAndSchemaErrors(t *testing.T) {
	boom := errors.New("leader unavailable")
	runner := &fakeRunner{writeErr: boom}
	store := newStore(runner)

	err := store.MirrorActions(context.Background(), []domain.Action{action(1, 1, 1, 1, 2, 1)})
	require.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "mirror actions to neo4j")

	err = store.EnsureSchema(context.Background())
	require.ErrorIs(t, err, boom)

	require.NoError(t, store.Close(context.Background()))
	assert.True(t, runner.closed)
}

func TestOpenRequiresURI(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.EqualError(t, err, "neo4j uri is required")
}

var (
	_ domain.EdgeSource     = (*Store)(nil)
	_ domain.AncestrySource = (*Store)(nil)
	_ core.ActionMirror     = (*Store)(nil)
)
