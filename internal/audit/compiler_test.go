package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stancore/internal/core"
	"stancore/internal/infra/persistence/memory"
	"stancore/pkg/domain"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func at(hours int) time.Time { return base.Add(time.Duration(hours) * time.Hour) }

func ss(slot, sample int) domain.SlotSample { return domain.NewSlotSample(slot, sample) }

func move(from, to domain.SlotSample) domain.Action {
	return domain.Action{
		SourceSlotID: from.SlotID, SourceSampleID: from.SampleID,
		DestinationSlotID: to.SlotID, DestinationSampleID: to.SampleID,
	}
}

type fixture struct {
	store    *memory.Store
	transfer domain.Operation
	hybrid   domain.Operation
	actions  []domain.Action
}

func record(t *testing.T, store *memory.Store, fn func(tx domain.Transaction) error) {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), fn)
	require.NoError(t, err)
}

// newFixture records a transfer fanning 1:1 out to 2:1 and 3:1, a section of
// 2:1 into 4:1 and 5:1, and downstream in-place work on the leaves.
func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{store: memory.NewStore(nil)}
	op := func(typ string, hours int, actions ...domain.Action) domain.Operation {
		var created domain.Operation
		record(t, f.store, func(tx domain.Transaction) error {
			var err error
			var recorded []domain.Action
			created, recorded, err = tx.RecordOperation(domain.Operation{Type: typ, PerformedAt: at(hours), Username: "tech"}, actions)
			if typ == domain.OpTransfer {
				f.actions = recorded
			}
			return err
		})
		return created
	}
	f.transfer = op(domain.OpTransfer, 1, move(ss(1, 1), ss(2, 1)), move(ss(1, 1), ss(3, 1)))
	section := op(domain.OpSection, 2, move(ss(2, 1), ss(4, 1)), move(ss(2, 1), ss(5, 1)))
	op("stain", 3, move(ss(4, 1), ss(4, 1)))
	op(domain.OpStain, 5, move(ss(5, 1), ss(5, 1)))
	op(domain.OpImage, 6, move(ss(4, 1), ss(4, 1)))
	f.hybrid = op(domain.OpProbeHybridisation, 7, move(ss(3, 1), ss(3, 1)))

	record(t, f.store, func(tx domain.Transaction) error {
		for _, m := range []domain.Measurement{
			{SlotID: 2, SampleID: 1, OperationID: section.ID, Name: "Concentration", Value: "1.5"},
			{SlotID: 2, SampleID: 1, OperationID: section.ID, Name: "volume", Value: "20"},
			{SlotID: 5, SampleID: 1, OperationID: section.ID, Name: "concentration", Value: "2.5"},
		} {
			if _, err := tx.RecordMeasurement(m); err != nil {
				return err
			}
		}
		for _, fl := range []domain.LabwareFlag{
			{SlotID: 4, Description: "smudged"},
			{SlotID: 5, Description: "torn"},
			{SlotID: 2, Description: "smudged"},
		} {
			if _, err := tx.RecordFlag(fl); err != nil {
				return err
			}
		}
		for _, d := range []domain.Disposition{
			{SlotID: 4, Kind: domain.DispositionDestroyed, At: at(8)},
			{SlotID: 5, Kind: domain.DispositionReleased, At: at(9)},
			{SlotID: 5, Kind: domain.DispositionReleased, At: at(10)},
			{SlotID: 2, Kind: domain.DispositionReleased, At: at(11)},
		} {
			if _, err := tx.RecordDisposition(d); err != nil {
				return err
			}
		}
		return nil
	})
	return f
}

func TestCompileTransferRows(t *testing.T) {
	f := newFixture(t)
	compiler := NewCompiler(core.NewAncestoriser(f.store, core.WithBatchSize(1)), f.store)

	rows, err := compiler.Compile(context.Background(), []int{f.transfer.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, f.actions[0].ID, first.ActionID)
	assert.Equal(t, f.transfer.ID, first.OperationID)
	assert.Equal(t, domain.OpTransfer, first.OperationType)
	assert.Equal(t, "tech", first.Username)
	assert.Equal(t, ss(1, 1), first.Source)
	assert.Equal(t, ss(2, 1), first.Destination)
	require.NotNil(t, first.StainedAt)
	assert.Equal(t, at(3), *first.StainedAt, "earliest stain downstream")
	require.NotNil(t, first.ImagedAt)
	assert.Equal(t, at(6), *first.ImagedAt)
	assert.Nil(t, first.ProbedAt)
	assert.Equal(t, "2.5", first.Concentration, "latest recorded concentration wins")
	assert.Equal(t, []string{"smudged", "torn"}, first.Flags)
	assert.Equal(t, 3, first.DescendantCount)
	assert.Equal(t, 2, first.LeafCount, "in-place work keeps a node terminal")
	assert.Equal(t, domain.DispositionReleased, first.Disposition)
	require.NotNil(t, first.DisposedAt)
	assert.Equal(t, at(10), *first.DisposedAt, "only terminal slots count")

	second := rows[1]
	assert.Equal(t, f.actions[1].ID, second.ActionID)
	assert.Equal(t, ss(3, 1), second.Destination)
	assert.Nil(t, second.StainedAt)
	require.NotNil(t, second.ProbedAt)
	assert.Equal(t, at(7), *second.ProbedAt)
	assert.Empty(t, second.Concentration)
	assert.Empty(t, second.Flags)
	assert.Equal(t, 1, second.DescendantCount)
	assert.Equal(t, 1, second.LeafCount)
	assert.Equal(t, domain.DispositionActive, second.Disposition)
	assert.Nil(t, second.DisposedAt)
}

func TestCompileOrdersRowsByOperationTime(t *testing.T) {
	f := newFixture(t)
	compiler := NewCompiler(core.NewService(f.store), f.store)

	rows, err := compiler.Compile(context.Background(), []int{f.hybrid.ID, f.transfer.ID})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, f.transfer.ID, rows[0].OperationID)
	assert.Equal(t, f.transfer.ID, rows[1].OperationID)
	assert.Equal(t, f.hybrid.ID, rows[2].OperationID)
	assert.Equal(t, ss(3, 1), rows[2].Destination)
}

func TestCompileDispositionPrecedence(t *testing.T) {
	store := memory.NewStore(nil)
	var op domain.Operation
	record(t, store, func(tx domain.Transaction) error {
		var err error
		op, _, err = tx.RecordOperation(domain.Operation{Type: domain.OpTransfer, PerformedAt: at(0)},
			[]domain.Action{move(ss(1, 1), ss(2, 1)), move(ss(1, 1), ss(3, 1))})
		return err
	})
	record(t, store, func(tx domain.Transaction) error {
		for _, d := range []domain.Disposition{
			{SlotID: 2, Kind: domain.DispositionDiscarded, At: at(3)},
			{SlotID: 3, Kind: domain.DispositionDestroyed, At: at(1)},
			{SlotID: 3, Kind: domain.DispositionDiscarded, At: at(5)},
		} {
			if _, err := tx.RecordDisposition(d); err != nil {
				return err
			}
		}
		return nil
	})

	rows, err := NewCompiler(core.NewAncestoriser(store), store).Compile(context.Background(), []int{op.ID})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.DispositionDiscarded, rows[0].Disposition)
	assert.Equal(t, at(3), *rows[0].DisposedAt)
	assert.Equal(t, domain.DispositionDestroyed, rows[1].Disposition, "destroyed outranks discarded")
	assert.Equal(t, at(1), *rows[1].DisposedAt)
}

func TestCompileUnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, err := NewCompiler(core.NewAncestoriser(f.store), f.store).Compile(context.Background(), []int{f.transfer.ID, 999})
	var nf ErrOperationNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, 999, nf.ID)
	assert.EqualError(t, err, "operation 999 not found")
}

type failingFacts struct {
	domain.FactSource
	calls int
	err   error
	// failAt is the 1-based call that returns err
	failAt int
}

func (f *failingFacts) next() error {
	f.calls++
	if f.calls == f.failAt {
		return f.err
	}
	return nil
}

func (f *failingFacts) FindActionsByOperations(ctx context.Context, ids []int) ([]domain.ActionFact, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.FactSource.FindActionsByOperations(ctx, ids)
}

func (f *failingFacts) FindActionsByDestinationSlots(ctx context.Context, slots []int) ([]domain.ActionFact, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.FactSource.FindActionsByDestinationSlots(ctx, slots)
}

func (f *failingFacts) FindMeasurementsBySlots(ctx context.Context, slots []int) ([]domain.Measurement, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return f.FactSource.FindMeasurementsBySlots(ctx, slots)
}

func TestCompileEmptyRequestSkipsQueries(t *testing.T) {
	facts := &failingFacts{err: errors.New("unexpected query"), failAt: 1}
	rows, err := NewCompiler(nil, facts).Compile(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Zero(t, facts.calls)
}

func TestCompilePropagatesErrors(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("database unavailable")

	t.Run("lineage", func(t *testing.T) {
		lineage := core.NewAncestoriser(domain.EdgeSourceFunc(func(context.Context, []domain.SlotSample) ([]domain.Edge, error) {
			return nil, boom
		}))
		_, err := NewCompiler(lineage, f.store).Compile(context.Background(), []int{f.transfer.ID})
		assert.Same(t, boom, err)
	})

	for _, tc := range []struct {
		name   string
		failAt int
		prefix string
	}{
		{name: "origins", failAt: 1, prefix: "load originating actions"},
		{name: "landings", failAt: 2, prefix: "load landing actions"},
		{name: "measurements", failAt: 3, prefix: "load measurements"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			facts := &failingFacts{FactSource: f.store, err: boom, failAt: tc.failAt}
			rows, err := NewCompiler(core.NewAncestoriser(f.store), facts).Compile(context.Background(), []int{f.transfer.ID})
			require.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tc.prefix)
			assert.Nil(t, rows)
		})
	}
}
