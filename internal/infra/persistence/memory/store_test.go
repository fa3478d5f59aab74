package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"stancore/pkg/domain"
)

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

type recordingRule struct {
	changes []domain.Change
	actions int
}

func (*recordingRule) Name() string { return "recording" }

func (r *recordingRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	r.changes = append(r.changes, changes...)
	r.actions = len(view.ListActions())
	return domain.Result{}, nil
}

func transfer(src, dst domain.SlotSample) domain.Action {
	return domain.Action{
		SourceSlotID:        src.SlotID,
		SourceSampleID:      src.SampleID,
		DestinationSlotID:   dst.SlotID,
		DestinationSampleID: dst.SampleID,
	}
}

func mustRecord(t *testing.T, store *Store, opType string, actions ...domain.Action) (domain.Operation, []domain.Action) {
	t.Helper()
	var (
		op       domain.Operation
		recorded []domain.Action
	)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		op, recorded, err = tx.RecordOperation(domain.Operation{Type: opType}, actions)
		return err
	})
	if err != nil {
		t.Fatalf("record %s: %v", opType, err)
	}
	return op, recorded
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })

	a, b := domain.NewSlotSample(1, 10), domain.NewSlotSample(2, 10)
	op, actions := mustRecord(t, store, domain.OpTransfer, transfer(a, b))
	if op.ID == 0 || len(actions) != 1 || actions[0].ID == 0 {
		t.Fatalf("expected generated ids, got op=%+v actions=%+v", op, actions)
	}
	if actions[0].OperationID != op.ID {
		t.Fatalf("action not bound to operation: %+v", actions[0])
	}
	if !op.PerformedAt.Equal(fixed) {
		t.Fatalf("expected stamped time, got %v", op.PerformedAt)
	}

	snapshot := store.ExportState()
	if len(snapshot.Operations) != 1 || len(snapshot.Actions) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	store.ImportState(Snapshot{})
	if edges, _ := store.FindEdgesFrom(context.Background(), []domain.SlotSample{a}); len(edges) != 0 {
		t.Fatalf("expected cleared state, got %v", edges)
	}
	store.ImportState(snapshot)
	edges, err := store.FindEdgesFrom(context.Background(), []domain.SlotSample{a})
	if err != nil || len(edges) != 1 || edges[0].Destination != b {
		t.Fatalf("expected restored edge, got %v err=%v", edges, err)
	}
	op2, _ := mustRecord(t, store, domain.OpTransfer, transfer(b, a))
	if op2.ID <= actions[0].ID {
		t.Fatalf("imported ids must not be reused: %d", op2.ID)
	}
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStoreRuleViolationRollsBack(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _, e := tx.RecordOperation(domain.Operation{Type: domain.OpTransfer}, []domain.Action{
			transfer(domain.NewSlotSample(1, 1), domain.NewSlotSample(2, 1)),
		})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
	if got := store.ExportState(); len(got.Operations) != 0 || len(got.Actions) != 0 {
		t.Fatalf("blocked transaction must not commit: %+v", got)
	}
}

func TestStoreCallbackErrorRollsBack(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpStain}, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if len(store.ExportState().Operations) != 0 {
		t.Fatalf("expected rollback")
	}
}

func TestStoreRulesSeePendingChanges(t *testing.T) {
	rule := &recordingRule{}
	engine := domain.NewRulesEngine()
	engine.Register(rule)
	store := NewStore(engine)
	mustRecord(t, store, domain.OpTransfer,
		transfer(domain.NewSlotSample(1, 1), domain.NewSlotSample(2, 1)),
		transfer(domain.NewSlotSample(1, 1), domain.NewSlotSample(3, 1)),
	)
	if rule.actions != 2 {
		t.Fatalf("rule should see 2 pending actions, saw %d", rule.actions)
	}
	if len(rule.changes) != 3 {
		t.Fatalf("expected operation plus two action changes, got %d", len(rule.changes))
	}
	if rule.changes[0].Entity != domain.EntityOperation || rule.changes[1].Entity != domain.EntityAction {
		t.Fatalf("unexpected change order: %+v", rule.changes)
	}
}

func TestStoreRecordOperationDuplicateID(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, _, err := tx.RecordOperation(domain.Operation{ID: 7, Type: domain.OpStain}, nil); err != nil {
			return err
		}
		_, _, err := tx.RecordOperation(domain.Operation{ID: 7, Type: domain.OpStain}, nil)
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate operation error")
	}
}

func TestStoreRejectsDuplicateRecordIDs(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		op, _, err := tx.RecordOperation(domain.Operation{ID: 1, Type: domain.OpTransfer}, []domain.Action{
			{ID: 10, SourceSlotID: 1, SourceSampleID: 1, DestinationSlotID: 2, DestinationSampleID: 1},
		})
		if err != nil {
			return err
		}
		if _, err := tx.RecordMeasurement(domain.Measurement{ID: 20, SlotID: 2, SampleID: 1, OperationID: op.ID, Name: "concentration"}); err != nil {
			return err
		}
		_, err = tx.RecordFlag(domain.LabwareFlag{ID: 30, SlotID: 2, OperationID: op.ID, Description: "cracked"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	cases := []struct {
		name string
		fn   func(tx domain.Transaction) error
		want string
	}{
		{"action", func(tx domain.Transaction) error {
			_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpTransfer}, []domain.Action{
				{ID: 10, SourceSlotID: 2, SourceSampleID: 1, DestinationSlotID: 3, DestinationSampleID: 1},
			})
			return err
		}, "action 10 already exists"},
		{"action within one operation", func(tx domain.Transaction) error {
			_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpTransfer}, []domain.Action{
				{ID: 11, SourceSlotID: 2, SourceSampleID: 1, DestinationSlotID: 3, DestinationSampleID: 1},
				{ID: 11, SourceSlotID: 2, SourceSampleID: 1, DestinationSlotID: 4, DestinationSampleID: 1},
			})
			return err
		}, "action 11 already exists"},
		{"measurement", func(tx domain.Transaction) error {
			_, err := tx.RecordMeasurement(domain.Measurement{ID: 20, SlotID: 2, SampleID: 1, Name: "volume"})
			return err
		}, "measurement 20 already exists"},
		{"flag", func(tx domain.Transaction) error {
			_, err := tx.RecordFlag(domain.LabwareFlag{ID: 30, SlotID: 2, Description: "leaking"})
			return err
		}, "labware_flag 30 already exists"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.RunInTransaction(ctx, tc.fn)
			if err == nil || err.Error() != tc.want {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}

	snap := store.ExportState()
	if len(snap.Actions) != 1 || len(snap.Measurements) != 1 || len(snap.Flags) != 1 {
		t.Fatalf("rejected records leaked into state: %+v", snap)
	}

	// ids restored from a snapshot stay reserved
	restored := NewStore(nil)
	restored.ImportState(snap)
	_, err = restored.RunInTransaction(ctx, cases[0].fn)
	if err == nil || err.Error() != "action 10 already exists" {
		t.Fatalf("expected duplicate after import, got %v", err)
	}
}

func TestStoreCollateralRecordsRequireOperation(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.RecordMeasurement(domain.Measurement{SlotID: 1, OperationID: 99, Name: "concentration"})
		return err
	})
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.ID != 99 || nf.Entity != domain.EntityOperation {
		t.Fatalf("expected not found for operation 99, got %v", err)
	}
}

func TestStoreEdgeQueries(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	a, b, c := domain.NewSlotSample(1, 1), domain.NewSlotSample(2, 1), domain.NewSlotSample(3, 1)
	mustRecord(t, store, domain.OpTransfer, transfer(a, b), transfer(a, c))
	mustRecord(t, store, domain.OpTransfer, transfer(b, c))

	from, err := store.FindEdgesFrom(ctx, []domain.SlotSample{a, a, b})
	if err != nil {
		t.Fatalf("edges from: %v", err)
	}
	if len(from) != 3 {
		t.Fatalf("duplicate request nodes must not duplicate edges, got %v", from)
	}
	to, err := store.FindEdgesTo(ctx, []domain.SlotSample{c})
	if err != nil {
		t.Fatalf("edges to: %v", err)
	}
	if len(to) != 2 || to[0].Source != a || to[1].Source != b {
		t.Fatalf("unexpected incoming edges: %v", to)
	}
	if none, _ := store.FindEdgesFrom(ctx, nil); len(none) != 0 {
		t.Fatalf("expected no edges for empty request")
	}

	all, err := store.ListActions(ctx)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(all) != 3 || all[0].Destination() != b || all[2].Source() != b {
		t.Fatalf("unexpected action listing: %v", all)
	}
	all[0].SourceSlotID = 99
	if again, _ := store.ListActions(ctx); again[0].SourceSlotID != a.SlotID {
		t.Fatalf("listing must be a copy")
	}
}

func TestStoreFactQueries(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	a, b := domain.NewSlotSample(1, 1), domain.NewSlotSample(2, 1)
	op, _ := mustRecord(t, store, domain.OpTransfer, transfer(a, b))
	stain, _ := mustRecord(t, store, domain.OpStain, transfer(b, b))

	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.RecordMeasurement(domain.Measurement{SlotID: 2, SampleID: 1, OperationID: stain.ID, Name: "concentration", Value: "1.5"}); err != nil {
			return err
		}
		if _, err := tx.RecordFlag(domain.LabwareFlag{SlotID: 2, OperationID: stain.ID, Description: "torn"}); err != nil {
			return err
		}
		_, err := tx.RecordDisposition(domain.Disposition{SlotID: 2, Kind: domain.DispositionReleased})
		return err
	})
	if err != nil {
		t.Fatalf("record facts: %v", err)
	}

	facts, err := store.FindActionsByOperations(ctx, []int{op.ID})
	if err != nil || len(facts) != 1 || facts[0].Operation.Type != domain.OpTransfer {
		t.Fatalf("unexpected facts: %+v err=%v", facts, err)
	}
	byDest, _ := store.FindActionsByDestinationSlots(ctx, []int{2})
	if len(byDest) != 2 || byDest[0].Action.ID > byDest[1].Action.ID {
		t.Fatalf("expected two actions ordered by id, got %+v", byDest)
	}
	ms, _ := store.FindMeasurementsBySlots(ctx, []int{2})
	if len(ms) != 1 || ms[0].Value != "1.5" {
		t.Fatalf("unexpected measurements: %+v", ms)
	}
	flags, _ := store.FindFlagsBySlots(ctx, []int{2, 3})
	if len(flags) != 1 {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	disp, _ := store.FindDispositionsBySlots(ctx, []int{2})
	if len(disp) != 1 || disp[0].At.IsZero() {
		t.Fatalf("expected stamped disposition, got %+v", disp)
	}
	if none, _ := store.FindMeasurementsBySlots(ctx, nil); len(none) != 0 {
		t.Fatalf("expected empty result for empty slots")
	}
}

func TestStoreCommitHook(t *testing.T) {
	store := NewStore(nil)
	var seen []domain.Change
	store.SetCommitHook(func(_ context.Context, changes []domain.Change) error {
		seen = append(seen, changes...)
		return nil
	})
	mustRecord(t, store, domain.OpTransfer, transfer(domain.NewSlotSample(1, 1), domain.NewSlotSample(2, 1)))
	if len(seen) != 2 {
		t.Fatalf("expected operation and action changes, got %d", len(seen))
	}

	failure := errors.New("disk full")
	store.SetCommitHook(func(context.Context, []domain.Change) error { return failure })
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpStain}, nil)
		return err
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if got := len(store.ExportState().Operations); got != 1 {
		t.Fatalf("failed hook must not commit, have %d operations", got)
	}
}
