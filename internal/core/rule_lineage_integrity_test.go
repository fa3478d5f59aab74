package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"stancore/internal/infra/persistence/memory"
	"stancore/pkg/domain"
)

func recordActions(t *testing.T, store *memory.Store, actions ...domain.Action) (domain.Result, error) {
	t.Helper()
	return store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpTransfer}, actions)
		return err
	})
}

func TestLineageIntegrityRuleWarnsOnCycle(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	a, b := ss(1, 1), ss(2, 1)
	if _, err := recordActions(t, store, transferAction(a, b)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := recordActions(t, store, transferAction(b, a))
	if err != nil {
		t.Fatalf("cycles must not block: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected one warning, got %+v", res.Violations)
	}
	if !strings.Contains(res.Violations[0].Message, "cycle") {
		t.Fatalf("unexpected message %q", res.Violations[0].Message)
	}
	if res.Violations[0].Rule != lineageIntegrityName || res.Violations[0].Entity != domain.EntityAction {
		t.Fatalf("unexpected violation metadata %+v", res.Violations[0])
	}
}

func TestLineageIntegrityRuleBlocksInvalidEndpoints(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	res, err := recordActions(t, store, transferAction(ss(0, 3), ss(3, 3)))
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result")
	}
}

func TestLineageIntegrityRuleAllowsInPlaceActions(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine())
	res, err := recordActions(t, store, transferAction(ss(3, 3), ss(3, 3)))
	if err != nil {
		t.Fatalf("in-place action rejected: %v", err)
	}
	if len(res.Violations) != 0 {
		t.Fatalf("expected no violations, got %+v", res.Violations)
	}
}

func TestLineageIntegrityRuleBlocksMissingOperation(t *testing.T) {
	view := staticView{actions: nil}
	action := domain.Action{ID: 5, OperationID: 77, SourceSlotID: 1, SourceSampleID: 1, DestinationSlotID: 2, DestinationSampleID: 1}
	res, err := LineageIntegrityRule().Evaluate(context.Background(), view, []domain.Change{
		{Entity: domain.EntityAction, Kind: domain.ChangeCreate, After: action},
		{Entity: domain.EntityOperation, Kind: domain.ChangeCreate, After: domain.Operation{ID: 1}},
		{Entity: domain.EntityAction, Kind: domain.ChangeCreate, After: "not an action"},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Severity != domain.SeverityBlock || res.Violations[0].EntityID != 5 {
		t.Fatalf("expected one blocking violation for action 5, got %+v", res.Violations)
	}
}

func TestLineageIntegrityRulePropagatesViewErrors(t *testing.T) {
	boom := errors.New("view failed")
	view := staticView{ops: map[int]domain.Operation{1: {ID: 1}}, err: boom}
	action := domain.Action{ID: 2, OperationID: 1, SourceSlotID: 1, SourceSampleID: 1, DestinationSlotID: 2, DestinationSampleID: 1}
	_, err := LineageIntegrityRule().Evaluate(context.Background(), view, []domain.Change{
		{Entity: domain.EntityAction, Kind: domain.ChangeCreate, After: action},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected view error, got %v", err)
	}
}

func TestDefaultRulesEngineRegistersLineageRule(t *testing.T) {
	rules := NewDefaultRulesEngine().Rules()
	if len(rules) != 1 || rules[0].Name() != lineageIntegrityName {
		t.Fatalf("unexpected default rules %v", rules)
	}
	if len(NewRulesEngine().Rules()) != 0 {
		t.Fatalf("expected empty engine")
	}
}

type staticView struct {
	ops     map[int]domain.Operation
	actions []domain.Action
	err     error
}

func (v staticView) FindEdgesFrom(context.Context, []domain.SlotSample) ([]domain.Edge, error) {
	if v.err != nil {
		return nil, v.err
	}
	return nil, nil
}

func (v staticView) FindOperation(id int) (domain.Operation, bool) {
	op, ok := v.ops[id]
	return op, ok
}

func (v staticView) ListActions() []domain.Action { return v.actions }
