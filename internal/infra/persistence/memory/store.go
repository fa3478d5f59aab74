// Package memory provides an in-memory implementation of the action log used
// for tests, fixtures and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"stancore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Operation aliases domain.Operation.
	Operation = domain.Operation
	// Action aliases domain.Action.
	Action = domain.Action
	// Edge aliases domain.Edge.
	Edge = domain.Edge
	// SlotSample aliases domain.SlotSample.
	SlotSample = domain.SlotSample
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
)

// Snapshot is the serialisable form of the whole action log.
type Snapshot struct {
	Operations   []domain.Operation   `json:"operations"`
	Actions      []domain.Action      `json:"actions"`
	Measurements []domain.Measurement `json:"measurements"`
	Flags        []domain.LabwareFlag `json:"flags"`
	Dispositions []domain.Disposition `json:"dispositions"`
}

type memoryState struct {
	operations   map[int]domain.Operation
	actions      []domain.Action
	measurements []domain.Measurement
	flags        []domain.LabwareFlag
	dispositions []domain.Disposition

	// indexes into actions
	bySource map[SlotSample][]int
	byDest   map[SlotSample][]int

	// ids taken per entity
	actionIDs      map[int]struct{}
	measurementIDs map[int]struct{}
	flagIDs        map[int]struct{}

	nextID int
}

func newMemoryState() memoryState {
	return memoryState{
		operations: make(map[int]domain.Operation),
		bySource:   make(map[SlotSample][]int),
		byDest:     make(map[SlotSample][]int),

		actionIDs:      make(map[int]struct{}),
		measurementIDs: make(map[int]struct{}),
		flagIDs:        make(map[int]struct{}),

		nextID: 1,
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		operations:   make(map[int]domain.Operation, len(s.operations)),
		actions:      append([]domain.Action(nil), s.actions...),
		measurements: append([]domain.Measurement(nil), s.measurements...),
		flags:        append([]domain.LabwareFlag(nil), s.flags...),
		dispositions: append([]domain.Disposition(nil), s.dispositions...),
		bySource:     make(map[SlotSample][]int, len(s.bySource)),
		byDest:       make(map[SlotSample][]int, len(s.byDest)),

		actionIDs:      maps.Clone(s.actionIDs),
		measurementIDs: maps.Clone(s.measurementIDs),
		flagIDs:        maps.Clone(s.flagIDs),

		nextID: s.nextID,
	}
	for id, op := range s.operations {
		out.operations[id] = op
	}
	for k, v := range s.bySource {
		out.bySource[k] = append([]int(nil), v...)
	}
	for k, v := range s.byDest {
		out.byDest[k] = append([]int(nil), v...)
	}
	return out
}

func (s *memoryState) allocate(id int) int {
	if id == 0 {
		id = s.nextID
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	return id
}

// claim reserves id in taken, allocating one when id is zero. An explicit
// id already in use is rejected.
func (s *memoryState) claim(taken map[int]struct{}, entity domain.EntityType, id int) (int, error) {
	if id != 0 {
		if _, exists := taken[id]; exists {
			return 0, fmt.Errorf("%s %d already exists", entity, id)
		}
	}
	id = s.allocate(id)
	taken[id] = struct{}{}
	return id, nil
}

func (s *memoryState) appendAction(a domain.Action) {
	s.actionIDs[a.ID] = struct{}{}
	idx := len(s.actions)
	s.actions = append(s.actions, a)
	s.bySource[a.Source()] = append(s.bySource[a.Source()], idx)
	s.byDest[a.Destination()] = append(s.byDest[a.Destination()], idx)
}

func (s *memoryState) edgesFrom(nodes []SlotSample) []domain.Edge {
	var out []domain.Edge
	for _, n := range dedupeNodes(nodes) {
		for _, idx := range s.bySource[n] {
			out = append(out, s.actions[idx].Edge())
		}
	}
	return out
}

func (s *memoryState) edgesTo(nodes []SlotSample) []domain.Edge {
	var out []domain.Edge
	for _, n := range dedupeNodes(nodes) {
		for _, idx := range s.byDest[n] {
			out = append(out, s.actions[idx].Edge())
		}
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	snap := Snapshot{
		Operations:   make([]domain.Operation, 0, len(state.operations)),
		Actions:      append([]domain.Action(nil), state.actions...),
		Measurements: append([]domain.Measurement(nil), state.measurements...),
		Flags:        append([]domain.LabwareFlag(nil), state.flags...),
		Dispositions: append([]domain.Disposition(nil), state.dispositions...),
	}
	for _, op := range state.operations {
		snap.Operations = append(snap.Operations, op)
	}
	sort.Slice(snap.Operations, func(i, j int) bool { return snap.Operations[i].ID < snap.Operations[j].ID })
	return snap
}

func memoryStateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	for _, op := range snap.Operations {
		state.operations[op.ID] = op
		state.allocate(op.ID)
	}
	for _, a := range snap.Actions {
		state.allocate(a.ID)
		state.appendAction(a)
	}
	for _, m := range snap.Measurements {
		state.allocate(m.ID)
		state.measurementIDs[m.ID] = struct{}{}
		state.measurements = append(state.measurements, m)
	}
	for _, f := range snap.Flags {
		state.allocate(f.ID)
		state.flagIDs[f.ID] = struct{}{}
		state.flags = append(state.flags, f)
	}
	state.dispositions = append(state.dispositions, snap.Dispositions...)
	return state
}

// CommitHook receives the changes of a transaction that passed rule
// evaluation. A hook error aborts the commit.
type CommitHook func(ctx context.Context, changes []domain.Change) error

// Store is an in-memory action log. Writes go through RunInTransaction and
// are validated by the rules engine before they become visible.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot. Rules are
// not evaluated for imported records.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the time provider used to stamp operations.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// SetCommitHook installs a hook run after rules pass and before the state is
// swapped. Durable backends use it to write through.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// NowFunc returns the active time provider.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction applies fn to a copy of the state, evaluates rules over the
// result, and commits only when no blocking violation was raised.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, transactionView{state: &tx.state}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

// ListActions returns a copy of every committed action in insertion order.
func (s *Store) ListActions(_ context.Context) ([]Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Action(nil), s.state.actions...), nil
}

// FindEdgesFrom implements domain.EdgeSource.
func (s *Store) FindEdgesFrom(_ context.Context, nodes []SlotSample) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.edgesFrom(nodes), nil
}

// FindEdgesTo implements domain.AncestrySource.
func (s *Store) FindEdgesTo(_ context.Context, nodes []SlotSample) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.edgesTo(nodes), nil
}

// FindActionsByOperations returns the actions of the given operations joined
// with their operation, ordered by action id.
func (s *Store) FindActionsByOperations(_ context.Context, operationIDs []int) ([]domain.ActionFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := intSet(operationIDs)
	var out []domain.ActionFact
	for _, a := range s.state.actions {
		if _, ok := want[a.OperationID]; ok {
			out = append(out, domain.ActionFact{Action: a, Operation: s.state.operations[a.OperationID]})
		}
	}
	return sortFacts(out), nil
}

// FindActionsByDestinationSlots returns the actions landing in any of the slots.
func (s *Store) FindActionsByDestinationSlots(_ context.Context, slotIDs []int) ([]domain.ActionFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := intSet(slotIDs)
	var out []domain.ActionFact
	for _, a := range s.state.actions {
		if _, ok := want[a.DestinationSlotID]; ok {
			out = append(out, domain.ActionFact{Action: a, Operation: s.state.operations[a.OperationID]})
		}
	}
	return sortFacts(out), nil
}

// FindMeasurementsBySlots returns measurements recorded against the slots.
func (s *Store) FindMeasurementsBySlots(_ context.Context, slotIDs []int) ([]domain.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := intSet(slotIDs)
	var out []domain.Measurement
	for _, m := range s.state.measurements {
		if _, ok := want[m.SlotID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// FindFlagsBySlots returns flags raised on the slots.
func (s *Store) FindFlagsBySlots(_ context.Context, slotIDs []int) ([]domain.LabwareFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := intSet(slotIDs)
	var out []domain.LabwareFlag
	for _, f := range s.state.flags {
		if _, ok := want[f.SlotID]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// FindDispositionsBySlots returns dispositions recorded for the slots.
func (s *Store) FindDispositionsBySlots(_ context.Context, slotIDs []int) ([]domain.Disposition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := intSet(slotIDs)
	var out []domain.Disposition
	for _, d := range s.state.dispositions {
		if _, ok := want[d.SlotID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

type transaction struct {
	state   memoryState
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) Snapshot() domain.RuleView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) RecordOperation(op Operation, actions []Action) (Operation, []Action, error) {
	if op.ID != 0 {
		if _, exists := tx.state.operations[op.ID]; exists {
			return Operation{}, nil, fmt.Errorf("operation %d already exists", op.ID)
		}
	}
	op.ID = tx.state.allocate(op.ID)
	if op.PerformedAt.IsZero() {
		op.PerformedAt = tx.now
	}
	tx.state.operations[op.ID] = op
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityOperation, Kind: domain.ChangeCreate, After: op})

	recorded := make([]Action, 0, len(actions))
	for _, a := range actions {
		id, err := tx.state.claim(tx.state.actionIDs, domain.EntityAction, a.ID)
		if err != nil {
			return Operation{}, nil, err
		}
		a.ID = id
		a.OperationID = op.ID
		tx.state.appendAction(a)
		tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityAction, Kind: domain.ChangeCreate, After: a})
		recorded = append(recorded, a)
	}
	return op, recorded, nil
}

func (tx *transaction) RecordMeasurement(m domain.Measurement) (domain.Measurement, error) {
	if err := tx.requireOperation(m.OperationID); err != nil {
		return domain.Measurement{}, err
	}
	id, err := tx.state.claim(tx.state.measurementIDs, domain.EntityMeasurement, m.ID)
	if err != nil {
		return domain.Measurement{}, err
	}
	m.ID = id
	tx.state.measurements = append(tx.state.measurements, m)
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityMeasurement, Kind: domain.ChangeCreate, After: m})
	return m, nil
}

func (tx *transaction) RecordFlag(f domain.LabwareFlag) (domain.LabwareFlag, error) {
	if err := tx.requireOperation(f.OperationID); err != nil {
		return domain.LabwareFlag{}, err
	}
	id, err := tx.state.claim(tx.state.flagIDs, domain.EntityLabwareFlag, f.ID)
	if err != nil {
		return domain.LabwareFlag{}, err
	}
	f.ID = id
	tx.state.flags = append(tx.state.flags, f)
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityLabwareFlag, Kind: domain.ChangeCreate, After: f})
	return f, nil
}

func (tx *transaction) RecordDisposition(d domain.Disposition) (domain.Disposition, error) {
	if err := tx.requireOperation(d.OperationID); err != nil {
		return domain.Disposition{}, err
	}
	if d.At.IsZero() {
		d.At = tx.now
	}
	tx.state.dispositions = append(tx.state.dispositions, d)
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityDisposition, Kind: domain.ChangeCreate, After: d})
	return d, nil
}

// requireOperation accepts zero as "no operation".
func (tx *transaction) requireOperation(id int) error {
	if id == 0 {
		return nil
	}
	if _, ok := tx.state.operations[id]; !ok {
		return domain.ErrNotFound{Entity: domain.EntityOperation, ID: id}
	}
	return nil
}

// transactionView exposes the pending transactional state to rules.
type transactionView struct {
	state *memoryState
}

func (v transactionView) FindEdgesFrom(_ context.Context, nodes []SlotSample) ([]Edge, error) {
	return v.state.edgesFrom(nodes), nil
}

func (v transactionView) FindOperation(id int) (Operation, bool) {
	op, ok := v.state.operations[id]
	return op, ok
}

func (v transactionView) ListActions() []Action {
	return append([]Action(nil), v.state.actions...)
}

func dedupeNodes(nodes []SlotSample) []SlotSample {
	seen := make(map[SlotSample]struct{}, len(nodes))
	out := make([]SlotSample, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func intSet(ids []int) map[int]struct{} {
	out := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func sortFacts(facts []domain.ActionFact) []domain.ActionFact {
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].Action.ID < facts[j].Action.ID })
	return facts
}
