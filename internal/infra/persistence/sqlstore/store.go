// Package sqlstore implements the action log over database/sql. Writes are
// validated by an embedded memory store and written through in the same
// commit; lineage and fact reads are answered by the database.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"stancore/internal/infra/persistence/memory"
	"stancore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the differences between supported SQL engines.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// MaxParams bounds the bind parameters sent in one statement.
	MaxParams int
}

// SQLite is the dialect of modernc.org/sqlite.
var SQLite = Dialect{Name: "sqlite", MaxParams: 900}

// Postgres is the dialect of the pgx stdlib driver.
var Postgres = Dialect{Name: "postgres", Numbered: true, MaxParams: 30000}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Schema lists the statements creating the action log tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS operations (
		id BIGINT PRIMARY KEY,
		op_type TEXT NOT NULL,
		performed_at TEXT NOT NULL,
		username TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id BIGINT PRIMARY KEY,
		operation_id BIGINT NOT NULL,
		source_slot_id BIGINT NOT NULL,
		source_sample_id BIGINT NOT NULL,
		destination_slot_id BIGINT NOT NULL,
		destination_sample_id BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS action_source_idx ON actions (source_slot_id, source_sample_id)`,
	`CREATE INDEX IF NOT EXISTS action_destination_idx ON actions (destination_slot_id, destination_sample_id)`,
	`CREATE INDEX IF NOT EXISTS action_operation_idx ON actions (operation_id)`,
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGINT PRIMARY KEY,
		slot_id BIGINT NOT NULL,
		sample_id BIGINT NOT NULL,
		operation_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS labware_flags (
		id BIGINT PRIMARY KEY,
		slot_id BIGINT NOT NULL,
		operation_id BIGINT NOT NULL,
		description TEXT NOT NULL,
		priority TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dispositions (
		slot_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		disposed_at TEXT NOT NULL,
		operation_id BIGINT NOT NULL
	)`,
}

// Store is a SQL-backed action log.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
}

// Open applies the schema, hydrates the validation state from the tables and
// returns a store writing through to db.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	if dialect.MaxParams <= 0 {
		dialect.MaxParams = SQLite.MaxParams
	}
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply %s schema: %w", dialect.Name, err)
		}
	}
	s := &Store{Store: memory.NewStore(engine), db: db, dialect: dialect}
	snapshot, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.ImportState(snapshot)
	s.SetCommitHook(s.writeThrough)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the configured dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) load(ctx context.Context) (memory.Snapshot, error) {
	var snap memory.Snapshot
	err := s.query(ctx, `SELECT id, op_type, performed_at, username FROM operations`, nil, func(rows *sql.Rows) error {
		var (
			op domain.Operation
			at string
		)
		if err := rows.Scan(&op.ID, &op.Type, &at, &op.Username); err != nil {
			return err
		}
		t, err := parseTime(at)
		if err != nil {
			return err
		}
		op.PerformedAt = t
		snap.Operations = append(snap.Operations, op)
		return nil
	})
	if err != nil {
		return snap, fmt.Errorf("load operations: %w", err)
	}
	err = s.query(ctx, `SELECT id, operation_id, source_slot_id, source_sample_id, destination_slot_id, destination_sample_id FROM actions`, nil, func(rows *sql.Rows) error {
		var a domain.Action
		if err := rows.Scan(&a.ID, &a.OperationID, &a.SourceSlotID, &a.SourceSampleID, &a.DestinationSlotID, &a.DestinationSampleID); err != nil {
			return err
		}
		snap.Actions = append(snap.Actions, a)
		return nil
	})
	if err != nil {
		return snap, fmt.Errorf("load actions: %w", err)
	}
	sort.Slice(snap.Actions, func(i, j int) bool { return snap.Actions[i].ID < snap.Actions[j].ID })
	if snap.Measurements, err = s.measurements(ctx, `SELECT id, slot_id, sample_id, operation_id, name, value FROM measurements`, nil); err != nil {
		return snap, fmt.Errorf("load measurements: %w", err)
	}
	if snap.Flags, err = s.flags(ctx, `SELECT id, slot_id, operation_id, description, priority FROM labware_flags`, nil); err != nil {
		return snap, fmt.Errorf("load flags: %w", err)
	}
	if snap.Dispositions, err = s.dispositions(ctx, `SELECT slot_id, kind, disposed_at, operation_id FROM dispositions`, nil); err != nil {
		return snap, fmt.Errorf("load dispositions: %w", err)
	}
	return snap, nil
}

func (s *Store) writeThrough(ctx context.Context, changes []domain.Change) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, change := range changes {
		if change.Kind != domain.ChangeCreate {
			continue
		}
		var (
			stmt string
			args []any
		)
		switch v := change.After.(type) {
		case domain.Operation:
			stmt = `INSERT INTO operations (id, op_type, performed_at, username) VALUES (?, ?, ?, ?)`
			args = []any{v.ID, v.Type, formatTime(v.PerformedAt), v.Username}
		case domain.Action:
			stmt = `INSERT INTO actions (id, operation_id, source_slot_id, source_sample_id, destination_slot_id, destination_sample_id) VALUES (?, ?, ?, ?, ?, ?)`
			args = []any{v.ID, v.OperationID, v.SourceSlotID, v.SourceSampleID, v.DestinationSlotID, v.DestinationSampleID}
		case domain.Measurement:
			stmt = `INSERT INTO measurements (id, slot_id, sample_id, operation_id, name, value) VALUES (?, ?, ?, ?, ?, ?)`
			args = []any{v.ID, v.SlotID, v.SampleID, v.OperationID, v.Name, v.Value}
		case domain.LabwareFlag:
			stmt = `INSERT INTO labware_flags (id, slot_id, operation_id, description, priority) VALUES (?, ?, ?, ?, ?)`
			args = []any{v.ID, v.SlotID, v.OperationID, v.Description, v.Priority}
		case domain.Disposition:
			stmt = `INSERT INTO dispositions (slot_id, kind, disposed_at, operation_id) VALUES (?, ?, ?, ?)`
			args = []any{v.SlotID, string(v.Kind), formatTime(v.At), v.OperationID}
		default:
			continue
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(stmt), args...); err != nil {
			return fmt.Errorf("insert %s: %w", change.Entity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FindEdgesFrom implements domain.EdgeSource with one query per parameter-bounded chunk.
func (s *Store) FindEdgesFrom(ctx context.Context, nodes []domain.SlotSample) ([]domain.Edge, error) {
	return s.edges(ctx, nodes, "source_slot_id", "source_sample_id", func(e domain.Edge) domain.SlotSample { return e.Source })
}

// FindEdgesTo implements domain.AncestrySource.
func (s *Store) FindEdgesTo(ctx context.Context, nodes []domain.SlotSample) ([]domain.Edge, error) {
	return s.edges(ctx, nodes, "destination_slot_id", "destination_sample_id", func(e domain.Edge) domain.SlotSample { return e.Destination })
}

// edges selects by slot and sample id lists then keeps exact node matches.
func (s *Store) edges(ctx context.Context, nodes []domain.SlotSample, slotCol, sampleCol string, key func(domain.Edge) domain.SlotSample) ([]domain.Edge, error) {
	want := make(map[domain.SlotSample]struct{}, len(nodes))
	for _, n := range nodes {
		want[n] = struct{}{}
	}
	var out []domain.Edge
	for _, chunk := range chunkNodes(nodes, s.dialect.MaxParams/2) {
		slots := domain.SlotIDs(chunk)
		samples := domain.SampleIDs(chunk)
		q := `SELECT operation_id, source_slot_id, destination_slot_id, destination_sample_id, source_sample_id FROM actions WHERE ` +
			slotCol + ` IN (` + placeholders(len(slots)) + `) AND ` + sampleCol + ` IN (` + placeholders(len(samples)) + `) ORDER BY id`
		args := append(intArgs(slots), intArgs(samples)...)
		err := s.query(ctx, q, args, func(rows *sql.Rows) error {
			var opID, srcSlot, dstSlot, dstSample, srcSample int
			if err := rows.Scan(&opID, &srcSlot, &dstSlot, &dstSample, &srcSample); err != nil {
				return err
			}
			e := domain.NewEdge(opID, srcSlot, dstSlot, dstSample, srcSample)
			if _, ok := want[key(e)]; ok {
				out = append(out, e)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("select edges: %w", err)
		}
	}
	return out, nil
}

const factColumns = `SELECT a.id, a.operation_id, a.source_slot_id, a.source_sample_id, a.destination_slot_id, a.destination_sample_id, o.op_type, o.performed_at, o.username FROM actions a JOIN operations o ON o.id = a.operation_id WHERE `

// FindActionsByOperations returns actions of the operations ordered by action id.
func (s *Store) FindActionsByOperations(ctx context.Context, operationIDs []int) ([]domain.ActionFact, error) {
	return s.facts(ctx, "a.operation_id", operationIDs)
}

// FindActionsByDestinationSlots returns actions landing in any of the slots.
func (s *Store) FindActionsByDestinationSlots(ctx context.Context, slotIDs []int) ([]domain.ActionFact, error) {
	return s.facts(ctx, "a.destination_slot_id", slotIDs)
}

func (s *Store) facts(ctx context.Context, column string, ids []int) ([]domain.ActionFact, error) {
	var out []domain.ActionFact
	for _, chunk := range chunkInts(ids, s.dialect.MaxParams) {
		q := factColumns + column + ` IN (` + placeholders(len(chunk)) + `)`
		err := s.query(ctx, q, intArgs(chunk), func(rows *sql.Rows) error {
			var (
				f  domain.ActionFact
				at string
			)
			a := &f.Action
			if err := rows.Scan(&a.ID, &a.OperationID, &a.SourceSlotID, &a.SourceSampleID, &a.DestinationSlotID, &a.DestinationSampleID,
				&f.Operation.Type, &at, &f.Operation.Username); err != nil {
				return err
			}
			t, err := parseTime(at)
			if err != nil {
				return err
			}
			f.Operation.ID = a.OperationID
			f.Operation.PerformedAt = t
			out = append(out, f)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("select actions: %w", err)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Action.ID < out[j].Action.ID })
	return out, nil
}

// FindMeasurementsBySlots returns measurements recorded against the slots.
func (s *Store) FindMeasurementsBySlots(ctx context.Context, slotIDs []int) ([]domain.Measurement, error) {
	var out []domain.Measurement
	for _, chunk := range chunkInts(slotIDs, s.dialect.MaxParams) {
		ms, err := s.measurements(ctx, `SELECT id, slot_id, sample_id, operation_id, name, value FROM measurements WHERE slot_id IN (`+placeholders(len(chunk))+`) ORDER BY id`, intArgs(chunk))
		if err != nil {
			return nil, fmt.Errorf("select measurements: %w", err)
		}
		out = append(out, ms...)
	}
	return out, nil
}

// FindFlagsBySlots returns flags raised on the slots.
func (s *Store) FindFlagsBySlots(ctx context.Context, slotIDs []int) ([]domain.LabwareFlag, error) {
	var out []domain.LabwareFlag
	for _, chunk := range chunkInts(slotIDs, s.dialect.MaxParams) {
		fs, err := s.flags(ctx, `SELECT id, slot_id, operation_id, description, priority FROM labware_flags WHERE slot_id IN (`+placeholders(len(chunk))+`) ORDER BY id`, intArgs(chunk))
		if err != nil {
			return nil, fmt.Errorf("select flags: %w", err)
		}
		out = append(out, fs...)
	}
	return out, nil
}

// FindDispositionsBySlots returns dispositions recorded for the slots.
func (s *Store) FindDispositionsBySlots(ctx context.Context, slotIDs []int) ([]domain.Disposition, error) {
	var out []domain.Disposition
	for _, chunk := range chunkInts(slotIDs, s.dialect.MaxParams) {
		ds, err := s.dispositions(ctx, `SELECT slot_id, kind, disposed_at, operation_id FROM dispositions WHERE slot_id IN (`+placeholders(len(chunk))+`)`, intArgs(chunk))
		if err != nil {
			return nil, fmt.Errorf("select dispositions: %w", err)
		}
		out = append(out, ds...)
	}
	return out, nil
}

func (s *Store) measurements(ctx context.Context, q string, args []any) ([]domain.Measurement, error) {
	var out []domain.Measurement
	err := s.query(ctx, q, args, func(rows *sql.Rows) error {
		var m domain.Measurement
		if err := rows.Scan(&m.ID, &m.SlotID, &m.SampleID, &m.OperationID, &m.Name, &m.Value); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *Store) flags(ctx context.Context, q string, args []any) ([]domain.LabwareFlag, error) {
	var out []domain.LabwareFlag
	err := s.query(ctx, q, args, func(rows *sql.Rows) error {
		var f domain.LabwareFlag
		if err := rows.Scan(&f.ID, &f.SlotID, &f.OperationID, &f.Description, &f.Priority); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}

func (s *Store) dispositions(ctx context.Context, q string, args []any) ([]domain.Disposition, error) {
	var out []domain.Disposition
	err := s.query(ctx, q, args, func(rows *sql.Rows) error {
		var (
			d    domain.Disposition
			kind string
			at   string
		)
		if err := rows.Scan(&d.SlotID, &kind, &at, &d.OperationID); err != nil {
			return err
		}
		t, err := parseTime(at)
		if err != nil {
			return err
		}
		d.Kind = domain.DispositionKind(kind)
		d.At = t
		out = append(out, d)
		return nil
	})
	return out, err
}

func (s *Store) query(ctx context.Context, q string, args []any, scan func(*sql.Rows) error) error {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func intArgs(ids []int) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func chunkInts(ids []int, size int) [][]int {
	var out [][]int
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

func chunkNodes(nodes []domain.SlotSample, size int) [][]domain.SlotSample {
	if size < 1 {
		size = 1
	}
	var out [][]domain.SlotSample
	for start := 0; start < len(nodes); start += size {
		out = append(out, nodes[start:min(start+size, len(nodes))])
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
