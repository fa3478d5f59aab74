package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"stancore/internal/infra/persistence/postgres/testutil"
	"stancore/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driver, dsn string) (*sql.DB, error) {
		if driver != defaultDriver {
			t.Fatalf("unexpected driver %s", driver)
		}
		if dsn != defaultDSN {
			t.Fatalf("expected default dsn, got %s", dsn)
		}
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := openStub(t)
	var tables int
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			tables++
		}
	}
	if tables != 5 {
		t.Fatalf("expected five tables created, got %d in %v", tables, conn.Execs)
	}
}

func TestRunInTransactionWritesRows(t *testing.T) {
	store, conn := openStub(t)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpTransfer}, []domain.Action{
			{SourceSlotID: 1, SourceSampleID: 2, DestinationSlotID: 3, DestinationSampleID: 2},
		})
		return err
	})
	if err != nil {
		t.Fatalf("RunInTransaction: %v", err)
	}
	if len(conn.Tables["operations"]) != 1 || len(conn.Tables["actions"]) != 1 {
		t.Fatalf("expected rows written, got %v", conn.Tables)
	}
	var sawNumbered bool
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(stmt, "INSERT INTO actions") && strings.Contains(stmt, "$6") {
			sawNumbered = true
		}
	}
	if !sawNumbered {
		t.Fatalf("expected numbered placeholders, got %v", conn.Execs)
	}

	edges, err := store.FindEdgesFrom(context.Background(), []domain.SlotSample{domain.NewSlotSample(1, 2)})
	if err != nil {
		t.Fatalf("FindEdgesFrom: %v", err)
	}
	if len(edges) != 1 || edges[0].Destination != domain.NewSlotSample(3, 2) {
		t.Fatalf("unexpected edges %v", edges)
	}
}

func TestNewStoreHydratesExistingRows(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.Seed("operations", map[string]any{"id": int64(40), "op_type": "Transfer", "performed_at": "2024-01-02T03:04:05Z", "username": "lab"})
	conn.Seed("actions", map[string]any{
		"id": int64(41), "operation_id": int64(40),
		"source_slot_id": int64(1), "source_sample_id": int64(1),
		"destination_slot_id": int64(2), "destination_sample_id": int64(1),
	})
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("postgres://example", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	snap := store.ExportState()
	if len(snap.Operations) != 1 || len(snap.Actions) != 1 {
		t.Fatalf("expected hydrated snapshot, got %+v", snap)
	}
	var created domain.Operation
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		created, _, err = tx.RecordOperation(domain.Operation{Type: domain.OpStain}, nil)
		return err
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if created.ID <= 41 {
		t.Fatalf("expected id after hydrated rows, got %d", created.ID)
	}
}

func TestNewStoreErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("dial") })
	if _, err := NewStore("dsn", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	if _, err := NewStore("dsn", nil); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
	restore()

	db, conn = testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("dsn", nil); err == nil || !strings.Contains(err.Error(), "schema") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestCommitFailureKeepsStateUnchanged(t *testing.T) {
	store, conn := openStub(t)
	conn.FailCommit = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, _, err := tx.RecordOperation(domain.Operation{Type: domain.OpImage}, nil)
		return err
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	if len(store.ExportState().Operations) != 0 {
		t.Fatalf("failed write-through must not commit in memory")
	}
}
