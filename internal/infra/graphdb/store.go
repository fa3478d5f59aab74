// Package graphdb answers lineage edge queries from a Neo4j mirror of the
// action log. Each slot sample is a :SlotSample node and each action a
// :DERIVED relationship carrying its action and operation ids.
package graphdb

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"stancore/pkg/domain"
)

// DefaultMirrorBatch bounds the actions sent in one MERGE statement.
const DefaultMirrorBatch = 500

const (
	schemaCypher = `CREATE CONSTRAINT slot_sample_key IF NOT EXISTS
FOR (n:SlotSample) REQUIRE (n.slot_id, n.sample_id) IS UNIQUE`

	edgesFromCypher = `UNWIND $nodes AS n
MATCH (s:SlotSample {slot_id: n.slot_id, sample_id: n.sample_id})-[r:DERIVED]->(d:SlotSample)
RETURN r.operation_id, s.slot_id, d.slot_id, d.sample_id, s.sample_id`

	edgesToCypher = `UNWIND $nodes AS n
MATCH (s:SlotSample)-[r:DERIVED]->(d:SlotSample {slot_id: n.slot_id, sample_id: n.sample_id})
RETURN r.operation_id, s.slot_id, d.slot_id, d.sample_id, s.sample_id`

	mirrorCypher = `UNWIND $actions AS a
MERGE (s:SlotSample {slot_id: a.src_slot, sample_id: a.src_sample})
MERGE (d:SlotSample {slot_id: a.dst_slot, sample_id: a.dst_sample})
MERGE (s)-[r:DERIVED {action_id: a.action_id}]->(d)
SET r.operation_id = a.operation_id`
)

// Config holds the connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// runner executes cypher inside managed transactions.
type runner interface {
	read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
	write(ctx context.Context, cypher string, params map[string]any) error
	close(ctx context.Context) error
}

// Store implements domain.EdgeSource and domain.AncestrySource over Neo4j and
// mirrors committed actions into the graph.
type Store struct {
	run         runner
	mirrorBatch int
}

// Open connects to Neo4j, verifies connectivity and ensures the node key
// constraint exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j: %w", err)
	}
	s := newStore(&driverRunner{driver: driver, database: cfg.Database})
	if err := s.EnsureSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func newStore(r runner) *Store {
	return &Store{run: r, mirrorBatch: DefaultMirrorBatch}
}

// EnsureSchema creates the slot sample uniqueness constraint.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.run.write(ctx, schemaCypher, nil); err != nil {
		return fmt.Errorf("apply neo4j schema: %w", err)
	}
	return nil
}

// Close releases the driver.
func (s *Store) Close(ctx context.Context) error {
	return s.run.close(ctx)
}

// FindEdgesFrom implements domain.EdgeSource.
func (s *Store) FindEdgesFrom(ctx context.Context, nodes []domain.SlotSample) ([]domain.Edge, error) {
	return s.edges(ctx, edgesFromCypher, nodes)
}

// FindEdgesTo implements domain.AncestrySource.
func (s *Store) FindEdgesTo(ctx context.Context, nodes []domain.SlotSample) ([]domain.Edge, error) {
	return s.edges(ctx, edgesToCypher, nodes)
}

func (s *Store) edges(ctx context.Context, cypher string, nodes []domain.SlotSample) ([]domain.Edge, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	params := make([]any, 0, len(nodes))
	for _, n := range nodes {
		params = append(params, map[string]any{"slot_id": int64(n.SlotID), "sample_id": int64(n.SampleID)})
	}
	records, err := s.run.read(ctx, cypher, map[string]any{"nodes": params})
	if err != nil {
		return nil, fmt.Errorf("query neo4j edges: %w", err)
	}
	edges := make([]domain.Edge, 0, len(records))
	for _, rec := range records {
		cols, err := intColumns(rec, 5)
		if err != nil {
			return nil, err
		}
		edges = append(edges, domain.NewEdge(cols[0], cols[1], cols[2], cols[3], cols[4]))
	}
	return edges, nil
}

// MirrorActions merges actions into the graph. Merging by action id makes
// replays idempotent.
func (s *Store) MirrorActions(ctx context.Context, actions []domain.Action) error {
	for start := 0; start < len(actions); start += s.mirrorBatch {
		end := min(start+s.mirrorBatch, len(actions))
		rows := make([]any, 0, end-start)
		for _, a := range actions[start:end] {
			rows = append(rows, map[string]any{
				"action_id":    int64(a.ID),
				"operation_id": int64(a.OperationID),
				"src_slot":     int64(a.SourceSlotID),
				"src_sample":   int64(a.SourceSampleID),
				"dst_slot":     int64(a.DestinationSlotID),
				"dst_sample":   int64(a.DestinationSampleID),
			})
		}
		if err := s.run.write(ctx, mirrorCypher, map[string]any{"actions": rows}); err != nil {
			return fmt.Errorf("mirror actions to neo4j: %w", err)
		}
	}
	return nil
}

func intColumns(rec *neo4j.Record, n int) ([]int, error) {
	if len(rec.Values) < n {
		return nil, fmt.Errorf("neo4j record has %d columns, want %d", len(rec.Values), n)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		switch v := rec.Values[i].(type) {
		case int64:
			out[i] = int(v)
		case int:
			out[i] = v
		default:
			return nil, fmt.Errorf("neo4j column %d: unexpected %T", i, rec.Values[i])
		}
	}
	return out, nil
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *driverRunner) session(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
}

func (r *driverRunner) read(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := r.session(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return out.([]*neo4j.Record), nil
}

func (r *driverRunner) write(ctx context.Context, cypher string, params map[string]any) error {
	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (r *driverRunner) close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
