package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stancore/internal/infra/persistence/memory"
	"stancore/pkg/domain"
)

// Service exposes lineage queries and action log writes with logging,
// metrics, tracing and audit around every call.
type Service struct {
	store        domain.PersistentStore
	lineage      domain.EdgeSource
	mirror       ActionMirror
	ancestoriser *Ancestoriser
	// mirrorReads is set when lineage reads come from the mirror.
	mirrorReads bool
	mirrorMu    sync.Mutex
	mirrorStale atomic.Bool
	ancOpts     []AncestoriserOption

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	clock   Clock
}

// ActionMirror receives actions after they were committed to the store.
type ActionMirror interface {
	MirrorActions(ctx context.Context, actions []domain.Action) error
}

// LineageMirror is an edge source kept current by mirroring committed actions
// into it. Mirrors merge on action id, so the same action may be sent twice.
type LineageMirror interface {
	domain.EdgeSource
	ActionMirror
}

// ErrMirrorBehind reports that the lineage mirror is missing committed actions.
var ErrMirrorBehind = errors.New("lineage mirror is behind the action log")

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithAuditRecorder sets the audit sink for write operations.
func WithAuditRecorder(recorder AuditRecorder) Option {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAncestoriserOptions forwards options to the lineage builder.
func WithAncestoriserOptions(opts ...AncestoriserOption) Option {
	return func(s *Service) {
		s.ancOpts = append(s.ancOpts, opts...)
	}
}

// WithEdgeSource answers lineage queries from src instead of the store.
func WithEdgeSource(src domain.EdgeSource) Option {
	return func(s *Service) {
		if src != nil {
			s.lineage = src
		}
	}
}

// WithActionMirror copies committed actions to a secondary lineage store.
// Mirror failures are logged and do not fail the write.
func WithActionMirror(mirror ActionMirror) Option {
	return func(s *Service) {
		s.mirror = mirror
	}
}

// WithLineageMirror answers lineage queries from m and mirrors every committed
// action into it. A failed mirror write fails the write and marks the mirror
// behind; lineage reads then copy the whole action log into m before
// answering and fail with ErrMirrorBehind while that copy cannot complete.
// The mirror starts out behind, so the first read backfills it.
func WithLineageMirror(m LineageMirror) Option {
	return func(s *Service) {
		if m != nil {
			s.lineage = m
			s.mirror = m
			s.mirrorReads = true
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:   store,
		lineage: store,
		logger:  noopLogger{},
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		audit:   noopAuditRecorder{},
		clock:   systemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ancestoriser = NewAncestoriser(s.lineage, s.ancOpts...)
	s.mirrorStale.Store(s.mirrorReads)
	return s
}

// NewInMemoryService creates a service over a fresh in-memory action log.
func NewInMemoryService(engine *domain.RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying action log.
func (s *Service) Store() domain.PersistentStore { return s.store }

// Ancestoriser returns the lineage builder reading from the store.
func (s *Service) Ancestoriser() *Ancestoriser { return s.ancestoriser }

// FindPosterity builds the forward lineage of roots.
func (s *Service) FindPosterity(ctx context.Context, roots []domain.SlotSample) (*Posterity, error) {
	var posterity *Posterity
	err := s.run(ctx, "find_posterity", func(ctx context.Context) (int, error) {
		if err := s.ensureMirror(ctx); err != nil {
			return 0, err
		}
		var err error
		posterity, err = s.ancestoriser.FindPosterity(ctx, roots)
		if err != nil {
			return 0, err
		}
		st := posterity.Stats()
		s.logger.Debug("posterity built", "roots", len(roots), "nodes", st.Nodes, "edges", st.Edges, "queries", st.Queries, "rounds", st.Rounds)
		if st.IgnoredEdges > 0 {
			s.logger.Warn("edge source returned edges outside the requested batch", "ignored", st.IgnoredEdges)
		}
		return 0, nil
	})
	return posterity, err
}

// FindAncestry builds the backward lineage of roots.
func (s *Service) FindAncestry(ctx context.Context, roots []domain.SlotSample) (*Ancestry, error) {
	var ancestry *Ancestry
	err := s.run(ctx, "find_ancestry", func(ctx context.Context) (int, error) {
		if err := s.ensureMirror(ctx); err != nil {
			return 0, err
		}
		var err error
		ancestry, err = s.ancestoriser.FindAncestry(ctx, roots)
		return 0, err
	})
	return ancestry, err
}

// RecordOperation appends an operation and its actions to the action log.
// When lineage reads come from a mirror and mirroring fails, the operation
// stays committed and the returned error wraps ErrMirrorBehind; the write
// must not be retried.
func (s *Service) RecordOperation(ctx context.Context, op domain.Operation, actions []domain.Action) (domain.Operation, []domain.Action, domain.Result, error) {
	var (
		created  domain.Operation
		recorded []domain.Action
		res      domain.Result
	)
	err := s.run(ctx, "record_operation", func(ctx context.Context) (int, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, recorded, err = tx.RecordOperation(op, actions)
			return err
		})
		s.logViolations("record_operation", res)
		if err != nil {
			return created.ID, err
		}
		return created.ID, s.mirrorActions(ctx, created.ID, recorded)
	})
	return created, recorded, res, err
}

// RecordMeasurement stores a measurement against a slot sample.
func (s *Service) RecordMeasurement(ctx context.Context, m domain.Measurement) (domain.Measurement, domain.Result, error) {
	var (
		created domain.Measurement
		res     domain.Result
	)
	err := s.run(ctx, "record_measurement", func(ctx context.Context) (int, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.RecordMeasurement(m)
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// RecordFlag stores a labware flag.
func (s *Service) RecordFlag(ctx context.Context, f domain.LabwareFlag) (domain.LabwareFlag, domain.Result, error) {
	var (
		created domain.LabwareFlag
		res     domain.Result
	)
	err := s.run(ctx, "record_flag", func(ctx context.Context) (int, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.RecordFlag(f)
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// RecordDisposition stores the final fate of a slot's material.
func (s *Service) RecordDisposition(ctx context.Context, d domain.Disposition) (domain.Disposition, domain.Result, error) {
	var (
		created domain.Disposition
		res     domain.Result
	)
	err := s.run(ctx, "record_disposition", func(ctx context.Context) (int, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			var err error
			created, err = tx.RecordDisposition(d)
			return err
		})
		return created.SlotID, err
	})
	return created, res, err
}

// SyncLineageMirror copies every committed action into the mirror and clears
// the behind mark on success.
func (s *Service) SyncLineageMirror(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	return s.run(ctx, "sync_lineage_mirror", func(ctx context.Context) (int, error) {
		s.mirrorMu.Lock()
		defer s.mirrorMu.Unlock()
		return 0, s.syncMirrorLocked(ctx)
	})
}

// MirrorBehind reports whether lineage reads must resynchronise the mirror.
func (s *Service) MirrorBehind() bool { return s.mirrorReads && s.mirrorStale.Load() }

func (s *Service) ensureMirror(ctx context.Context) error {
	if !s.MirrorBehind() {
		return nil
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	if !s.mirrorStale.Load() {
		return nil
	}
	return s.syncMirrorLocked(ctx)
}

func (s *Service) syncMirrorLocked(ctx context.Context) error {
	actions, err := s.store.ListActions(ctx)
	if err != nil {
		return fmt.Errorf("%w: list actions: %w", ErrMirrorBehind, err)
	}
	if len(actions) > 0 {
		if err := s.mirror.MirrorActions(ctx, actions); err != nil {
			s.mirrorStale.Store(true)
			return fmt.Errorf("%w: %w", ErrMirrorBehind, err)
		}
	}
	s.mirrorStale.Store(false)
	s.logger.Info("lineage mirror synchronised", "actions", len(actions))
	return nil
}

// mirrorActions copies committed actions into the mirror. Serialised with
// syncs so a sync never clears a failure it did not cover.
func (s *Service) mirrorActions(ctx context.Context, operationID int, actions []domain.Action) error {
	if s.mirror == nil || len(actions) == 0 {
		return nil
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	err := s.mirror.MirrorActions(ctx, actions)
	if err == nil {
		return nil
	}
	if !s.mirrorReads {
		s.logger.Warn("mirror actions failed", "operation_id", operationID, "error", err)
		return nil
	}
	s.mirrorStale.Store(true)
	return fmt.Errorf("operation %d committed: %w: %w", operationID, ErrMirrorBehind, err)
}

func (s *Service) run(ctx context.Context, operation string, fn func(context.Context) (int, error)) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	entityID, err := fn(ctx)
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)
	if err != nil {
		s.logger.Error("lineage operation failed", "operation", operation, "error", err)
		s.recordAuditError(ctx, operation, entityID, duration, err)
		return err
	}
	s.logger.Debug("lineage operation completed", "operation", operation, "duration", duration)
	s.recordAuditSuccess(ctx, operation, entityID, duration)
	return nil
}

func (s *Service) logViolations(operation string, res domain.Result) {
	for _, v := range res.Violations {
		switch v.Severity {
		case domain.SeverityBlock:
			s.logger.Error("rule violation", "operation", operation, "rule", v.Rule, "message", v.Message)
		case domain.SeverityWarn:
			s.logger.Warn("rule violation", "operation", operation, "rule", v.Rule, "message", v.Message)
		default:
			s.logger.Info("rule violation", "operation", operation, "rule", v.Rule, "message", v.Message)
		}
	}
}

type auditMeta struct {
	entity domain.EntityType
	kind   domain.ChangeKind
}

// Read operations are not audited.
var auditedOperations = map[string]auditMeta{
	"record_operation":   {entity: domain.EntityOperation, kind: domain.ChangeCreate},
	"record_measurement": {entity: domain.EntityMeasurement, kind: domain.ChangeCreate},
	"record_flag":        {entity: domain.EntityLabwareFlag, kind: domain.ChangeCreate},
	"record_disposition": {entity: domain.EntityDisposition, kind: domain.ChangeCreate},
}

func (s *Service) recordAuditSuccess(ctx context.Context, operation string, entityID int, duration time.Duration) {
	meta, ok := auditedOperations[operation]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: operation,
		Entity:    meta.entity,
		Kind:      meta.kind,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	})
}

func (s *Service) recordAuditError(ctx context.Context, operation string, entityID int, duration time.Duration, err error) {
	meta, ok := auditedOperations[operation]
	if !ok {
		return
	}
	s.audit.Record(ctx, AuditEntry{
		Operation: operation,
		Entity:    meta.entity,
		Kind:      meta.kind,
		EntityID:  entityID,
		Status:    AuditStatusError,
		Error:     err.Error(),
		Duration:  duration,
		Timestamp: s.clock.Now(),
	})
}
