// Package reports compiles transfer audit reports asynchronously, stores the
// rendered artifacts in blob storage and serves them over HTTP.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"stancore/internal/audit"
	"stancore/internal/blob"
	"stancore/internal/core"
)

// Format is an artifact encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// ExportStatus describes the lifecycle stage of an export.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

const (
	// DefaultQueueSize bounds pending exports.
	DefaultQueueSize = 32
	// DefaultHistorySize bounds the export records kept for status queries.
	DefaultHistorySize = 256

	auditAction = "transfer_audit_export"
	keyPrefix   = "reports/"
)

// ErrQueueFull is returned when the worker cannot accept more exports.
var ErrQueueFull = errors.New("export queue full")

// ErrWorkerStopped is returned for exports requested after Stop.
var ErrWorkerStopped = errors.New("report worker stopped")

// ExportArtifact is one stored rendering of a report.
type ExportArtifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportRecord tracks an export request and its artifacts.
type ExportRecord struct {
	ID           string           `json:"id"`
	OperationIDs []int            `json:"operation_ids"`
	Formats      []Format         `json:"formats"`
	Status       ExportStatus     `json:"status"`
	Error        string           `json:"error,omitempty"`
	Artifacts    []ExportArtifact `json:"artifacts,omitempty"`
	RequestedBy  string           `json:"requested_by,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func (r *ExportRecord) copy() ExportRecord {
	out := *r
	out.OperationIDs = slices.Clone(r.OperationIDs)
	out.Formats = slices.Clone(r.Formats)
	out.Artifacts = slices.Clone(r.Artifacts)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Artifact returns the artifact rendered in format.
func (r ExportRecord) Artifact(format Format) (ExportArtifact, bool) {
	for _, a := range r.Artifacts {
		if a.Format == format {
			return a, true
		}
	}
	return ExportArtifact{}, false
}

// ExportInput is an enqueue request.
type ExportInput struct {
	OperationIDs []int
	Formats      []Format
	RequestedBy  string
	Reason       string
}

// Compiler produces audit rows for a set of operations.
type Compiler interface {
	Compile(ctx context.Context, operationIDs []int) ([]audit.TransferRow, error)
}

// ExportScheduler queues exports and reports their status.
type ExportScheduler interface {
	EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error)
	GetExport(id string) (ExportRecord, bool)
}

// AuditEntry is one export lifecycle event.
type AuditEntry struct {
	ID           string         `json:"id"`
	ExportID     string         `json:"export_id"`
	Action       string         `json:"action"`
	Actor        string         `json:"actor,omitempty"`
	Status       ExportStatus   `json:"status"`
	OperationIDs []int          `json:"operation_ids,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// AuditLogger records export audit entries.
type AuditLogger interface {
	Record(ctx context.Context, entry AuditEntry)
}

// AuditLoggerFunc adapts a function to AuditLogger.
type AuditLoggerFunc func(ctx context.Context, entry AuditEntry)

// Record calls f.
func (f AuditLoggerFunc) Record(ctx context.Context, entry AuditEntry) { f(ctx, entry) }

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	queueSize   int
	historySize int
	logger      core.Logger
	clock       core.Clock
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithHistorySize overrides DefaultHistorySize. The oldest records are
// evicted first.
func WithHistorySize(n int) WorkerOption {
	return func(c *workerConfig) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) WorkerOption {
	return func(c *workerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock core.Clock) WorkerOption {
	return func(c *workerConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Worker compiles and stores exports on a background goroutine.
type Worker struct {
	compiler Compiler
	store    blob.Store
	audit    AuditLogger
	logger   core.Logger
	clock    core.Clock

	queue chan exportTask
	mu    sync.Mutex
	jobs  *lru.Cache[string, *ExportRecord]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type exportTask struct {
	id    string
	input ExportInput
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewWorker constructs a worker. audit may be nil.
func NewWorker(compiler Compiler, store blob.Store, audit AuditLogger, opts ...WorkerOption) (*Worker, error) {
	if compiler == nil {
		return nil, errors.New("report compiler required")
	}
	if store == nil {
		return nil, errors.New("report blob store required")
	}
	cfg := workerConfig{
		queueSize:   DefaultQueueSize,
		historySize: DefaultHistorySize,
		logger:      nopLogger{},
		clock:       core.ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	jobs, err := lru.New[string, *ExportRecord](cfg.historySize)
	if err != nil {
		return nil, fmt.Errorf("create export history: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		compiler: compiler,
		store:    store,
		audit:    audit,
		logger:   cfg.logger,
		clock:    cfg.clock,
		queue:    make(chan exportTask, cfg.queueSize),
		jobs:     jobs,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins processing exports.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the worker and waits for the running export, if any.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case task := <-w.queue:
			w.process(task)
		}
	}
}

// EnqueueExport validates input, records a queued export and schedules it.
func (w *Worker) EnqueueExport(ctx context.Context, input ExportInput) (ExportRecord, error) {
	if w.ctx.Err() != nil {
		return ExportRecord{}, ErrWorkerStopped
	}
	ids := uniqueInts(input.OperationIDs)
	if len(ids) == 0 {
		return ExportRecord{}, errors.New("at least one operation id required")
	}
	for _, id := range ids {
		if id <= 0 {
			return ExportRecord{}, fmt.Errorf("invalid operation id %d", id)
		}
	}
	formats := input.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	for _, f := range formats {
		parsed, err := ParseFormat(string(f))
		if err != nil {
			return ExportRecord{}, err
		}
		if !slices.Contains(uniq, parsed) {
			uniq = append(uniq, parsed)
		}
	}

	now := w.clock.Now()
	record := &ExportRecord{
		ID:           uuid.NewString(),
		OperationIDs: ids,
		Formats:      uniq,
		Status:       ExportStatusQueued,
		RequestedBy:  input.RequestedBy,
		Reason:       input.Reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	input.OperationIDs = ids

	w.mu.Lock()
	w.jobs.Add(record.ID, record)
	queued := record.copy()
	w.mu.Unlock()
	w.record(ctx, queued, nil)

	select {
	case w.queue <- exportTask{id: record.ID, input: input}:
		return queued, nil
	default:
		w.mu.Lock()
		w.jobs.Remove(record.ID)
		w.mu.Unlock()
		rejected := queued
		rejected.Status = ExportStatusFailed
		w.record(ctx, rejected, map[string]any{"error": ErrQueueFull.Error()})
		return ExportRecord{}, ErrQueueFull
	}
}

// GetExport returns a copy of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.jobs.Get(id)
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

// Store returns the artifact store.
func (w *Worker) Store() blob.Store { return w.store }

func (w *Worker) process(task exportTask) {
	w.update(task.id, func(r *ExportRecord) { r.Status = ExportStatusRunning })

	rows, err := w.compiler.Compile(w.ctx, task.input.OperationIDs)
	if err != nil {
		w.fail(task.id, fmt.Errorf("compile report: %w", err))
		return
	}
	record, ok := w.peek(task.id)
	if !ok {
		return
	}
	artifacts := make([]ExportArtifact, 0, len(record.Formats))
	for _, format := range record.Formats {
		artifact, err := w.storeArtifact(task.id, format, rows)
		if err != nil {
			w.fail(task.id, err)
			return
		}
		artifacts = append(artifacts, artifact)
	}
	w.update(task.id, func(r *ExportRecord) {
		r.Status = ExportStatusSucceeded
		r.Artifacts = artifacts
	})
	w.logger.Info("report export completed", "export_id", task.id, "rows", len(rows), "artifacts", len(artifacts))
}

func (w *Worker) storeArtifact(id string, format Format, rows []audit.TransferRow) (ExportArtifact, error) {
	payload, contentType, err := Render(format, rows)
	if err != nil {
		return ExportArtifact{}, err
	}
	key := fmt.Sprintf("%s%s/transfer-audit.%s", keyPrefix, id, format)
	info, err := w.store.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"export-id": id, "rows": strconv.Itoa(len(rows))},
	})
	if err != nil {
		return ExportArtifact{}, fmt.Errorf("store %s artifact: %w", format, err)
	}
	artifact := ExportArtifact{
		Key:         info.Key,
		Format:      format,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		Rows:        len(rows),
		ETag:        info.ETag,
		CreatedAt:   w.clock.Now(),
	}
	if url, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{}); err == nil {
		artifact.URL = url
	} else if !errors.Is(err, blob.ErrUnsupported) {
		w.logger.Warn("presign report artifact failed", "key", key, "error", err)
	}
	return artifact, nil
}

func (w *Worker) peek(id string) (ExportRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	record, ok := w.jobs.Peek(id)
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

// update mutates a record in place and audits the resulting state. Records
// evicted from the history are skipped.
func (w *Worker) update(id string, mutate func(*ExportRecord)) {
	now := w.clock.Now()
	w.mu.Lock()
	record, ok := w.jobs.Peek(id)
	if !ok {
		w.mu.Unlock()
		return
	}
	mutate(record)
	record.UpdatedAt = now
	if record.Status == ExportStatusSucceeded || record.Status == ExportStatusFailed {
		record.CompletedAt = &now
	}
	snapshot := record.copy()
	w.mu.Unlock()

	var md map[string]any
	if snapshot.Error != "" {
		md = map[string]any{"error": snapshot.Error}
	}
	w.record(w.ctx, snapshot, md)
}

func (w *Worker) fail(id string, err error) {
	w.logger.Error("report export failed", "export_id", id, "error", err)
	w.update(id, func(r *ExportRecord) {
		r.Status = ExportStatusFailed
		r.Error = err.Error()
	})
}

func (w *Worker) record(ctx context.Context, r ExportRecord, md map[string]any) {
	if w.audit == nil {
		return
	}
	w.audit.Record(ctx, AuditEntry{
		ID:           uuid.NewString(),
		ExportID:     r.ID,
		Action:       auditAction,
		Actor:        r.RequestedBy,
		Status:       r.Status,
		OperationIDs: r.OperationIDs,
		Reason:       r.Reason,
		Metadata:     md,
		OccurredAt:   r.UpdatedAt,
	})
}

// csvHeader lists the CSV columns in output order.
var csvHeader = []string{
	"operation_id", "operation_type", "action_id", "performed_at", "username",
	"source", "destination", "stained_at", "imaged_at", "probed_at",
	"concentration", "flags", "disposition", "disposed_at",
	"descendant_count", "leaf_count",
}

// Render encodes rows in format and returns the payload and content type.
func Render(format Format, rows []audit.TransferRow) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		if rows == nil {
			rows = []audit.TransferRow{}
		}
		payload, err := json.Marshal(rows)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(csvHeader); err != nil {
			return nil, "", err
		}
		for _, row := range rows {
			if err := writer.Write(csvRecord(row)); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported report format %q", format)
	}
}

func csvRecord(row audit.TransferRow) []string {
	return []string{
		strconv.Itoa(row.OperationID),
		row.OperationType,
		strconv.Itoa(row.ActionID),
		formatTime(&row.PerformedAt),
		row.Username,
		row.Source.String(),
		row.Destination.String(),
		formatTime(row.StainedAt),
		formatTime(row.ImagedAt),
		formatTime(row.ProbedAt),
		row.Concentration,
		strings.Join(row.Flags, "; "),
		string(row.Disposition),
		formatTime(row.DisposedAt),
		strconv.Itoa(row.DescendantCount),
		strconv.Itoa(row.LeafCount),
	}
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func uniqueInts(in []int) []int {
	out := make([]int, 0, len(in))
	seen := make(map[int]struct{}, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
