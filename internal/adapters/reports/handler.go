package reports

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"stancore/internal/blob"
	"stancore/internal/core"
	"stancore/pkg/domain"
)

const (
	reportsPath   = "/api/v1/reports"
	transferPath  = reportsPath + "/transfer-audit"
	posterityPath = "/api/v1/lineage/posterity"
	ancestryPath  = "/api/v1/lineage/ancestry"
)

// LineageService answers lineage queries. *core.Service satisfies it.
type LineageService interface {
	FindPosterity(ctx context.Context, roots []domain.SlotSample) (*core.Posterity, error)
	FindAncestry(ctx context.Context, roots []domain.SlotSample) (*core.Ancestry, error)
}

// Handler serves report exports and lineage lookups.
type Handler struct {
	Exports   ExportScheduler
	Artifacts blob.Store
	Lineage   LineageService
}

// NewHandler constructs a handler; any dependency may be nil, which disables
// the matching routes.
func NewHandler(exports ExportScheduler, artifacts blob.Store, lineage LineageService) *Handler {
	return &Handler{Exports: exports, Artifacts: artifacts, Lineage: lineage}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == posterityPath || path == ancestryPath:
		if h.Lineage == nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleLineage(w, r, path == posterityPath)
	case path == transferPath:
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleExportCreate(w, r)
	case strings.HasPrefix(path, reportsPath+"/"):
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleExportGet(w, r, strings.Split(strings.TrimPrefix(path, reportsPath+"/"), "/"))
	default:
		http.NotFound(w, r)
	}
}

type exportRequest struct {
	OperationIDs []int    `json:"operation_ids"`
	Formats      []string `json:"formats"`
	RequestedBy  string   `json:"requested_by"`
	Reason       string   `json:"reason"`
}

func (h *Handler) handleExportCreate(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid export request payload")
		return
	}
	formats := make([]Format, 0, len(req.Formats))
	for _, f := range req.Formats {
		format, err := ParseFormat(f)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		formats = append(formats, format)
	}
	record, err := h.Exports.EnqueueExport(r.Context(), ExportInput{
		OperationIDs: req.OperationIDs,
		Formats:      formats,
		RequestedBy:  req.RequestedBy,
		Reason:       req.Reason,
	})
	switch {
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrWorkerStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
}

// handleExportGet serves {id} and {id}/artifacts/{format}.
func (h *Handler) handleExportGet(w http.ResponseWriter, r *http.Request, segments []string) {
	if len(segments) != 1 && (len(segments) != 3 || segments[1] != "artifacts") {
		writeError(w, http.StatusNotFound, "report endpoint not found")
		return
	}
	record, ok := h.Exports.GetExport(segments[0])
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	if len(segments) == 1 {
		writeJSON(w, http.StatusOK, map[string]any{"export": record})
		return
	}
	format, err := ParseFormat(segments[2])
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	artifact, ok := record.Artifact(format)
	if !ok || h.Artifacts == nil {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	info, body, err := h.Artifacts.Get(r.Context(), artifact.Key)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer body.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = artifact.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="transfer-audit-`+record.ID+"."+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

type lineageResponse struct {
	Roots []domain.SlotSample `json:"roots"`
	Nodes []domain.SlotSample `json:"nodes"`
	Edges []domain.Edge       `json:"edges"`
	// Terminals holds leafs for posterity and origins for ancestry.
	Terminals []domain.SlotSample `json:"terminals"`
	Stats     core.Stats          `json:"stats"`
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request, forward bool) {
	values := r.URL.Query()["node"]
	if len(values) == 0 {
		writeError(w, http.StatusBadRequest, "at least one node=slot:sample parameter required")
		return
	}
	roots := make([]domain.SlotSample, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			n, err := domain.ParseSlotSample(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			roots = append(roots, n)
		}
	}
	resp := lineageResponse{Roots: roots}
	if forward {
		p, err := h.Lineage.FindPosterity(r.Context(), roots)
		if err != nil {
			writeError(w, lineageStatus(err), err.Error())
			return
		}
		resp.Nodes, resp.Edges, resp.Terminals, resp.Stats = p.KeySet(), p.Edges(), p.Leafs(), p.Stats()
	} else {
		a, err := h.Lineage.FindAncestry(r.Context(), roots)
		if err != nil {
			writeError(w, lineageStatus(err), err.Error())
			return
		}
		resp.Nodes, resp.Edges, resp.Terminals, resp.Stats = a.KeySet(), a.Edges(), a.Origins(), a.Stats()
	}
	// empty results encode as [] rather than null
	resp.Nodes = nonNil(resp.Nodes)
	resp.Edges = nonNil(resp.Edges)
	resp.Terminals = nonNil(resp.Terminals)
	writeJSON(w, http.StatusOK, resp)
}

func lineageStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrAncestryUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrMirrorBehind):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
