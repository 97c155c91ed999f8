package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/foresight/internal/executions"
	"github.com/aristath/foresight/internal/orchestrator"
	"github.com/aristath/foresight/internal/reports"
	"github.com/aristath/foresight/internal/universe"
)

// startExecutionRequest is the trigger body. All fields are optional.
type startExecutionRequest struct {
	Source   string `json:"source"`
	AsOfDate string `json:"as_of_date"`
	Limit    *int   `json:"limit"`
}

// handleStartExecution triggers a new precompute run.
// POST /api/executions
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Limit != nil && *req.Limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be positive")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	result, err := s.orch.Start(r.Context(), orchestrator.StartParams{
		Source:   req.Source,
		AsOfDate: req.AsOfDate,
		Limit:    req.Limit,
	})
	if err != nil {
		if errors.Is(err, executions.ErrExecutionInProgress) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.log.Error().Err(err).Msg("Failed to start execution")
		s.writeError(w, http.StatusInternalServerError, "failed to start execution")
		return
	}

	s.writeJSON(w, http.StatusAccepted, result)
}

// executionResponse is the read view of one execution.
type executionResponse struct {
	ExecutionID       string  `json:"execution_id"`
	Source            string  `json:"source"`
	AsOfDate          string  `json:"as_of_date"`
	State             string  `json:"state"`
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	Pending           int     `json:"pending"`
	DurationMs        int64   `json:"duration_ms"`
	MeanJobDurationMs float64 `json:"mean_job_duration_ms"`
	P95JobDurationMs  float64 `json:"p95_job_duration_ms"`
	ClosedAt          *int64  `json:"closed_at,omitempty"`
}

// handleGetExecution returns the live aggregate for one execution.
// GET /api/executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.execRepo.Get(id)
	if err != nil {
		s.log.Error().Err(err).Str("execution", id).Msg("Failed to load execution")
		s.writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	if exec == nil {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return
	}

	agg, err := s.watcher.Snapshot(id)
	if err != nil {
		s.log.Error().Err(err).Str("execution", id).Msg("Failed to aggregate execution")
		s.writeError(w, http.StatusInternalServerError, "failed to aggregate execution")
		return
	}

	resp := executionResponse{
		ExecutionID:       exec.ID,
		Source:            exec.Source,
		AsOfDate:          exec.AsOfDate,
		State:             string(agg.State),
		Total:             agg.Total,
		Succeeded:         agg.Succeeded,
		Failed:            agg.Failed,
		Pending:           agg.Pending,
		DurationMs:        agg.Duration.Milliseconds(),
		MeanJobDurationMs: float64(agg.MeanJobDuration.Microseconds()) / 1000.0,
		P95JobDurationMs:  float64(agg.P95JobDuration.Microseconds()) / 1000.0,
	}
	if exec.ClosedAt != nil {
		ms := exec.ClosedAt.UnixMilli()
		resp.ClosedAt = &ms
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// reportResponse is a served cache entry.
type reportResponse struct {
	Symbol     string          `json:"symbol"`
	AsOfDate   string          `json:"as_of_date"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt int64           `json:"computed_at"`
	ExpiresAt  int64           `json:"expires_at"`
}

// handleGetReport serves a cached report. A fresh successful entry is
// returned as-is. A stored failure surfaces its reason with a retry hint.
// A newer-schema row is a hard error, never a silent miss.
// GET /api/reports/{symbol}?date=YYYY-MM-DD
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	entry, err := s.reportRepo.Get(symbol, date)
	if err == nil {
		s.writeJSON(w, http.StatusOK, reportResponse{
			Symbol:     entry.InstrumentID,
			AsOfDate:   entry.AsOfDate,
			Payload:    json.RawMessage(entry.Payload),
			ComputedAt: entry.ComputedAt.UnixMilli(),
			ExpiresAt:  entry.ExpiresAt.UnixMilli(),
		})
		return
	}

	if errors.Is(err, reports.ErrSchemaMismatch) {
		s.log.Error().Err(err).Str("symbol", symbol).Str("date", date).Msg("Cache schema mismatch")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !errors.Is(err, reports.ErrCacheMiss) {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to read report cache")
		s.writeError(w, http.StatusInternalServerError, "failed to read report cache")
		return
	}

	// Miss. A still-valid error row carries the failure reason; the caller
	// should retry after the negative-cache window rather than immediately.
	raw, err := s.reportRepo.GetAny(symbol, date)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to read report cache")
		s.writeError(w, http.StatusInternalServerError, "failed to read report cache")
		return
	}
	if raw != nil && raw.Status == reports.StatusError && time.Now().Before(raw.ExpiresAt) {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":       raw.ErrorMessage,
			"retry_after": raw.ExpiresAt.UnixMilli(),
		})
		return
	}

	s.writeError(w, http.StatusNotFound, "no report for this symbol and date")
}

// handleInvalidateReport force-expires a cache entry so the next run
// recomputes it. The row itself is kept.
// POST /api/reports/{symbol}/invalidate?date=YYYY-MM-DD
func (s *Server) handleInvalidateReport(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	if err := s.reportRepo.Invalidate(symbol, date); err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to invalidate report")
		s.writeError(w, http.StatusInternalServerError, "failed to invalidate report")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "invalidated",
		"symbol": symbol,
		"date":   date,
	})
}

// handleListInstruments returns the active instrument universe.
// GET /api/instruments
func (s *Server) handleListInstruments(w http.ResponseWriter, _ *http.Request) {
	instruments, err := s.instRepo.ListActive()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list instruments")
		s.writeError(w, http.StatusInternalServerError, "failed to list instruments")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instruments": instruments,
		"count":       len(instruments),
	})
}

// resolveResponse is the outcome of a fuzzy symbol lookup.
type resolveResponse struct {
	Query      string  `json:"query"`
	Symbol     string  `json:"symbol,omitempty"`
	Name       string  `json:"name,omitempty"`
	Confidence float64 `json:"confidence"`
	Tier       string  `json:"tier"`
}

// handleResolveInstrument resolves a free-form identifier to a known
// instrument. An unmatched query returns 404 with tier "none".
// GET /api/instruments/resolve?q=APPL
func (s *Server) handleResolveInstrument(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		s.writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}

	resolution, err := s.resolver.Resolve(query)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("Failed to resolve identifier")
		s.writeError(w, http.StatusInternalServerError, "failed to resolve identifier")
		return
	}

	resp := resolveResponse{
		Query:      query,
		Symbol:     resolution.Symbol,
		Name:       resolution.Name,
		Confidence: resolution.Confidence,
		Tier:       resolution.Tier.String(),
	}
	if resolution.Tier == universe.TierNone {
		s.writeJSON(w, http.StatusNotFound, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
