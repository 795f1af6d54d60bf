// Package server exposes the question-to-SQL pipeline over HTTP: worked
// example management, schema listing, a KPI strip, intent planning, and
// the gated SQL generation/execution endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"nlquery/internal/planner"
	"nlquery/internal/router"
	"nlquery/internal/rules"
	"nlquery/internal/sqlgen"
	"nlquery/internal/store"
)

// listExamplesLimit caps the example listing endpoint.
const listExamplesLimit = 200

// Warehouse is the query surface the server needs.
type Warehouse interface {
	Query(ctx context.Context, sqlText string, args ...any) ([]string, [][]any, error)
	ListTables(ctx context.Context) ([]string, error)
}

// ExampleStore is the worked-example surface the server needs.
type ExampleStore interface {
	Add(ctx context.Context, question, sqlText string, tags []string, notes string) (int64, error)
	List(ctx context.Context, limit int) ([]store.Example, error)
	Delete(ctx context.Context, id int64) error
	FindSimilar(ctx context.Context, question string, topK int, minScore float64) ([]store.Scored, error)
}

// QuestionRouter classifies questions into routes.
type QuestionRouter interface {
	Route(ctx context.Context, question string) router.Decision
}

// IntentPlanner plans intents and applies stage buckets.
type IntentPlanner interface {
	Plan(ctx context.Context, question, route, stageBucket string) (*planner.Intent, error)
	ApplyStageBucket(intent *planner.Intent, stageBucket string)
}

// Generator synthesizes SQL and narrates results.
type Generator interface {
	Generate(ctx context.Context, route, question string, intent *planner.Intent, countryCode, reportingCurrency, stageBucket string) (*sqlgen.Result, error)
	Narrate(ctx context.Context, question string, columns []string, rows [][]any, reportingCurrency string) (string, error)
}

// Server wires the pipeline behind HTTP handlers. The pipeline gate
// serializes full question-to-result runs; planning-only endpoints are
// not gated.
type Server struct {
	rules     *rules.Provider
	warehouse Warehouse
	store     ExampleStore
	router    QuestionRouter
	planner   IntentPlanner
	engine    Generator
	gate      *semaphore.Weighted
	logger    *zap.Logger
}

// New builds a server over the assembled pipeline components.
func New(r *rules.Provider, wh Warehouse, st ExampleStore, qr QuestionRouter, pl IntentPlanner, eng Generator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		rules:     r,
		warehouse: wh,
		store:     st,
		router:    qr,
		planner:   pl,
		engine:    eng,
		gate:      semaphore.NewWeighted(1),
		logger:    logger.Named("server"),
	}
}

// Handler returns the routed HTTP handler with common middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/examples", s.handleListExamples)
	mux.HandleFunc("POST /api/examples", s.handleAddExample)
	mux.HandleFunc("DELETE /api/examples/{id}", s.handleDeleteExample)
	mux.HandleFunc("GET /api/examples/similar", s.handleSimilarExamples)
	mux.HandleFunc("GET /api/tables", s.handleListTables)
	mux.HandleFunc("GET /api/kpi_strip", s.handleKPIStrip)
	mux.HandleFunc("POST /api/intent", s.handleIntent)
	mux.HandleFunc("POST /api/sql_from_intent", s.handleSQLFromIntent)
	mux.HandleFunc("POST /api/sql", s.handleSQL)
	return s.middleware(mux)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
		s.logger.Info("request handled",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil {
		body["detail"] = err.Error()
		s.logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "nlquery"})
}

func (s *Server) handleListExamples(w http.ResponseWriter, r *http.Request) {
	examples, err := s.store.List(r.Context(), listExamplesLimit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list examples", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

func (s *Server) handleAddExample(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question string   `json:"question"`
		SQL      string   `json:"sql"`
		SQLText  string   `json:"sql_text"`
		Tags     []string `json:"tags"`
		Notes    string   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	question := strings.TrimSpace(payload.Question)
	sqlText := strings.TrimSpace(payload.SQL)
	if sqlText == "" {
		sqlText = strings.TrimSpace(payload.SQLText)
	}
	if question == "" || sqlText == "" {
		s.writeError(w, http.StatusBadRequest, "question and sql are required", nil)
		return
	}
	id, err := s.store.Add(r.Context(), question, sqlText, payload.Tags, strings.TrimSpace(payload.Notes))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to add example", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleDeleteExample(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid example id", err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "Example not found", nil)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to delete example", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (s *Server) handleSimilarExamples(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, http.StatusBadRequest, "Missing q", nil)
		return
	}
	examples, err := s.store.FindSimilar(r.Context(), q, store.DefaultTopK, store.DefaultMinScore)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to search examples", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"examples": examples})
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.warehouse.ListTables(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list tables", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

// uiSelection is the UI sub-object requests may carry; top-level fields
// win over it.
type uiSelection struct {
	Region            string `json:"region"`
	ReportingCurrency string `json:"reporting_currency"`
	StageBucket       string `json:"stage_bucket"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Query       string      `json:"query"`
		StageBucket string      `json:"stage_bucket"`
		UI          uiSelection `json:"ui"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	question := strings.TrimSpace(payload.Query)
	if question == "" {
		s.writeError(w, http.StatusBadRequest, "Missing query", nil)
		return
	}
	stageBucket := s.rules.NormalizeStageBucket(firstNonEmpty(payload.StageBucket, payload.UI.StageBucket))

	decision := s.router.Route(r.Context(), question)
	intent, err := s.planner.Plan(r.Context(), question, decision.Route, stageBucket)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to plan intent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":        decision.Route,
		"route_reason": decision.Reason,
		"route_raw":    decision.Raw,
		"intent":       intent,
		"raw":          intent.Raw,
	})
}

// acquireGate serializes full pipeline runs. Returns false when the
// request context ends while waiting.
func (s *Server) acquireGate(ctx context.Context, w http.ResponseWriter) bool {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "Request cancelled while queued", err)
		return false
	}
	return true
}

func queryErrorStatus(err error) int {
	var safety *sqlgen.SafetyError
	var constraint *sqlgen.ConstraintError
	if errors.As(err, &safety) || errors.As(err, &constraint) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func resultMeta(res *sqlgen.Result) (string, string, []store.Scored) {
	examples := res.Examples
	if examples == nil {
		examples = []store.Scored{}
	}
	return res.GeneratorSQL, res.ValidatedSQL, examples
}

func (s *Server) handleSQLFromIntent(w http.ResponseWriter, r *http.Request) {
	if !s.acquireGate(r.Context(), w) {
		return
	}
	defer s.gate.Release(1)

	var payload struct {
		Intent            *planner.Intent `json:"intent"`
		Question          string          `json:"question"`
		Route             string          `json:"route"`
		Region            string          `json:"region"`
		ReportingCurrency string          `json:"reporting_currency"`
		StageBucket       string          `json:"stage_bucket"`
		PreviewSQLOnly    bool            `json:"preview_sql_only"`
		IncludeNarrative  bool            `json:"include_narrative"`
		UI                uiSelection     `json:"ui"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if payload.Intent == nil {
		s.writeError(w, http.StatusBadRequest, "Missing intent object", nil)
		return
	}

	region := s.rules.NormalizeRegion(firstNonEmpty(payload.Region, payload.UI.Region))
	countryCode := s.rules.CountryCodeForRegion(region)
	reportingCurrency := s.rules.NormalizeReportingCurrency(firstNonEmpty(payload.ReportingCurrency, payload.UI.ReportingCurrency))
	stageBucket := s.rules.NormalizeStageBucket(firstNonEmpty(payload.StageBucket, payload.UI.StageBucket))
	route := strings.ToLower(firstNonEmpty(payload.Route, router.RouteNormal))
	s.planner.ApplyStageBucket(payload.Intent, stageBucket)

	res, err := s.engine.Generate(r.Context(), route, payload.Question, payload.Intent, countryCode, reportingCurrency, stageBucket)
	if err != nil {
		s.writeError(w, queryErrorStatus(err), "Failed to generate SQL", err)
		return
	}
	generatorSQL, validatedSQL, examples := resultMeta(res)

	if payload.PreviewSQLOnly {
		writeJSON(w, http.StatusOK, map[string]any{
			"sql":                res.SQL,
			"llm_raw":            res.Transcript,
			"prompt":             res.Prompt,
			"columns":            []string{},
			"rows":               [][]any{},
			"answer":             "SQL preview only. Query not executed.",
			"narrative":          nil,
			"route_used":         res.RouteUsed,
			"region":             region,
			"country_code":       countryCode,
			"stage_bucket":       stageBucket,
			"reporting_currency": reportingCurrency,
			"preview_sql_only":   true,
			"generator_sql":      generatorSQL,
			"validated_sql":      validatedSQL,
			"similar_examples":   examples,
		})
		return
	}

	columns, rows, err := s.warehouse.Query(r.Context(), res.SQL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":            "Query execution failed",
			"detail":           err.Error(),
			"sql":              res.SQL,
			"llm_raw":          res.Transcript,
			"prompt":           res.Prompt,
			"route_used":       res.RouteUsed,
			"generator_sql":    generatorSQL,
			"validated_sql":    validatedSQL,
			"similar_examples": examples,
		})
		return
	}

	rowsJSON := jsonRows(rows)
	var narrative any
	if payload.IncludeNarrative {
		question := firstNonEmpty(payload.Question, "Answer the intent.")
		text, err := s.engine.Narrate(r.Context(), question, columns, rowsJSON, reportingCurrency)
		if err != nil {
			s.logger.Warn("narrative generation failed", zap.Error(err))
		} else {
			narrative = text
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sql":                res.SQL,
		"llm_raw":            res.Transcript,
		"prompt":             res.Prompt,
		"columns":            columns,
		"rows":               rowsJSON,
		"answer":             formatRows(rows, columns),
		"narrative":          narrative,
		"route_used":         res.RouteUsed,
		"region":             region,
		"country_code":       countryCode,
		"stage_bucket":       stageBucket,
		"reporting_currency": reportingCurrency,
		"generator_sql":      generatorSQL,
		"validated_sql":      validatedSQL,
		"similar_examples":   examples,
	})
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if !s.acquireGate(r.Context(), w) {
		return
	}
	defer s.gate.Release(1)

	var payload struct {
		Query             string      `json:"query"`
		Region            string      `json:"region"`
		ReportingCurrency string      `json:"reporting_currency"`
		StageBucket       string      `json:"stage_bucket"`
		UI                uiSelection `json:"ui"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	question := strings.TrimSpace(payload.Query)
	if question == "" {
		s.writeError(w, http.StatusBadRequest, "Missing query", nil)
		return
	}

	decision := s.router.Route(r.Context(), question)
	stageBucket := s.rules.NormalizeStageBucket(firstNonEmpty(payload.StageBucket, payload.UI.StageBucket))
	intent, err := s.planner.Plan(r.Context(), question, decision.Route, stageBucket)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to plan intent", err)
		return
	}

	region := s.rules.NormalizeRegion(firstNonEmpty(payload.Region, payload.UI.Region))
	countryCode := s.rules.CountryCodeForRegion(region)
	reportingCurrency := s.rules.NormalizeReportingCurrency(firstNonEmpty(payload.ReportingCurrency, payload.UI.ReportingCurrency))

	res, err := s.engine.Generate(r.Context(), decision.Route, question, intent, countryCode, reportingCurrency, stageBucket)
	if err != nil {
		s.writeError(w, queryErrorStatus(err), "Failed to generate SQL", err)
		return
	}
	generatorSQL, validatedSQL, examples := resultMeta(res)

	columns, rows, err := s.warehouse.Query(r.Context(), res.SQL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":            "Query execution failed",
			"detail":           err.Error(),
			"sql":              res.SQL,
			"llm_raw":          res.Transcript,
			"prompt":           res.Prompt,
			"route_used":       res.RouteUsed,
			"generator_sql":    generatorSQL,
			"validated_sql":    validatedSQL,
			"similar_examples": examples,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sql":              res.SQL,
		"llm_raw":          res.Transcript,
		"columns":          columns,
		"rows":             jsonRows(rows),
		"answer":           formatRows(rows, columns),
		"prompt":           res.Prompt,
		"route_used":       res.RouteUsed,
		"intent":           intent,
		"generator_sql":    generatorSQL,
		"validated_sql":    validatedSQL,
		"similar_examples": examples,
	})
}

// quarterLabel renders the current quarter for the KPI strip header.
func quarterLabel(now time.Time) string {
	return fmt.Sprintf("Q%d %d", (int(now.Month())-1)/3+1, now.Year())
}
