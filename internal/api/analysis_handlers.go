// Package api provides the HTTP API server for the Osservatorio service.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/osservatorio-istat/osservatorio/internal/storage"
)

// bulkAnalyzeRequest is the POST /api/analysis/dataflow/bulk payload.
type bulkAnalyzeRequest struct {
	DataflowIDs   []string `json:"dataflow_ids"`
	IncludeTests  bool     `json:"include_tests"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
}

// ruleRequest is the create/update payload for categorization rules.
type ruleRequest struct {
	RuleID      string   `json:"rule_id,omitempty"`
	Category    string   `json:"category"`
	Keywords    []string `json:"keywords"`
	Priority    int      `json:"priority"`
	IsActive    *bool    `json:"is_active,omitempty"`
	Description string   `json:"description,omitempty"`
}

// handleAnalyzeDataflow analyzes an SDMX dataflows document sent as the
// request body. Probes run when include_tests=true.
func (s *Server) handleAnalyzeDataflow(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	includeTests, _ := strconv.ParseBool(r.URL.Query().Get("include_tests"))

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	results, err := s.deps.Analyzer.AnalyzeXML(r.Context(), body, includeTests)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    results,
	})
}

// handleAnalyzeUpload analyzes an SDMX document uploaded as multipart form
// data under the "file" field.
func (s *Server) handleAnalyzeUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	if err := r.ParseMultipartForm(s.config.MaxRequestSize); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Malformed multipart form: "+err.Error()))

		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusUnprocessableEntity,
			ValidationFailed("A file field named \"file\" is required"))

		return
	}

	defer func() {
		_ = file.Close()
	}()

	includeTests, _ := strconv.ParseBool(r.FormValue("include_tests"))

	results, err := s.deps.Analyzer.AnalyzeXML(r.Context(), file, includeTests)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    results,
	})
}

// handleAnalyzeBulk analyzes dataflows by ID with bounded concurrency.
func (s *Server) handleAnalyzeBulk(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	var req bulkAnalyzeRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Malformed JSON body: "+err.Error()))

		return
	}

	results, err := s.deps.Analyzer.AnalyzeBulk(r.Context(), req.DataflowIDs, req.IncludeTests, req.MaxConcurrent)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    results,
	})
}

// handleListRules lists categorization rules; active_only=true filters.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeRead); !ok {
		return
	}

	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))

	ruleList, err := s.deps.Rules.List(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, listEnvelope{
		Success: true,
		Data:    ruleList,
	})
}

// handleCreateRule creates a categorization rule. A missing rule_id gets a
// generated one; rule_id is immutable afterwards.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeWrite); !ok {
		return
	}

	req, ok := s.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	if req.RuleID == "" {
		req.RuleID = uuid.NewString()
	}

	rule := ruleFromRequest(req)

	if err := s.deps.Rules.Create(r.Context(), rule); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusCreated, rule)
}

// handleUpdateRule updates a rule in place. The path rule_id wins over any
// body value.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeWrite); !ok {
		return
	}

	req, ok := s.decodeRuleRequest(w, r)
	if !ok {
		return
	}

	req.RuleID = r.PathValue("rule_id")
	rule := ruleFromRequest(req)

	if err := s.deps.Rules.Update(r.Context(), rule); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, rule)
}

// handleDeleteRule hard-deletes a rule.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, storage.ScopeWrite); !ok {
		return
	}

	if err := s.deps.Rules.Delete(r.Context(), r.PathValue("rule_id")); err != nil {
		writeDomainError(w, r, s.logger, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeRuleRequest(w http.ResponseWriter, r *http.Request) (*ruleRequest, bool) {
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, http.StatusUnsupportedMediaType,
			ValidationFailed("Content-Type must be application/json"))

		return nil, false
	}

	var req ruleRequest

	body := http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, http.StatusBadRequest,
			ValidationFailed("Malformed JSON body: "+err.Error()))

		return nil, false
	}

	return &req, true
}

func ruleFromRequest(req *ruleRequest) *storage.CategorizationRule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	return &storage.CategorizationRule{
		RuleID:      req.RuleID,
		Category:    req.Category,
		Keywords:    req.Keywords,
		Priority:    req.Priority,
		IsActive:    active,
		Description: req.Description,
	}
}
