// Package api exposes plan generation, approval and execution over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsflow/guardian/internal/agents"
	"github.com/opsflow/guardian/internal/audit"
	"github.com/opsflow/guardian/internal/engine"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/store"
	"github.com/opsflow/guardian/internal/stream"
)

// maxBodySize limits request bodies.
const maxBodySize = 1 << 20

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ActorHeader names the caller on whose behalf a request is made.
const ActorHeader = "X-Actor"

// AuditSource is implemented by *audit.Log.
type AuditSource interface {
	Events(f audit.Filter) []audit.Event
}

type Handler struct {
	engine *engine.Engine
	audit  AuditSource
	agents *agents.Registry
	logger *slog.Logger
}

type Option func(*Handler)

func WithAudit(a AuditSource) Option {
	return func(h *Handler) { h.audit = a }
}

func WithAgents(r *agents.Registry) Option {
	return func(h *Handler) { h.agents = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

func NewHandler(eng *engine.Engine, opts ...Option) *Handler {
	h := &Handler{engine: eng}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// RegisterHTTPHandlers mounts the API under prefix, e.g. "/api/v1".
func (h *Handler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/healthz", h.handleHealth)

	mux.HandleFunc("POST "+prefix+"/plans", h.handleCreate)
	mux.HandleFunc("GET "+prefix+"/plans", h.handleList)
	mux.HandleFunc("GET "+prefix+"/plans/{id}", h.handleGet)
	mux.HandleFunc("GET "+prefix+"/plans/{id}/status", h.handleStatus)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/execute", h.handleExecute)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/steps/{ordinal}/approve", h.handleApproveStep)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/reject", h.handleReject)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST "+prefix+"/plans/{id}/reevaluate", h.handleReevaluate)
	mux.HandleFunc("GET "+prefix+"/plans/{id}/audit", h.handlePlanAudit)

	mux.HandleFunc("GET "+prefix+"/audit", h.handleAudit)
	mux.HandleFunc("GET "+prefix+"/agents", h.handleAgents)
	mux.HandleFunc("GET "+prefix+"/agents/{role}", h.handleAgent)
}

// Handler returns a ready mux with request logging and actor propagation.
func (h *Handler) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()
	h.RegisterHTTPHandlers(prefix, mux)
	return RequestID(Logger(h.logger, mux))
}

// DecisionRequest is the body of approve, reject and cancel calls.
type DecisionRequest struct {
	Notes  string `json:"notes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ListPlansResponse struct {
	Plans []*plan.Plan `json:"plans"`
	Total int          `json:"total"`
}

type AuditResponse struct {
	Events []audit.Event `json:"events"`
	Total  int           `json:"total"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// AgentView adds the derived statistics to an agent record.
type AgentView struct {
	agents.Record
	SuccessRate       float64 `json:"success_rate"`
	AverageDurationMS int64   `json:"average_duration_ms"`
}

func agentView(r agents.Record) AgentView {
	return AgentView{
		Record:            r,
		SuccessRate:       r.SuccessRate(),
		AverageDurationMS: r.AverageDuration().Milliseconds(),
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req plan.Request
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		h.writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = r.Header.Get(ActorHeader)
	}
	p, err := h.engine.CreatePlan(h.ctx(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// handleList accepts status, org_id and limit query parameters.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{OrgID: q.Get("org_id"), Limit: defaultListLimit}
	if v := q.Get("status"); v != "" {
		st := plan.Status(v)
		if !st.IsValid() {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
		f.Status = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: must be 1-%d", maxListLimit))
			return
		}
		f.Limit = n
	}
	plans, err := h.engine.ListPlans(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if plans == nil {
		plans = []*plan.Plan{}
	}
	h.writeJSON(w, http.StatusOK, ListPlansResponse{Plans: plans, Total: len(plans)})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Plan(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetPlanStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// handleExecute starts execution in the background and answers with the
// status at that moment.
func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.StartExecution(h.ctx(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.engine.GetPlanStatus(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, st)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.respondPlan(w, r)(h.engine.Approve(h.ctx(r), r.PathValue("id"), req.Notes))
}

func (h *Handler) handleApproveStep(w http.ResponseWriter, r *http.Request) {
	ordinal, err := strconv.Atoi(r.PathValue("ordinal"))
	if err != nil || ordinal < 1 {
		h.writeError(w, http.StatusBadRequest, "step ordinal must be a positive integer")
		return
	}
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.respondPlan(w, r)(h.engine.ApproveStep(h.ctx(r), r.PathValue("id"), ordinal, req.Notes))
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		h.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	h.respondPlan(w, r)(h.engine.Reject(h.ctx(r), r.PathValue("id"), req.Reason))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	h.respondPlan(w, r)(h.engine.Cancel(h.ctx(r), r.PathValue("id"), req.Reason))
}

func (h *Handler) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	h.respondPlan(w, r)(h.engine.Reevaluate(h.ctx(r), r.PathValue("id")))
}

// handlePlanAudit returns the trail of a plan and all of its steps.
func (h *Handler) handlePlanAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeError(w, http.StatusNotFound, "audit trail not available")
		return
	}
	id := r.PathValue("id")
	if _, err := h.engine.Plan(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	f, err := stream.ParseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.ResourceID = ""
	events := []audit.Event{}
	for _, e := range h.audit.Events(f) {
		if e.ResourceID == id || strings.HasPrefix(e.ResourceID, id+"/") {
			events = append(events, e)
		}
	}
	h.writeJSON(w, http.StatusOK, AuditResponse{Events: events, Total: len(events)})
}

// handleAudit takes the same query parameters as the audit stream.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		h.writeError(w, http.StatusNotFound, "audit trail not available")
		return
	}
	f, err := stream.ParseFilter(r.URL.Query())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events := h.audit.Events(f)
	if events == nil {
		events = []audit.Event{}
	}
	h.writeJSON(w, http.StatusOK, AuditResponse{Events: events, Total: len(events)})
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		h.writeError(w, http.StatusNotFound, "agent registry not available")
		return
	}
	recs, err := h.agents.Snapshot(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]AgentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, agentView(rec))
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	if h.agents == nil {
		h.writeError(w, http.StatusNotFound, "agent registry not available")
		return
	}
	rec, err := h.agents.Get(r.Context(), agents.Role(r.PathValue("role")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agentView(rec))
}

func (h *Handler) respondPlan(w http.ResponseWriter, r *http.Request) func(*plan.Plan, error) {
	return func(p *plan.Plan, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, p)
	}
}

func (h *Handler) ctx(r *http.Request) context.Context {
	return actorContext(r)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrPlanNotFound),
		errors.Is(err, engine.ErrStepNotFound),
		errors.Is(err, agents.ErrUnknownRole):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrApprovalRequired),
		errors.Is(err, engine.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, code, "internal error")
		return
	}
	h.writeError(w, code, err.Error())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return h.decode(w, r, v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}
