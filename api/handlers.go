/*
handlers.go - HTTP API handlers for the case package assignment engine

PURPOSE:
  Exposes the lifecycle, the assignment workflow and the flow log via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Packages:
    GET    /api/packages                   List packages (?status=&assigned_org_id=&limit=&offset=)
    POST   /api/packages                   Create a DRAFT package
    GET    /api/packages/{id}              Get package details
    DELETE /api/packages/{id}              Delete a DRAFT package
    GET    /api/packages/{id}/next-statuses Reachable statuses
    POST   /api/packages/{id}/{action}     publish, withdraw, accept, reject,
                                           return, start, complete, cancel
    POST   /api/packages/{id}/assign       Manual assignment to an organization
    GET    /api/packages/{id}/flow         Flow records of one package

  Assignment:
    GET    /api/packages/{id}/recommendations  Ranked candidates (read-only)
    POST   /api/packages/{id}/auto-assign      Assign under one rule
    POST   /api/assignments/batch              Batch assign
    GET    /api/assessments                    One organization vs one package

  Reference:
    GET    /api/flow             Query flow records
    GET    /api/strategies       Strategies and weights
    GET    /api/state-machine    Status graph

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Packages, rules, organizations and flow records
  - Service: Assignment workflow (its Lifecycle drives transitions)
  - Factory: JSON to engine conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (lifecycle, assignment service, rules)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Invalid transition, concurrent modification, duplicate id
  - 500: Internal errors
  Assignment rejections (no matching rule, score below minimum) are not
  errors: they return 200 with success=false.

SEE ALSO:
  - dto.go: Request/response data structures
  - rules.go: Rules and organizations
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/disposal-engine/assignment"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/factory"
	"github.com/warp/disposal-engine/scoring"
)

// Actor headers.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorName = "X-Actor-Name"
)

// DefaultActorID is used when a request names no actor.
const DefaultActorID = "api"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Store   engine.Store
	Service *assignment.Service
	Factory *factory.Factory
	Logger  *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler.
func NewHandler(store engine.Store, svc *assignment.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:   store,
		Service: svc,
		Factory: factory.New(),
		Logger:  logger,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) lifecycle() *engine.Lifecycle {
	return h.Service.Lifecycle
}

// actorFrom reads the acting user from request headers.
func actorFrom(r *http.Request) engine.Actor {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		id = DefaultActorID
	}
	name := strings.TrimSpace(r.Header.Get(HeaderActorName))
	if name == "" {
		name = id
	}
	return engine.Actor{ID: id, Name: name}
}

// =============================================================================
// PACKAGE ENDPOINTS
// =============================================================================

// ListPackages returns packages, optionally filtered by status and assignee.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.PackageFilter{AssignedOrgID: engine.OrganizationID(q.Get("assigned_org_id"))}
	for _, s := range splitList(q.Get("status")) {
		st := engine.Status(strings.ToUpper(s))
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, CodeValidation, "Invalid status", fmt.Errorf("unknown status %q", s))
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid limit", err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid offset", err)
		return
	}

	pkgs, err := h.Store.ListPackages(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list packages", err)
		return
	}
	dtos := make([]PackageDTO, len(pkgs))
	for i, p := range pkgs {
		dtos[i] = toPackageDTO(h.Factory, p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePackage creates a package in DRAFT.
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req factory.PackageJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	pkg, err := h.Factory.PackageFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid package", err)
		return
	}
	created, err := h.lifecycle().Create(r.Context(), pkg, actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Failed to create package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(h.Factory, created))
}

// GetPackage returns a single package.
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	pkg, err := h.Store.GetPackage(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Package not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(h.Factory, *pkg))
}

// DeletePackage removes a package that never left DRAFT.
func (h *Handler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	if err := h.lifecycle().Delete(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to delete package", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NextStatuses lists the statuses reachable from the package's current one.
func (h *Handler) NextStatuses(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	pkg, err := h.Store.GetPackage(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Package not found", err)
		return
	}
	writeJSON(w, http.StatusOK, NextStatusesDTO{
		PackageID:    string(pkg.ID),
		Status:       string(pkg.Status),
		NextStatuses: statusStrings(engine.PossibleNextStatuses(pkg.Status)),
		Terminal:     engine.IsTerminal(pkg.Status),
	})
}

// Transition returns a handler applying one lifecycle event.
func (h *Handler) Transition(event engine.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := engine.PackageID(chi.URLParam(r, "id"))
		var req TransitionRequest
		if err := decodeOptionalBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
			return
		}
		pkg, err := h.lifecycle().Transition(r.Context(), id, event, actorFrom(r), req.Reason)
		if err != nil {
			h.writeDomainError(w, fmt.Sprintf("Failed to %s package", event), err)
			return
		}
		writeJSON(w, http.StatusOK, toPackageDTO(h.Factory, pkg))
	}
}

// ChangeStatus moves a package to the requested status.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	var req StatusChangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "status is required", nil)
		return
	}
	target := engine.Status(strings.ToUpper(req.Status))
	event := engine.Event(strings.ToLower(req.Event))

	pkg, err := h.lifecycle().MoveTo(r.Context(), id, target, event, actorFrom(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to change package status", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(h.Factory, pkg))
}

// ManualAssign assigns a PUBLISHED package to an operator-chosen organization.
// The organization must exist and be able to take the package.
func (h *Handler) ManualAssign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.PackageID(chi.URLParam(r, "id"))

	var req ManualAssignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "organization_id is required", nil)
		return
	}

	pkg, err := h.Store.GetPackage(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Package not found", err)
		return
	}
	org, err := h.Store.GetOrganization(ctx, engine.OrganizationID(req.OrganizationID))
	if err != nil {
		h.writeDomainError(w, "Organization not found", err)
		return
	}
	if ok, reason := scoring.Eligible(*org, *pkg); !ok {
		writeError(w, http.StatusBadRequest, CodeValidation, "Organization cannot take this package", fmt.Errorf("%s", reason))
		return
	}

	description := req.Reason
	if description == "" {
		description = fmt.Sprintf("manually assigned to %s", org.Name)
	}
	saved, err := h.lifecycle().Assign(ctx, *pkg, org.ID, actorFrom(r), description)
	if err != nil {
		h.writeDomainError(w, "Failed to assign package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(h.Factory, saved))
}

// =============================================================================
// ASSIGNMENT ENDPOINTS
// =============================================================================

// Recommendations ranks candidates for a package without changing anything.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid limit", err)
		return
	}

	rec, err := h.Service.Recommend(r.Context(), id, limit, r.URL.Query().Get("strategy"))
	if err != nil {
		h.writeDomainError(w, "Failed to recommend", err)
		return
	}
	candidates := make([]CandidateDTO, len(rec.Candidates))
	for i, c := range rec.Candidates {
		candidates[i] = toCandidateDTO(c)
	}
	writeJSON(w, http.StatusOK, RecommendationDTO{
		PackageID:  string(rec.PackageID),
		Strategy:   rec.Strategy,
		Fallback:   rec.Fallback,
		Reason:     rec.Reason,
		Candidates: candidates,
	})
}

// AutoAssign assigns a package under the named rule.
func (h *Handler) AutoAssign(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	var req AutoAssignRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	if req.RuleID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "rule_id is required", nil)
		return
	}

	result, err := h.Service.AutoAssign(r.Context(), id, engine.RuleID(req.RuleID), actorFrom(r))
	if err != nil {
		h.writeDomainError(w, "Auto-assignment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(result))
}

// BatchAssign assigns the listed packages, or every PUBLISHED package when
// the list is empty.
func (h *Handler) BatchAssign(w http.ResponseWriter, r *http.Request) {
	var req BatchAssignRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}

	var (
		batch engine.BatchResult
		err   error
	)
	if len(req.PackageIDs) == 0 {
		batch, err = h.Service.AssignPublished(r.Context(), req.Strategy, actorFrom(r))
	} else {
		ids := make([]engine.PackageID, len(req.PackageIDs))
		for i, id := range req.PackageIDs {
			ids[i] = engine.PackageID(id)
		}
		batch, err = h.Service.BatchAssign(r.Context(), ids, req.Strategy, actorFrom(r))
	}
	if err != nil {
		h.writeDomainError(w, "Batch assignment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// Assess explains how one organization scores for one package.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID, pkgID := q.Get("organization_id"), q.Get("package_id")
	if orgID == "" || pkgID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "organization_id and package_id are required", nil)
		return
	}

	a, err := h.Service.Assess(r.Context(), engine.OrganizationID(orgID), engine.PackageID(pkgID), q.Get("strategy"))
	if err != nil {
		h.writeDomainError(w, "Assessment failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(a))
}

// =============================================================================
// FLOW ENDPOINTS
// =============================================================================

// QueryFlow returns flow records matching the query parameters.
func (h *Handler) QueryFlow(w http.ResponseWriter, r *http.Request) {
	filter, err := flowFilterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid flow query", err)
		return
	}
	h.writeFlowPage(w, r, filter)
}

// PackageFlow returns the flow records of one package.
func (h *Handler) PackageFlow(w http.ResponseWriter, r *http.Request) {
	id := engine.PackageID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetPackage(r.Context(), id); err != nil {
		h.writeDomainError(w, "Package not found", err)
		return
	}
	filter, err := flowFilterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid flow query", err)
		return
	}
	filter.PackageID = id
	h.writeFlowPage(w, r, filter)
}

func (h *Handler) writeFlowPage(w http.ResponseWriter, r *http.Request, filter engine.FlowFilter) {
	page, err := h.Store.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to query flow records", err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowPageDTO(page))
}

func flowFilterFrom(r *http.Request) (engine.FlowFilter, error) {
	q := r.URL.Query()
	filter := engine.FlowFilter{
		PackageID:      engine.PackageID(q.Get("package_id")),
		CaseID:         engine.CaseID(q.Get("case_id")),
		OrganizationID: engine.OrganizationID(q.Get("organization_id")),
		ActorID:        q.Get("actor_id"),
	}
	for _, e := range splitList(q.Get("event")) {
		filter.Events = append(filter.Events, engine.FlowEvent(e))
	}

	var err error
	if filter.From, err = timeParam(q.Get("from")); err != nil {
		return filter, fmt.Errorf("from: %w", err)
	}
	if filter.To, err = timeParam(q.Get("to")); err != nil {
		return filter, fmt.Errorf("to: %w", err)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return filter, fmt.Errorf("to is before from")
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, fmt.Errorf("limit: %w", err)
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return filter, fmt.Errorf("offset: %w", err)
	}
	return filter, nil
}

// =============================================================================
// REFERENCE ENDPOINTS
// =============================================================================

// ListStrategies returns every strategy with its normalized weights.
func (h *Handler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	all := h.Service.Selector.Registry().All()
	dtos := make([]StrategyDTO, len(all))
	for i, s := range all {
		dtos[i] = StrategyDTO{Name: s.Name(), Weights: s.Weights()}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// StateMachine returns the status graph.
func (h *Handler) StateMachine(w http.ResponseWriter, r *http.Request) {
	dto := StateMachineDTO{
		Statuses: statusStrings(engine.Statuses),
		Terminal: []string{},
	}
	for _, s := range engine.Statuses {
		if engine.IsTerminal(s) {
			dto.Terminal = append(dto.Terminal, string(s))
		}
	}
	for _, t := range engine.Transitions() {
		dto.Transitions = append(dto.Transitions, TransitionDTO{
			From:  string(t.From),
			Event: string(t.Event),
			To:    string(t.To),
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
