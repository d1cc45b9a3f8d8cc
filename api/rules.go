package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/factory"
	"github.com/warp/disposal-engine/rules"
)

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

// ListRules returns every rule in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Store.ListRules(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list rules", err)
		return
	}
	dtos := make([]RuleDTO, len(rs))
	for i, rule := range rs {
		dtos[i] = toRuleDTO(h.Factory, rule)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRule returns one rule with its statistics.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRule(r.Context(), engine.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Rule not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(h.Factory, *rule))
}

// CreateRule validates and stores a new rule. Statistics start at zero.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req factory.RuleJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	rule, err := h.Factory.RuleFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid rule", err)
		return
	}
	now := time.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now

	created, err := h.Store.CreateRule(r.Context(), rule)
	if err != nil {
		h.writeDomainError(w, "Failed to create rule", err)
		return
	}
	h.logger().Info("rule created", "rule_id", created.ID, "actor_id", actorFrom(r).ID)
	writeJSON(w, http.StatusCreated, toRuleDTO(h.Factory, created))
}

// UpdateRule replaces a rule's definition. Statistics are kept. A non-zero
// "version" in the body is checked against the stored version.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := engine.RuleID(chi.URLParam(r, "id"))

	var req factory.RuleJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	req.ID = string(id)
	updated, err := h.Factory.RuleFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid rule", err)
		return
	}

	current, err := h.Store.GetRule(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Rule not found", err)
		return
	}
	expected := current.Version
	if req.Version != 0 {
		expected = req.Version
	}
	updated.UsageCount = current.UsageCount
	updated.SuccessCount = current.SuccessCount
	updated.LastUsedAt = current.LastUsedAt
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now().UTC()

	saved, err := h.Store.SaveRule(ctx, updated, expected)
	if err != nil {
		h.writeDomainError(w, "Failed to update rule", err)
		return
	}
	h.logger().Info("rule updated", "rule_id", saved.ID, "version", saved.Version, "actor_id", actorFrom(r).ID)
	writeJSON(w, http.StatusOK, toRuleDTO(h.Factory, saved))
}

// DeleteRule removes a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id := engine.RuleID(chi.URLParam(r, "id"))
	if err := h.Store.DeleteRule(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to delete rule", err)
		return
	}
	h.logger().Info("rule deleted", "rule_id", id, "actor_id", actorFrom(r).ID)
	w.WriteHeader(http.StatusNoContent)
}

// TestRule dry-runs a rule against a package. Nothing is written.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RuleTestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	if req.PackageID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "package_id is required", nil)
		return
	}

	rule, err := h.Store.GetRule(ctx, engine.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Rule not found", err)
		return
	}
	pkg, err := h.Store.GetPackage(ctx, engine.PackageID(req.PackageID))
	if err != nil {
		h.writeDomainError(w, "Package not found", err)
		return
	}
	orgs, err := h.Store.ListEligibleOrganizations(ctx)
	if err != nil {
		h.writeDomainError(w, "Failed to list organizations", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleTestDTO(rules.Test(*rule, *pkg, orgs)))
}

// =============================================================================
// ORGANIZATION ENDPOINTS
// =============================================================================

// ListOrganizations returns every organization, active or not.
func (h *Handler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.Store.ListOrganizations(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list organizations", err)
		return
	}
	dtos := make([]factory.OrganizationJSON, len(orgs))
	for i, o := range orgs {
		dtos[i] = h.Factory.OrganizationToJSON(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetOrganization returns one organization.
func (h *Handler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.Store.GetOrganization(r.Context(), engine.OrganizationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Organization not found", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.OrganizationToJSON(*org))
}

// SaveOrganization creates or replaces an organization.
func (h *Handler) SaveOrganization(w http.ResponseWriter, r *http.Request) {
	var req factory.OrganizationJSON
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}
	org, err := h.Factory.OrganizationFromJSON(req)
	if err != nil {
		h.writeDomainError(w, "Invalid organization", err)
		return
	}
	if err := h.Store.SaveOrganization(r.Context(), org); err != nil {
		h.writeDomainError(w, "Failed to save organization", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Factory.OrganizationToJSON(org))
}
