/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	organizations, assignment rules and case packages. Each scenario is a
	JSON bundle (scenarios/*.json) in the factory format.

AVAILABLE SCENARIOS:

	regional-network: Mixed Guangdong/Zhejiang directory, amount and region
	                  rules, packages ready for auto-assignment
	threshold-gate:   Only middling organizations and a 0.9 minimum score,
	                  so auto-assignment is rejected below threshold
	batch-backlog:    Eight published packages for batch assignment and
	                  the scheduled sweep

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Parse the bundle via factory.ParseBundle
 3. Save organizations and create rules
 4. Create packages through the lifecycle (flow records included)
 5. Publish every package whose bundle status is not DRAFT

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "regional-network"}

ADDING NEW SCENARIOS:
 1. Drop a bundle into scenarios/
 2. Add an entry to the 'scenarios' slice with ID, name, description

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - factory/definitions.go: Bundle format
  - cmd/server/main.go: load-scenario command
*/
package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/warp/disposal-engine/engine"
	"github.com/warp/disposal-engine/factory"
)

//go:embed scenarios/*.json
var scenarioFS embed.FS

// ErrUnknownScenario is returned when a scenario id is not registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// scenarioActor attributes scenario setup in the flow log.
var scenarioActor = engine.Actor{ID: "scenario-loader", Name: "Scenario Loader", System: true}

var scenarios = []ScenarioDTO{
	{
		ID:          "regional-network",
		Name:        "Regional Network",
		Description: "Four organizations across Guangdong and Zhejiang, amount and region rules, three published packages",
	},
	{
		ID:          "threshold-gate",
		Name:        "Threshold Gate",
		Description: "Only middling organizations against a 0.9 minimum score; auto-assignment is rejected below threshold",
	},
	{
		ID:          "batch-backlog",
		Name:        "Batch Backlog",
		Description: "Eight published packages waiting for batch assignment or the scheduled sweep",
	},
}

// Scenarios returns the registered demo scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, len(scenarios))
	copy(out, scenarios)
	return out
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "Invalid request body", err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, ErrUnknownScenario) {
			writeError(w, http.StatusBadRequest, CodeValidation, "Unknown scenario", err)
			return
		}
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// resetter is implemented by stores that can drop all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// LoadScenarioByID resets the store and loads the named scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	if !knownScenario(id) {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	data, err := scenarioFS.ReadFile("scenarios/" + id + ".json")
	if err != nil {
		return fmt.Errorf("failed to read scenario %s: %w", id, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.Store.(resetter)
	if !ok {
		return fmt.Errorf("store %T cannot be reset", h.Store)
	}
	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}
	h.currentScenario = ""

	if err := h.loadBundle(ctx, data); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.logger().Info("scenario loaded", "scenario", id)
	return nil
}

func (h *Handler) loadBundle(ctx context.Context, data []byte) error {
	bundle, err := h.Factory.ParseBundle(data)
	if err != nil {
		return err
	}
	// Statuses are not part of the converted bundle; read them separately.
	var raw factory.BundleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, o := range bundle.Organizations {
		if err := h.Store.SaveOrganization(ctx, o); err != nil {
			return fmt.Errorf("organization %s: %w", o.ID, err)
		}
	}
	for _, rule := range bundle.Rules {
		if _, err := h.Store.CreateRule(ctx, rule); err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	lc := h.lifecycle()
	for i, p := range bundle.Packages {
		created, err := lc.Create(ctx, p, scenarioActor)
		if err != nil {
			return fmt.Errorf("package %s: %w", p.ID, err)
		}
		if strings.EqualFold(raw.Packages[i].Status, string(engine.StatusDraft)) {
			continue
		}
		if _, err := lc.Publish(ctx, created.ID, scenarioActor); err != nil {
			return fmt.Errorf("publish %s: %w", created.ID, err)
		}
	}
	return nil
}

func knownScenario(id string) bool {
	for _, s := range scenarios {
		if s.ID == id {
			return true
		}
	}
	return false
}
