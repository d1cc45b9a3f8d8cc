// Package store provides an in-memory implementation of the engine store contracts.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/disposal-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements engine.Store. Values are copied in and out so callers
// never share slices or pointers with stored state.
type Memory struct {
	mu       sync.RWMutex
	orgs     map[engine.OrganizationID]engine.Organization
	packages map[engine.PackageID]engine.CasePackage
	rules    map[engine.RuleID]engine.AssignmentRule
	flow     []engine.FlowRecord
}

var _ engine.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		orgs:     make(map[engine.OrganizationID]engine.Organization),
		packages: make(map[engine.PackageID]engine.CasePackage),
		rules:    make(map[engine.RuleID]engine.AssignmentRule),
	}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs = make(map[engine.OrganizationID]engine.Organization)
	m.packages = make(map[engine.PackageID]engine.CasePackage)
	m.rules = make(map[engine.RuleID]engine.AssignmentRule)
	m.flow = nil
	return nil
}

// =============================================================================
// ORGANIZATIONS
// =============================================================================

func (m *Memory) ListEligibleOrganizations(_ context.Context) ([]engine.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.Organization
	for _, o := range m.orgs {
		if o.MembershipActive {
			out = append(out, cloneOrg(o))
		}
	}
	sortOrgs(out)
	return out, nil
}

func (m *Memory) ListOrganizations(_ context.Context) ([]engine.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		out = append(out, cloneOrg(o))
	}
	sortOrgs(out)
	return out, nil
}

func (m *Memory) GetOrganization(_ context.Context, id engine.OrganizationID) (*engine.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, engine.OrganizationNotFound(id)
	}
	c := cloneOrg(o)
	return &c, nil
}

// SaveOrganization upserts an organization.
func (m *Memory) SaveOrganization(_ context.Context, org engine.Organization) error {
	if org.ID == "" {
		return &engine.ValidationError{Field: "id", Message: "is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[org.ID] = cloneOrg(org)
	return nil
}

func (m *Memory) AdjustLoad(_ context.Context, id engine.OrganizationID, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orgs[id]
	if !ok {
		return engine.OrganizationNotFound(id)
	}
	o.CurrentLoad += delta
	if o.CurrentLoad < 0 {
		o.CurrentLoad = 0
	}
	m.orgs[id] = o
	return nil
}

// =============================================================================
// PACKAGES
// =============================================================================

func (m *Memory) GetPackage(_ context.Context, id engine.PackageID) (*engine.CasePackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.packages[id]
	if !ok {
		return nil, engine.PackageNotFound(id)
	}
	c := clonePackage(p)
	return &c, nil
}

func (m *Memory) ListPackages(_ context.Context, filter engine.PackageFilter) ([]engine.CasePackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []engine.CasePackage
	for _, p := range m.packages {
		if !filter.MatchesStatus(p.Status) {
			continue
		}
		if filter.AssignedOrgID != "" && p.AssignedOrgID != filter.AssignedOrgID {
			continue
		}
		out = append(out, clonePackage(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) CreatePackage(_ context.Context, pkg engine.CasePackage) (engine.CasePackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pkg.ID == "" {
		pkg.ID = engine.PackageID(uuid.NewString())
	}
	if _, exists := m.packages[pkg.ID]; exists {
		return engine.CasePackage{}, fmt.Errorf("%w: package %s", engine.ErrDuplicateID, pkg.ID)
	}
	pkg.Version = 1
	m.packages[pkg.ID] = clonePackage(pkg)
	return clonePackage(pkg), nil
}

func (m *Memory) SavePackage(_ context.Context, pkg engine.CasePackage, expectedVersion int64) (engine.CasePackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPackageVersion(pkg.ID, expectedVersion); err != nil {
		return engine.CasePackage{}, err
	}
	if m.packages[pkg.ID].Status != pkg.Status {
		return engine.CasePackage{}, &engine.ValidationError{Field: "status", Message: "status changes require a transition"}
	}
	return m.writePackageLocked(pkg, expectedVersion), nil
}

// CommitTransition writes the package and appends rec under one lock.
func (m *Memory) CommitTransition(_ context.Context, pkg engine.CasePackage, expectedVersion int64, rec engine.FlowRecord) (engine.CasePackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPackageVersion(pkg.ID, expectedVersion); err != nil {
		return engine.CasePackage{}, err
	}
	saved := m.writePackageLocked(pkg, expectedVersion)
	m.flow = append(m.flow, rec)
	return saved, nil
}

func (m *Memory) DeletePackage(_ context.Context, id engine.PackageID, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPackageVersion(id, expectedVersion); err != nil {
		return err
	}
	delete(m.packages, id)
	return nil
}

func (m *Memory) checkPackageVersion(id engine.PackageID, expected int64) error {
	current, ok := m.packages[id]
	if !ok {
		return engine.PackageNotFound(id)
	}
	if current.Version != expected {
		return &engine.ConflictError{Entity: "package", ID: string(id), Expected: expected}
	}
	return nil
}

func (m *Memory) writePackageLocked(pkg engine.CasePackage, expectedVersion int64) engine.CasePackage {
	pkg.Version = expectedVersion + 1
	pkg.CreatedAt = m.packages[pkg.ID].CreatedAt
	m.packages[pkg.ID] = clonePackage(pkg)
	return clonePackage(pkg)
}

// =============================================================================
// RULES
// =============================================================================

func (m *Memory) GetRule(_ context.Context, id engine.RuleID) (*engine.AssignmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, engine.RuleNotFound(id)
	}
	c := cloneRule(r)
	return &c, nil
}

func (m *Memory) ListRules(_ context.Context) ([]engine.AssignmentRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]engine.AssignmentRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateRule(_ context.Context, rule engine.AssignmentRule) (engine.AssignmentRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rule.ID == "" {
		rule.ID = engine.RuleID(uuid.NewString())
	}
	if _, exists := m.rules[rule.ID]; exists {
		return engine.AssignmentRule{}, fmt.Errorf("%w: rule %s", engine.ErrDuplicateID, rule.ID)
	}
	rule.Version = 1
	m.rules[rule.ID] = cloneRule(rule)
	return cloneRule(rule), nil
}

func (m *Memory) SaveRule(_ context.Context, rule engine.AssignmentRule, expectedVersion int64) (engine.AssignmentRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.rules[rule.ID]
	if !ok {
		return engine.AssignmentRule{}, engine.RuleNotFound(rule.ID)
	}
	if current.Version != expectedVersion {
		return engine.AssignmentRule{}, &engine.ConflictError{Entity: "rule", ID: string(rule.ID), Expected: expectedVersion}
	}
	rule.Version = expectedVersion + 1
	rule.CreatedAt = current.CreatedAt
	m.rules[rule.ID] = cloneRule(rule)
	return cloneRule(rule), nil
}

func (m *Memory) DeleteRule(_ context.Context, id engine.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return engine.RuleNotFound(id)
	}
	delete(m.rules, id)
	return nil
}

// =============================================================================
// FLOW LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, rec engine.FlowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = engine.FlowRecordID(uuid.NewString())
	}
	m.flow = append(m.flow, rec)
	return nil
}

func (m *Memory) Query(_ context.Context, filter engine.FlowFilter) (engine.FlowPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []engine.FlowRecord
	for _, rec := range m.flow {
		if filter.PackageID != "" && rec.PackageID != filter.PackageID {
			continue
		}
		if filter.CaseID != "" && rec.CaseID != filter.CaseID {
			pkg, ok := m.packages[rec.PackageID]
			if !ok || !pkg.HasCase(filter.CaseID) {
				continue
			}
		}
		if filter.OrganizationID != "" && rec.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ActorID != "" && rec.ActorID != filter.ActorID {
			continue
		}
		if !filter.MatchesEvent(rec.Event) || !filter.InRange(rec.OccurredAt) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.Before(matched[j].OccurredAt)
		}
		return matched[i].ID < matched[j].ID
	})

	limit := filter.PageLimit()
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return engine.FlowPage{
		Records: paginate(matched, limit, offset),
		Total:   len(matched),
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortOrgs(orgs []engine.Organization) {
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
}

func cloneOrg(o engine.Organization) engine.Organization {
	if o.HistoricalCases != nil {
		v := *o.HistoricalCases
		o.HistoricalCases = &v
	}
	o.MemberYears = cloneFloat(o.MemberYears)
	o.RecoveryRate = cloneFloat(o.RecoveryRate)
	o.AvgProcessingDays = cloneFloat(o.AvgProcessingDays)
	return o
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func clonePackage(p engine.CasePackage) engine.CasePackage {
	p.CaseIDs = append([]engine.CaseID(nil), p.CaseIDs...)
	return p
}

func cloneRule(r engine.AssignmentRule) engine.AssignmentRule {
	r.TargetRegions = append([]string(nil), r.TargetRegions...)
	r.TargetCaseTypes = append([]string(nil), r.TargetCaseTypes...)
	r.IncludeOrgIDs = append([]engine.OrganizationID(nil), r.IncludeOrgIDs...)
	r.ExcludeOrgIDs = append([]engine.OrganizationID(nil), r.ExcludeOrgIDs...)
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		r.LastUsedAt = &t
	}
	return r
}
