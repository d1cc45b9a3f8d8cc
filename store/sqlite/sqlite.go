/*
Package sqlite provides a SQLite-backed implementation of the engine store contracts.

PURPOSE:
  Implements engine.Store (organizations, load tracking, packages, rules and
  the flow log) on SQLite. The same SQL runs on PostgreSQL with minor
  dialect changes.

OPTIMISTIC CONCURRENCY:
  Packages and rules carry a version column. Every write is

    UPDATE ... SET ..., version = version + 1 WHERE id = ? AND version = ?

  and zero affected rows becomes NotFound or ConflictError depending on
  whether the row still exists.

ATOMIC TRANSITIONS:
  CommitTransition updates the package row, rewrites its case list and
  inserts the flow record inside one SQL transaction. Either all three
  land or none do.

KEY TABLES:
  organizations:    Disposal organizations and their history
  case_packages:    Packages with status and version
  package_cases:    Case ids per package (for flow queries by case)
  assignment_rules: Rules with JSON-encoded list conditions and counters
  flow_records:     Append-only audit trail

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order equals time order.

MIGRATION:
  Schema is managed by golang-migrate from the embedded migrations/
  directory and applied on New().

USAGE:
  store, err := sqlite.New("./data/disposal.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := assignment.NewService(store, selector, logger)

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/disposal-engine/engine"
)

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases exist per connection.
	db.SetMaxOpenConns(1)

	if err := AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset deletes all rows. The schema is kept.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"flow_records", "package_cases", "case_packages", "assignment_rules", "organizations"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// ORGANIZATIONS (engine.OrganizationStore, engine.LoadTracker)
// =============================================================================

const orgColumns = `id, name, org_type, region, monthly_capacity, current_load, membership_active,
	contact_name, contact_phone, contact_email,
	historical_cases, member_years, recovery_rate, avg_processing_days`

func (s *Store) ListEligibleOrganizations(ctx context.Context) ([]engine.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOrganizations(ctx, `SELECT `+orgColumns+` FROM organizations WHERE membership_active = TRUE ORDER BY id`)
}

func (s *Store) ListOrganizations(ctx context.Context) ([]engine.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryOrganizations(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY id`)
}

func (s *Store) GetOrganization(ctx context.Context, id engine.OrganizationID) (*engine.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orgs, err := s.queryOrganizations(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, engine.OrganizationNotFound(id)
	}
	return &orgs[0], nil
}

// SaveOrganization upserts an organization.
func (s *Store) SaveOrganization(ctx context.Context, org engine.Organization) error {
	if org.ID == "" {
		return &engine.ValidationError{Field: "id", Message: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO organizations (` + orgColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			org_type = excluded.org_type,
			region = excluded.region,
			monthly_capacity = excluded.monthly_capacity,
			current_load = excluded.current_load,
			membership_active = excluded.membership_active,
			contact_name = excluded.contact_name,
			contact_phone = excluded.contact_phone,
			contact_email = excluded.contact_email,
			historical_cases = excluded.historical_cases,
			member_years = excluded.member_years,
			recovery_rate = excluded.recovery_rate,
			avg_processing_days = excluded.avg_processing_days
	`
	_, err := s.db.ExecContext(ctx, query,
		org.ID, org.Name, org.Type, org.Region, org.MonthlyCapacity, org.CurrentLoad, org.MembershipActive,
		org.Contact.Name, org.Contact.Phone, org.Contact.Email,
		nullInt(org.HistoricalCases), nullFloat(org.MemberYears), nullFloat(org.RecoveryRate), nullFloat(org.AvgProcessingDays),
	)
	if err != nil {
		return fmt.Errorf("failed to save organization: %w", err)
	}
	return nil
}

// AdjustLoad shifts current_load by delta, never below zero.
func (s *Store) AdjustLoad(ctx context.Context, id engine.OrganizationID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET current_load = MAX(0, current_load + ?) WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust load: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.OrganizationNotFound(id)
	}
	return nil
}

func (s *Store) queryOrganizations(ctx context.Context, query string, args ...any) ([]engine.Organization, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []engine.Organization
	for rows.Next() {
		var (
			o        engine.Organization
			cases    sql.NullInt64
			years    sql.NullFloat64
			recovery sql.NullFloat64
			avgDays  sql.NullFloat64
		)
		err := rows.Scan(
			&o.ID, &o.Name, &o.Type, &o.Region, &o.MonthlyCapacity, &o.CurrentLoad, &o.MembershipActive,
			&o.Contact.Name, &o.Contact.Phone, &o.Contact.Email,
			&cases, &years, &recovery, &avgDays,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		o.HistoricalCases = intPtr(cases)
		o.MemberYears = floatPtr(years)
		o.RecoveryRate = floatPtr(recovery)
		o.AvgProcessingDays = floatPtr(avgDays)
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// =============================================================================
// PACKAGES (engine.PackageStore)
// =============================================================================

const packageColumns = `id, name, case_count, total_amount, status, source_org_id, assigned_org_id,
	region, description, case_type, urgent, version, created_at, updated_at`

func (s *Store) GetPackage(ctx context.Context, id engine.PackageID) (*engine.CasePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getPackage(ctx, s.db, id)
}

func getPackage(ctx context.Context, q querier, id engine.PackageID) (*engine.CasePackage, error) {
	pkgs, err := queryPackages(ctx, q, `SELECT `+packageColumns+` FROM case_packages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, engine.PackageNotFound(id)
	}
	return &pkgs[0], nil
}

func (s *Store) ListPackages(ctx context.Context, filter engine.PackageFilter) ([]engine.CasePackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.AssignedOrgID != "" {
		where = append(where, "assigned_org_id = ?")
		args = append(args, filter.AssignedOrgID)
	}

	query := `SELECT ` + packageColumns + ` FROM case_packages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	query, args = withPage(query, args, filter.Limit, filter.Offset)

	pkgs, err := queryPackages(ctx, s.db, query, args...)
	if pkgs == nil && err == nil {
		pkgs = []engine.CasePackage{}
	}
	return pkgs, err
}

func (s *Store) CreatePackage(ctx context.Context, pkg engine.CasePackage) (engine.CasePackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pkg.ID == "" {
		pkg.ID = engine.PackageID(uuid.NewString())
	}
	pkg.Version = 1

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO case_packages (`+packageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pkg.ID, pkg.Name, pkg.CaseCount, pkg.TotalAmount.String(), pkg.Status, pkg.SourceOrgID, pkg.AssignedOrgID,
			pkg.Region, pkg.Description, pkg.CaseType, pkg.Urgent, pkg.Version,
			formatTime(pkg.CreatedAt), formatTime(pkg.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: package %s", engine.ErrDuplicateID, pkg.ID)
			}
			return fmt.Errorf("failed to insert package: %w", err)
		}
		return replaceCases(ctx, tx, pkg)
	})
	if err != nil {
		return engine.CasePackage{}, err
	}
	return pkg, nil
}

func (s *Store) SavePackage(ctx context.Context, pkg engine.CasePackage, expectedVersion int64) (engine.CasePackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saved engine.CasePackage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getPackage(ctx, tx, pkg.ID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &engine.ConflictError{Entity: "package", ID: string(pkg.ID), Expected: expectedVersion}
		}
		if current.Status != pkg.Status {
			return &engine.ValidationError{Field: "status", Message: "status changes require a transition"}
		}
		saved, err = updatePackage(ctx, tx, pkg, expectedVersion)
		return err
	})
	if err != nil {
		return engine.CasePackage{}, err
	}
	return saved, nil
}

// CommitTransition writes the package and appends rec in one transaction.
func (s *Store) CommitTransition(ctx context.Context, pkg engine.CasePackage, expectedVersion int64, rec engine.FlowRecord) (engine.CasePackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var saved engine.CasePackage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = updatePackage(ctx, tx, pkg, expectedVersion)
		if err != nil {
			return err
		}
		return appendRecord(ctx, tx, rec)
	})
	if err != nil {
		return engine.CasePackage{}, err
	}
	return saved, nil
}

func (s *Store) DeletePackage(ctx context.Context, id engine.PackageID, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM case_packages WHERE id = ? AND version = ?`, id, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to delete package: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrConflict(ctx, tx, "case_packages", "package", string(id), expectedVersion)
		}
		return nil
	})
}

// updatePackage is the version-checked write shared by save and transition.
func updatePackage(ctx context.Context, tx *sql.Tx, pkg engine.CasePackage, expectedVersion int64) (engine.CasePackage, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE case_packages SET
			name = ?, case_count = ?, total_amount = ?, status = ?, source_org_id = ?, assigned_org_id = ?,
			region = ?, description = ?, case_type = ?, urgent = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		pkg.Name, pkg.CaseCount, pkg.TotalAmount.String(), pkg.Status, pkg.SourceOrgID, pkg.AssignedOrgID,
		pkg.Region, pkg.Description, pkg.CaseType, pkg.Urgent, formatTime(pkg.UpdatedAt),
		pkg.ID, expectedVersion,
	)
	if err != nil {
		return engine.CasePackage{}, fmt.Errorf("failed to update package: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.CasePackage{}, missOrConflict(ctx, tx, "case_packages", "package", string(pkg.ID), expectedVersion)
	}
	if err := replaceCases(ctx, tx, pkg); err != nil {
		return engine.CasePackage{}, err
	}
	saved, err := getPackage(ctx, tx, pkg.ID)
	if err != nil {
		return engine.CasePackage{}, err
	}
	return *saved, nil
}

func replaceCases(ctx context.Context, tx *sql.Tx, pkg engine.CasePackage) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_cases WHERE package_id = ?`, pkg.ID); err != nil {
		return fmt.Errorf("failed to clear package cases: %w", err)
	}
	for i, c := range pkg.CaseIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO package_cases (package_id, case_id, position) VALUES (?, ?, ?)`, pkg.ID, c, i)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &engine.ValidationError{Field: "case_ids", Message: fmt.Sprintf("duplicate case %s", c)}
			}
			return fmt.Errorf("failed to insert package case: %w", err)
		}
	}
	return nil
}

func queryPackages(ctx context.Context, q querier, query string, args ...any) ([]engine.CasePackage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}

	var pkgs []engine.CasePackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pkgs = append(pkgs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before loading cases: the pool has a single connection.
	rows.Close()

	for i := range pkgs {
		cases, err := loadCases(ctx, q, pkgs[i].ID)
		if err != nil {
			return nil, err
		}
		pkgs[i].CaseIDs = cases
	}
	return pkgs, nil
}

func scanPackage(rows *sql.Rows) (engine.CasePackage, error) {
	var (
		p         engine.CasePackage
		amount    string
		createdAt string
		updatedAt string
	)
	err := rows.Scan(
		&p.ID, &p.Name, &p.CaseCount, &amount, &p.Status, &p.SourceOrgID, &p.AssignedOrgID,
		&p.Region, &p.Description, &p.CaseType, &p.Urgent, &p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return p, fmt.Errorf("failed to scan package: %w", err)
	}
	if p.TotalAmount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("package %s: bad amount %q: %w", p.ID, amount, err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func loadCases(ctx context.Context, q querier, id engine.PackageID) ([]engine.CaseID, error) {
	rows, err := q.QueryContext(ctx, `SELECT case_id FROM package_cases WHERE package_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query package cases: %w", err)
	}
	defer rows.Close()

	var cases []engine.CaseID
	for rows.Next() {
		var c engine.CaseID
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan package case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// =============================================================================
// RULES (engine.RuleStore)
// =============================================================================

const ruleColumns = `id, name, rule_type, description, priority, enabled, min_matching_score, strategy,
	target_amount_range, target_regions, target_case_types, include_org_ids, exclude_org_ids,
	usage_count, success_count, last_used_at, version, created_at, updated_at`

func (s *Store) GetRule(ctx context.Context, id engine.RuleID) (*engine.AssignmentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM assignment_rules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, engine.RuleNotFound(id)
	}
	return &rs[0], nil
}

func (s *Store) ListRules(ctx context.Context) ([]engine.AssignmentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM assignment_rules ORDER BY priority, id`)
	if rs == nil && err == nil {
		rs = []engine.AssignmentRule{}
	}
	return rs, err
}

func (s *Store) CreateRule(ctx context.Context, rule engine.AssignmentRule) (engine.AssignmentRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = engine.RuleID(uuid.NewString())
	}
	rule.Version = 1

	lists, err := encodeRuleLists(rule)
	if err != nil {
		return engine.AssignmentRule{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assignment_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Type, rule.Description, rule.Priority, rule.Enabled, rule.MinMatchingScore, rule.Strategy,
		rule.TargetAmountRange, lists[0], lists[1], lists[2], lists[3],
		rule.UsageCount, rule.SuccessCount, nullTime(rule.LastUsedAt), rule.Version,
		formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.AssignmentRule{}, fmt.Errorf("%w: rule %s", engine.ErrDuplicateID, rule.ID)
		}
		return engine.AssignmentRule{}, fmt.Errorf("failed to insert rule: %w", err)
	}
	return rule, nil
}

func (s *Store) SaveRule(ctx context.Context, rule engine.AssignmentRule, expectedVersion int64) (engine.AssignmentRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lists, err := encodeRuleLists(rule)
	if err != nil {
		return engine.AssignmentRule{}, err
	}

	var saved engine.AssignmentRule
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE assignment_rules SET
				name = ?, rule_type = ?, description = ?, priority = ?, enabled = ?, min_matching_score = ?, strategy = ?,
				target_amount_range = ?, target_regions = ?, target_case_types = ?, include_org_ids = ?, exclude_org_ids = ?,
				usage_count = ?, success_count = ?, last_used_at = ?, updated_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?`,
			rule.Name, rule.Type, rule.Description, rule.Priority, rule.Enabled, rule.MinMatchingScore, rule.Strategy,
			rule.TargetAmountRange, lists[0], lists[1], lists[2], lists[3],
			rule.UsageCount, rule.SuccessCount, nullTime(rule.LastUsedAt), formatTime(rule.UpdatedAt),
			rule.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update rule: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return missOrConflict(ctx, tx, "assignment_rules", "rule", string(rule.ID), expectedVersion)
		}

		rows, err := tx.QueryContext(ctx, `SELECT `+ruleColumns+` FROM assignment_rules WHERE id = ?`, rule.ID)
		if err != nil {
			return fmt.Errorf("failed to reload rule: %w", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return engine.RuleNotFound(rule.ID)
		}
		saved, err = scanRule(rows)
		return err
	})
	if err != nil {
		return engine.AssignmentRule{}, err
	}
	return saved, nil
}

func (s *Store) DeleteRule(ctx context.Context, id engine.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM assignment_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.RuleNotFound(id)
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]engine.AssignmentRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rs []engine.AssignmentRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return rs, rows.Err()
}

func scanRule(rows *sql.Rows) (engine.AssignmentRule, error) {
	var (
		r          engine.AssignmentRule
		regions    string
		caseTypes  string
		includeIDs string
		excludeIDs string
		lastUsedAt sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := rows.Scan(
		&r.ID, &r.Name, &r.Type, &r.Description, &r.Priority, &r.Enabled, &r.MinMatchingScore, &r.Strategy,
		&r.TargetAmountRange, &regions, &caseTypes, &includeIDs, &excludeIDs,
		&r.UsageCount, &r.SuccessCount, &lastUsedAt, &r.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return r, fmt.Errorf("failed to scan rule: %w", err)
	}

	for _, f := range []struct {
		raw string
		dst any
	}{
		{regions, &r.TargetRegions},
		{caseTypes, &r.TargetCaseTypes},
		{includeIDs, &r.IncludeOrgIDs},
		{excludeIDs, &r.ExcludeOrgIDs},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return r, fmt.Errorf("rule %s: bad list column: %w", r.ID, err)
		}
	}
	if lastUsedAt.Valid {
		t := parseTime(lastUsedAt.String)
		r.LastUsedAt = &t
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

// encodeRuleLists returns regions, case types, include and exclude ids as JSON.
func encodeRuleLists(r engine.AssignmentRule) ([4]string, error) {
	var out [4]string
	for i, v := range []any{
		nonNil(r.TargetRegions),
		nonNil(r.TargetCaseTypes),
		nonNil(r.IncludeOrgIDs),
		nonNil(r.ExcludeOrgIDs),
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("failed to encode rule lists: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// =============================================================================
// FLOW LOG (engine.FlowLog)
// =============================================================================

const flowColumns = `id, package_id, case_id, organization_id, event, occurred_at, actor_id, actor_name,
	from_status, to_status, amount, description, system`

func (s *Store) Append(ctx context.Context, rec engine.FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return appendRecord(ctx, s.db, rec)
}

func appendRecord(ctx context.Context, q querier, rec engine.FlowRecord) error {
	if rec.ID == "" {
		rec.ID = engine.FlowRecordID(uuid.NewString())
	}
	var amount sql.NullString
	if rec.Amount != nil {
		amount = sql.NullString{String: rec.Amount.String(), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO flow_records (`+flowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PackageID, rec.CaseID, rec.OrganizationID, rec.Event, formatTime(rec.OccurredAt),
		rec.ActorID, rec.ActorName, rec.FromStatus, rec.ToStatus, amount, rec.Description, rec.System,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: flow record %s", engine.ErrDuplicateID, rec.ID)
		}
		return fmt.Errorf("failed to append flow record: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, filter engine.FlowFilter) (engine.FlowPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.PackageID != "" {
		where = append(where, "package_id = ?")
		args = append(args, filter.PackageID)
	}
	if filter.CaseID != "" {
		where = append(where, "(case_id = ? OR package_id IN (SELECT package_id FROM package_cases WHERE case_id = ?))")
		args = append(args, filter.CaseID, filter.CaseID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if len(filter.Events) > 0 {
		where = append(where, "event IN ("+placeholders(len(filter.Events))+")")
		for _, e := range filter.Events {
			args = append(args, e)
		}
	}
	if filter.From != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := filter.PageLimit()
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	page := engine.FlowPage{Records: []engine.FlowRecord{}, Limit: limit, Offset: offset}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flow_records`+clause, args...).Scan(&page.Total); err != nil {
		return engine.FlowPage{}, fmt.Errorf("failed to count flow records: %w", err)
	}

	query := `SELECT ` + flowColumns + ` FROM flow_records` + clause + ` ORDER BY occurred_at, id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return engine.FlowPage{}, fmt.Errorf("failed to query flow records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return engine.FlowPage{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, rows.Err()
}

func scanRecord(rows *sql.Rows) (engine.FlowRecord, error) {
	var (
		rec        engine.FlowRecord
		occurredAt string
		amount     sql.NullString
	)
	err := rows.Scan(
		&rec.ID, &rec.PackageID, &rec.CaseID, &rec.OrganizationID, &rec.Event, &occurredAt,
		&rec.ActorID, &rec.ActorName, &rec.FromStatus, &rec.ToStatus, &amount, &rec.Description, &rec.System,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan flow record: %w", err)
	}
	rec.OccurredAt = parseTime(occurredAt)
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return rec, fmt.Errorf("flow record %s: bad amount %q: %w", rec.ID, amount.String, err)
		}
		rec.Amount = &d
	}
	return rec, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// missOrConflict explains a zero-row versioned write.
func missOrConflict(ctx context.Context, q querier, table, entity, id string, expected int64) error {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return &engine.NotFoundError{Kind: entity, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read %s version: %w", entity, err)
	}
	return &engine.ConflictError{Entity: entity, ID: id, Expected: expected}
}

func withPage(query string, args []any, limit, offset int) (string, []any) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit > 0:
		return query + " LIMIT ? OFFSET ?", append(args, limit, offset)
	case offset > 0:
		return query + " LIMIT -1 OFFSET ?", append(args, offset)
	default:
		return query, args
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
