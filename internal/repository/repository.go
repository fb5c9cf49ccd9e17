// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/talon/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveRule upserts a reward rule with tenant isolation.
func (r *SQLRepository) SaveRule(ctx context.Context, tenantID string, rule *domain.RewardRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	conditions, _ := json.Marshal(rule.Conditions)
	reward, _ := json.Marshal(rule.Reward)

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO reward_rules (
			id, tenant_id, card_type_id, name, description, priority,
			conditions, reward, expression, valid_from, valid_until,
			enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			card_type_id = excluded.card_type_id,
			name = excluded.name,
			description = excluded.description,
			priority = excluded.priority,
			conditions = excluded.conditions,
			reward = excluded.reward,
			expression = excluded.expression,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.CardTypeID, rule.Name, rule.Description,
		rule.Priority, string(conditions), string(reward), rule.Expression,
		nullableTime(rule.ValidFrom), nullableTime(rule.ValidUntil),
		enabled, createdAt, now,
	)
	return err
}

// GetRule retrieves a reward rule by ID with tenant isolation. Disabled
// rules are still returned so admins can inspect and re-enable them.
func (r *SQLRepository) GetRule(ctx context.Context, tenantID string, ruleID string) (*domain.RewardRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelectColumns + `
		FROM reward_rules
		WHERE tenant_id = ? AND id = ?
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return rule, nil
}

// ListRules retrieves all enabled reward rules for a tenant.
func (r *SQLRepository) ListRules(ctx context.Context, tenantID string) ([]*domain.RewardRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelectColumns + `
		FROM reward_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY created_at, id
	`
	return r.queryRules(ctx, r.rebind(query), tenantID)
}

// ListRulesForCardType retrieves the enabled rules for one card product
// type. Order is creation time, so equal priorities resolve to the
// earliest created rule during selection.
func (r *SQLRepository) ListRulesForCardType(ctx context.Context, tenantID string, cardTypeID string) ([]*domain.RewardRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := ruleSelectColumns + `
		FROM reward_rules
		WHERE tenant_id = ? AND card_type_id = ? AND enabled = 1
		ORDER BY created_at, id
	`
	return r.queryRules(ctx, r.rebind(query), tenantID, cardTypeID)
}

// DeleteRule soft-deletes a rule by setting enabled = 0.
func (r *SQLRepository) DeleteRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE reward_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// AddUsageDelta applies a usage delta server-side and returns the new
// cumulative value. The clamp to zero and the addition happen inside one
// upsert statement, so concurrent writers on the same bucket serialize in
// the database and no update is lost.
func (r *SQLRepository) AddUsageDelta(ctx context.Context, tenantID string, key domain.UsageKey, delta float64) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	// SQLite spells the two-argument maximum MAX, PostgreSQL GREATEST.
	clamp := "MAX"
	if r.driver == "postgres" {
		clamp = "GREATEST"
	}

	// The delta is bound twice: clamped for the insert arm, raw in the
	// update arm. excluded.used would carry the clamped value, which turns
	// decrements on existing rows into no-ops.
	query := fmt.Sprintf(`
		INSERT INTO usage_records (
			tenant_id, user_id, tracking_id, card_id,
			period_type, period_year, period_month, statement_day,
			used, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, %[1]s(0, ?), ?)
		ON CONFLICT(tenant_id, user_id, tracking_id, card_id, period_type, period_year, period_month, statement_day)
		DO UPDATE SET
			used = %[1]s(0, usage_records.used + ?),
			updated_at = excluded.updated_at
		RETURNING used
	`, clamp)

	var used float64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, key.UserID, key.TrackingID, key.CardID,
		string(key.Period.Type), key.Period.Year, key.Period.Month, key.Period.StatementDay,
		delta, time.Now().UTC(), delta,
	).Scan(&used)
	if err != nil {
		return 0, err
	}

	return used, nil
}

// GetUsage returns the cumulative usage for a bucket, 0 when no row exists
// yet.
func (r *SQLRepository) GetUsage(ctx context.Context, tenantID string, key domain.UsageKey) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT used
		FROM usage_records
		WHERE tenant_id = ? AND user_id = ? AND tracking_id = ? AND card_id = ?
		  AND period_type = ? AND period_year = ? AND period_month = ? AND statement_day = ?
	`

	var used float64
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		tenantID, key.UserID, key.TrackingID, key.CardID,
		string(key.Period.Type), key.Period.Year, key.Period.Month, key.Period.StatementDay,
	).Scan(&used)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return used, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

const ruleSelectColumns = `
	SELECT id, tenant_id, card_type_id, name, description, priority,
		   conditions, reward, expression, valid_from, valid_until,
		   enabled, created_at, updated_at
`

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.RewardRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RewardRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RewardRule, error) {
	var rule domain.RewardRule
	var conditions, reward string
	var description, expression sql.NullString
	var validFrom, validUntil sql.NullTime
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.CardTypeID, &rule.Name, &description,
		&rule.Priority, &conditions, &reward, &expression,
		&validFrom, &validUntil, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Expression = expression.String
	rule.Enabled = enabled == 1
	if validFrom.Valid {
		t := validFrom.Time.UTC()
		rule.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time.UTC()
		rule.ValidUntil = &t
	}

	if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("failed to parse rule conditions for %s: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(reward), &rule.Reward); err != nil {
		return nil, fmt.Errorf("failed to parse rule reward config for %s: %w", rule.ID, err)
	}

	return &rule, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
