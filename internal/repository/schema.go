package repository

// Schema definitions for the Talon database.
// Compatible with both SQLite and PostgreSQL.

const schemaRewardRules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    card_type_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    conditions TEXT NOT NULL,
    reward TEXT NOT NULL,
    expression TEXT,
    valid_from TIMESTAMP,
    valid_until TIMESTAMP,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_reward_rules_tenant ON reward_rules(tenant_id);
CREATE INDEX IF NOT EXISTS idx_reward_rules_card_type ON reward_rules(tenant_id, card_type_id, enabled);
`

// schemaUsageRecords holds the cumulative cap-usage ledger. One row per
// (user, tracking ID, card, period) bucket, created lazily on the first
// tracked transaction and mutated in place afterwards.
const schemaUsageRecords = `
CREATE TABLE IF NOT EXISTS usage_records (
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    tracking_id TEXT NOT NULL,
    card_id TEXT NOT NULL,
    period_type TEXT NOT NULL,
    period_year INTEGER NOT NULL,
    period_month INTEGER NOT NULL,
    statement_day INTEGER NOT NULL DEFAULT 0,
    used REAL NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id, tracking_id, card_id, period_type, period_year, period_month, statement_day)
);

CREATE INDEX IF NOT EXISTS idx_usage_records_tracking ON usage_records(tenant_id, tracking_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRewardRules,
		schemaUsageRecords,
	}
}
