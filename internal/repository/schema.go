package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS sar_cases (
    case_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    typology TEXT NOT NULL,
    confidence REAL NOT NULL,
    generation_path TEXT NOT NULL,
    narrative TEXT NOT NULL,
    sections TEXT NOT NULL,
    escalations TEXT,
    reviewed_by TEXT,
    review_comment TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sar_cases_status ON sar_cases(status);
CREATE INDEX IF NOT EXISTS idx_sar_cases_created ON sar_cases(created_at);
`

// schemaAuditTrail is append-only: rows are inserted, never updated.
const schemaAuditTrail = `
CREATE TABLE IF NOT EXISTS sar_audit_trail (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    event_type TEXT NOT NULL,
    user_id TEXT NOT NULL,
    input_data TEXT,
    retrieved_context TEXT,
    llm_reasoning TEXT,
    generated_output TEXT,
    human_edits TEXT,
    model_version TEXT,
    confidence_score REAL,
    metadata TEXT,
    UNIQUE (case_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_audit_case ON sar_audit_trail(case_id);
CREATE INDEX IF NOT EXISTS idx_audit_event_type ON sar_audit_trail(event_type);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON sar_audit_trail(timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCases,
		schemaAuditTrail,
	}
}
