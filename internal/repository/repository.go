// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
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

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)
	if err := repo.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an already opened database. It does not run migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

// Migrate creates the tables and indexes if they do not exist.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveCase inserts or replaces the case record.
func (r *SQLRepository) SaveCase(ctx context.Context, rec *domain.CaseRecord) error {
	if rec == nil || rec.CaseID == "" {
		return fmt.Errorf("%w: case_id is required", ErrInvalidInput)
	}

	sections, err := json.Marshal(rec.Sections)
	if err != nil {
		return fmt.Errorf("encode sections: %w", err)
	}
	escalations, err := json.Marshal(rec.Escalations)
	if err != nil {
		return fmt.Errorf("encode escalations: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.CaseDraft
	}

	query := `
		INSERT INTO sar_cases (
			case_id, status, risk_score, typology, confidence, generation_path,
			narrative, sections, escalations, reviewed_by, review_comment,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (case_id) DO UPDATE SET
			status = excluded.status,
			risk_score = excluded.risk_score,
			typology = excluded.typology,
			confidence = excluded.confidence,
			generation_path = excluded.generation_path,
			narrative = excluded.narrative,
			sections = excluded.sections,
			escalations = excluded.escalations,
			reviewed_by = excluded.reviewed_by,
			review_comment = excluded.review_comment,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.CaseID, string(rec.Status), rec.RiskScore, rec.Typology, rec.Confidence,
		string(rec.GenerationPath), rec.Narrative, string(sections), string(escalations),
		rec.ReviewedBy, rec.ReviewComment, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save case %s: %w", rec.CaseID, err)
	}
	return nil
}

const caseColumns = `case_id, status, risk_score, typology, confidence, generation_path,
	narrative, sections, escalations, reviewed_by, review_comment, created_at, updated_at`

// GetCase retrieves a case record by id.
func (r *SQLRepository) GetCase(ctx context.Context, caseID string) (*domain.CaseRecord, error) {
	query := `SELECT ` + caseColumns + ` FROM sar_cases WHERE case_id = ?`

	rec, err := scanCase(r.db.QueryRowContext(ctx, r.rebind(query), caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateCaseStatus records a review decision on an existing case.
func (r *SQLRepository) UpdateCaseStatus(ctx context.Context, caseID string, status domain.CaseStatus, reviewer, comment string) error {
	query := `
		UPDATE sar_cases
		SET status = ?, reviewed_by = ?, review_comment = ?, updated_at = ?
		WHERE case_id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(status), reviewer, comment, time.Now().UTC(), caseID)
	if err != nil {
		return fmt.Errorf("update case %s: %w", caseID, err)
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

// ListCases returns the newest case records, optionally filtered by status.
func (r *SQLRepository) ListCases(ctx context.Context, status domain.CaseStatus, limit int) ([]*domain.CaseRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + caseColumns + ` FROM sar_cases`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.CaseRecord
	for rows.Next() {
		rec, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, rec)
	}
	return cases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*domain.CaseRecord, error) {
	var rec domain.CaseRecord
	var status, path, sections string
	var escalations, reviewer, comment sql.NullString

	if err := row.Scan(
		&rec.CaseID, &status, &rec.RiskScore, &rec.Typology, &rec.Confidence, &path,
		&rec.Narrative, &sections, &escalations, &reviewer, &comment,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = domain.CaseStatus(status)
	rec.GenerationPath = domain.GenerationPath(path)
	rec.ReviewedBy = reviewer.String
	rec.ReviewComment = comment.String

	if sections != "" {
		if err := json.Unmarshal([]byte(sections), &rec.Sections); err != nil {
			return nil, fmt.Errorf("decode sections of %s: %w", rec.CaseID, err)
		}
	}
	if escalations.Valid && escalations.String != "" {
		if err := json.Unmarshal([]byte(escalations.String), &rec.Escalations); err != nil {
			return nil, fmt.Errorf("decode escalations of %s: %w", rec.CaseID, err)
		}
	}

	return &rec, nil
}

// AppendAuditEvent inserts one audit event. Events are never updated.
func (r *SQLRepository) AppendAuditEvent(ctx context.Context, e *domain.AuditEvent) error {
	if e == nil || e.CaseID == "" || e.EventType == "" {
		return fmt.Errorf("%w: case_id and event_type are required", ErrInvalidInput)
	}

	var (
		payloads [5]sql.NullString
		err      error
	)
	for i, v := range []any{e.InputData, e.RetrievedContext, e.GeneratedOutput, e.HumanEdits, e.Metadata} {
		if payloads[i], err = encodeJSON(v); err != nil {
			return fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
	}

	var confidence sql.NullFloat64
	if e.ConfidenceScore != nil {
		confidence = sql.NullFloat64{Float64: *e.ConfidenceScore, Valid: true}
	}

	query := `
		INSERT INTO sar_audit_trail (
			id, case_id, sequence, timestamp, event_type, user_id,
			input_data, retrieved_context, llm_reasoning, generated_output,
			human_edits, model_version, confidence_score, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.CaseID, e.Sequence, e.Timestamp.UTC(), e.EventType, e.UserID,
		payloads[0], payloads[1], e.LLMReasoning, payloads[2],
		payloads[3], e.ModelVersion, confidence, payloads[4],
	)
	if err != nil {
		return fmt.Errorf("append audit event for %s: %w", e.CaseID, err)
	}
	return nil
}

// ListAuditEvents returns the audit trail of a case in sequence order.
func (r *SQLRepository) ListAuditEvents(ctx context.Context, caseID string) ([]*domain.AuditEvent, error) {
	query := `
		SELECT id, case_id, sequence, timestamp, event_type, user_id,
			   input_data, retrieved_context, llm_reasoning, generated_output,
			   human_edits, model_version, confidence_score, metadata
		FROM sar_audit_trail
		WHERE case_id = ?
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var input, retrieved, reasoning, output, edits, model, metadata sql.NullString
		var confidence sql.NullFloat64

		if err := rows.Scan(
			&e.ID, &e.CaseID, &e.Sequence, &e.Timestamp, &e.EventType, &e.UserID,
			&input, &retrieved, &reasoning, &output,
			&edits, &model, &confidence, &metadata,
		); err != nil {
			return nil, err
		}

		e.InputData = decodeRaw(input)
		e.RetrievedContext = decodeRaw(retrieved)
		e.GeneratedOutput = decodeRaw(output)
		e.HumanEdits = decodeRaw(edits)
		e.LLMReasoning = reasoning.String
		e.ModelVersion = model.String
		if confidence.Valid {
			c := confidence.Float64
			e.ConfidenceScore = &c
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
			}
		}

		events = append(events, &e)
	}

	return events, rows.Err()
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeRaw keeps stored JSON verbatim so exports are byte-faithful.
func decodeRaw(s sql.NullString) any {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
