package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

// SQLSink persists entries in PostgreSQL or SQLite.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink creates the audit table if needed.
func NewSQLSink(ctx context.Context, db *sql.DB) (*SQLSink, error) {
	s := &SQLSink{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSink) migrate(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS agent_audit_logs (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			app_id TEXT,
			key_id TEXT,
			actor_user_id TEXT,
			performed_by_user_id TEXT,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			code TEXT,
			request_id TEXT,
			draft_id TEXT,
			execution_id TEXT,
			ip TEXT,
			user_agent TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_audit_logs_created_idx ON agent_audit_logs (created_at, seq)`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLSink) Append(ctx context.Context, e *contracts.AuditEntry) error {
	var details any
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_audit_logs (id, seq, app_id, key_id, actor_user_id,
		performed_by_user_id, action, status, code, request_id, draft_id, execution_id, ip, user_agent, details, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_audit_logs), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, null(e.AppID), null(e.KeyID), null(e.ActorUserID), null(e.PerformedByUserID), e.Action,
		string(e.Status), null(e.Code), null(e.RequestID), null(e.DraftID), null(e.ExecutionID),
		null(e.IP), null(e.UserAgent), details, contracts.FormatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *SQLSink) List(ctx context.Context, filter Filter) ([]*contracts.AuditEntry, error) {
	query := `SELECT id, app_id, key_id, actor_user_id, performed_by_user_id, action, status, code,
		request_id, draft_id, execution_id, ip, user_agent, details, created_at FROM agent_audit_logs`
	var args []any
	if filter.AppID != "" {
		args = append(args, filter.AppID)
		query += ` WHERE app_id = $1`
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEntry
	for rows.Next() {
		var (
			e                                    contracts.AuditEntry
			appID, keyID, actor, performer, code sql.NullString
			requestID, draftID, execID, ip, ua   sql.NullString
			details                              sql.NullString
			status, createdAt                    string
		)
		if err := rows.Scan(&e.ID, &appID, &keyID, &actor, &performer, &e.Action, &status, &code,
			&requestID, &draftID, &execID, &ip, &ua, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.AppID, e.KeyID, e.ActorUserID, e.PerformedByUserID = appID.String, keyID.String, actor.String, performer.String
		e.Status = contracts.AuditStatus(status)
		e.Code, e.RequestID, e.DraftID, e.ExecutionID = code.String, requestID.String, draftID.String, execID.String
		e.IP, e.UserAgent = ip.String, ua.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: details: %w", err)
			}
		}
		if e.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("audit: created_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func null(s string) any {
	if s == "" {
		return nil
	}
	return s
}
