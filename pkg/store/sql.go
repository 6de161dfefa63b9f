package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

// SQLStore persists records in PostgreSQL or SQLite. Statements use $n
// placeholders, which both drivers accept; timestamps are fixed-width UTC
// text so ordering is lexical in either engine.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the schema if needed and returns the store.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agent_apps (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		user_id TEXT,
		org_id TEXT,
		service_user_id TEXT,
		scopes TEXT NOT NULL,
		policy TEXT NOT NULL,
		auto_execute TEXT NOT NULL,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_keys (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		name TEXT NOT NULL,
		token_prefix TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		last_used_at TEXT,
		expires_at TEXT,
		revoked_at TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS agent_keys_app_idx ON agent_keys (app_id)`,
	`CREATE TABLE IF NOT EXISTS agent_drafts (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		actor_user_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		requires_confirmation BOOLEAN NOT NULL,
		auto_execute_requested BOOLEAN NOT NULL,
		request_id TEXT,
		idempotency_key TEXT,
		justification TEXT,
		preflight TEXT,
		preflight_hash TEXT,
		policy_snapshot TEXT,
		state_witness TEXT,
		state_witness_hash TEXT,
		confirmed_by_user_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		confirmed_at TEXT,
		canceled_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS agent_drafts_app_idx ON agent_drafts (app_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS agent_executions (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		draft_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		idempotency_key TEXT,
		status TEXT NOT NULL,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS agent_executions_idem_idx
		ON agent_executions (app_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS agent_executions_draft_idx ON agent_executions (draft_id, seq)`,
	`CREATE TABLE IF NOT EXISTS agent_preflights (
		id TEXT PRIMARY KEY,
		app_id TEXT NOT NULL,
		key_id TEXT NOT NULL,
		actor_user_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		impact TEXT NOT NULL,
		impact_hash TEXT NOT NULL,
		state_witness TEXT,
		state_witness_hash TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	)`,
}

// Migrate creates tables and indexes that do not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

const appColumns = `id, scope, status, name, description, user_id, org_id, service_user_id, scopes, policy, auto_execute, created_by, created_at, updated_at`

func (s *SQLStore) CreateApp(ctx context.Context, app *contracts.App) error {
	scopes, policy, autoExec, err := marshalApp(app)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_apps (`+appColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		app.ID, string(app.Scope), string(app.Status), app.Name, nullString(app.Description),
		nullString(app.UserID), nullString(app.OrgID), nullString(app.ServiceUserID),
		scopes, policy, autoExec, nullString(app.CreatedBy),
		contracts.FormatTime(app.CreatedAt), contracts.FormatTime(app.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert app: %w", err)
	}
	return nil
}

func (s *SQLStore) GetApp(ctx context.Context, id string) (*contracts.App, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+appColumns+` FROM agent_apps WHERE id = $1`, id)
	return scanApp(row)
}

func (s *SQLStore) ListApps(ctx context.Context) ([]*contracts.App, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+appColumns+` FROM agent_apps ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list apps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.App
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// settingsAttempts bounds the compare-and-swap retries of UpdateAppSettings.
const settingsAttempts = 5

func (s *SQLStore) UpdateAppSettings(ctx context.Context, id string, mutate func(*contracts.App) error) (*contracts.App, error) {
	for range settingsAttempts {
		current, err := s.GetApp(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status != contracts.AppStatusActive {
			return nil, ErrConflict
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		_, oldPolicy, oldAutoExec, err := marshalApp(current)
		if err != nil {
			return nil, err
		}
		_, policy, autoExec, err := marshalApp(next)
		if err != nil {
			return nil, err
		}
		// Conditional on the settings read above so a concurrent update or a
		// revoke is never overwritten. Both columns are only ever written by
		// marshalApp, so the text comparison is exact.
		res, err := s.db.ExecContext(ctx, `UPDATE agent_apps SET policy = $2, auto_execute = $3, updated_at = $4
			WHERE id = $1 AND status = $5 AND policy = $6 AND auto_execute = $7`,
			id, policy, autoExec, contracts.FormatTime(next.UpdatedAt),
			string(contracts.AppStatusActive), oldPolicy, oldAutoExec)
		if err != nil {
			return nil, fmt.Errorf("store: update app settings: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("store: update app settings: %w", err)
		}
		if n == 1 {
			current.Policy = next.Policy
			current.AutoExecute = next.AutoExecute
			current.UpdatedAt = next.UpdatedAt
			return current, nil
		}
	}
	return nil, ErrConflict
}

func (s *SQLStore) RevokeApp(ctx context.Context, id string, at time.Time) (*contracts.App, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stamp := contracts.FormatTime(at)
	res, err := tx.ExecContext(ctx, `UPDATE agent_apps SET status = $2, updated_at = $3 WHERE id = $1`,
		id, string(contracts.AppStatusRevoked), stamp)
	if err != nil {
		return nil, fmt.Errorf("store: revoke app: %w", err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE agent_keys SET revoked_at = $2 WHERE app_id = $1 AND revoked_at IS NULL`,
		id, stamp); err != nil {
		return nil, fmt.Errorf("store: revoke app keys: %w", err)
	}
	app, err := scanApp(tx.QueryRowContext(ctx, `SELECT `+appColumns+` FROM agent_apps WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return app, nil
}

const keyColumns = `id, app_id, name, token_prefix, token_hash, last_used_at, expires_at, revoked_at, created_by, created_at`

func (s *SQLStore) CreateKey(ctx context.Context, key *contracts.Key) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.ID, key.AppID, key.Name, key.TokenPrefix, key.TokenHash,
		nullTime(key.LastUsedAt), nullTime(key.ExpiresAt), nullTime(key.RevokedAt),
		nullString(key.CreatedBy), contracts.FormatTime(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert key: %w", err)
	}
	return nil
}

func (s *SQLStore) GetKey(ctx context.Context, id string) (*contracts.Key, error) {
	return scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM agent_keys WHERE id = $1`, id))
}

func (s *SQLStore) FindKeyByHash(ctx context.Context, tokenHash string) (*contracts.Key, error) {
	return scanKey(s.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM agent_keys WHERE token_hash = $1`, tokenHash))
}

func (s *SQLStore) ListKeys(ctx context.Context, appID string) ([]*contracts.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM agent_keys WHERE app_id = $1 ORDER BY created_at ASC, id ASC`, appID)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLStore) TouchKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agent_keys SET last_used_at = $2 WHERE id = $1`, id, contracts.FormatTime(at))
	if err != nil {
		return fmt.Errorf("store: touch key: %w", err)
	}
	return expectOne(res)
}

func (s *SQLStore) RevokeKey(ctx context.Context, id string, at time.Time) (*contracts.Key, error) {
	if _, err := s.db.ExecContext(ctx, `UPDATE agent_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, contracts.FormatTime(at)); err != nil {
		return nil, fmt.Errorf("store: revoke key: %w", err)
	}
	return s.GetKey(ctx, id)
}

const draftColumns = `id, app_id, key_id, actor_user_id, action_type, payload, status, requires_confirmation,
	auto_execute_requested, request_id, idempotency_key, justification, preflight, preflight_hash,
	policy_snapshot, state_witness, state_witness_hash, confirmed_by_user_id, created_at, updated_at,
	confirmed_at, canceled_at`

func (s *SQLStore) CreateDraft(ctx context.Context, d *contracts.Draft) error {
	args, err := draftArgs(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_drafts (`+draftColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		args...)
	if err != nil {
		return fmt.Errorf("store: insert draft: %w", err)
	}
	return nil
}

func (s *SQLStore) GetDraft(ctx context.Context, id string) (*contracts.Draft, error) {
	return scanDraft(s.db.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM agent_drafts WHERE id = $1`, id))
}

func (s *SQLStore) ListDrafts(ctx context.Context, filter DraftFilter) ([]*contracts.Draft, error) {
	var (
		where []string
		args  []any
	)
	if filter.AppID != "" {
		args = append(args, filter.AppID)
		where = append(where, fmt.Sprintf("app_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + draftColumns + ` FROM agent_drafts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list drafts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) TransitionDraft(ctx context.Context, id string, from []contracts.DraftStatus, mutate func(*contracts.Draft)) (*contracts.Draft, error) {
	current, err := s.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(current.Status, from) {
		return nil, ErrConflict
	}
	next := current.Clone()
	mutate(next)

	snapshot, err := marshalJSON(next.PolicySnapshot)
	if err != nil {
		return nil, err
	}
	// Conditional on the status read above so a concurrent transition loses.
	res, err := s.db.ExecContext(ctx, `UPDATE agent_drafts SET
		status = $3, confirmed_by_user_id = $4, confirmed_at = $5, canceled_at = $6,
		updated_at = $7, policy_snapshot = $8
		WHERE id = $1 AND status = $2`,
		id, string(current.Status), string(next.Status), nullString(next.ConfirmedByUserID),
		nullTime(next.ConfirmedAt), nullTime(next.CanceledAt), contracts.FormatTime(next.UpdatedAt), snapshot)
	if err != nil {
		return nil, fmt.Errorf("store: transition draft: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("store: transition draft: %w", err)
	} else if n == 0 {
		return nil, ErrConflict
	}
	return next, nil
}

const executionColumns = `id, draft_id, app_id, idempotency_key, status, result, error, created_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *contracts.Execution) error {
	result, err := marshalJSON(exec.Result)
	if err != nil {
		return err
	}
	if exec.IdempotencyKey != "" {
		if _, err := s.FindExecutionByIdempotencyKey(ctx, exec.AppID, exec.IdempotencyKey); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_executions (id, seq, draft_id, app_id, idempotency_key, status, result, error, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_executions), $2, $3, $4, $5, $6, $7, $8)`,
		exec.ID, exec.DraftID, exec.AppID, nullString(exec.IdempotencyKey), string(exec.Status),
		result, nullString(exec.Error), contracts.FormatTime(exec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("store: insert execution: %w", err)
	}
	return nil
}

func (s *SQLStore) FinishExecution(ctx context.Context, exec *contracts.Execution) error {
	result, err := marshalJSON(exec.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agent_executions SET status = $2, result = $3, error = $4
		WHERE id = $1 AND status = $5`,
		exec.ID, string(exec.Status), result, nullString(exec.Error), string(contracts.ExecutionPending))
	if err != nil {
		return fmt.Errorf("store: finish execution: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("store: finish execution: %w", err)
	} else if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) FindExecutionByIdempotencyKey(ctx context.Context, appID, key string) (*contracts.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM agent_executions
		WHERE app_id = $1 AND idempotency_key = $2`, appID, key))
}

func (s *SQLStore) LatestExecution(ctx context.Context, draftID string) (*contracts.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM agent_executions
		WHERE draft_id = $1 ORDER BY seq DESC LIMIT 1`, draftID))
}

func (s *SQLStore) SavePreflight(ctx context.Context, rec *contracts.PreflightRecord) error {
	payload, err := marshalJSON(rec.Payload)
	if err != nil {
		return err
	}
	impact, err := marshalJSON(rec.Impact)
	if err != nil {
		return err
	}
	witness, err := marshalJSON(rec.StateWitness)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_preflights WHERE expires_at <= $1`,
		contracts.FormatTime(rec.CreatedAt)); err != nil {
		return fmt.Errorf("store: purge preflights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agent_preflights (id, app_id, key_id, actor_user_id, action_type,
		payload, impact, impact_hash, state_witness, state_witness_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.AppID, rec.KeyID, rec.ActorUserID, rec.ActionType, payload, impact, rec.ImpactHash,
		witness, nullString(rec.StateWitnessHash), contracts.FormatTime(rec.CreatedAt), contracts.FormatTime(rec.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store: insert preflight: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPreflight(ctx context.Context, id string, now time.Time) (*contracts.PreflightRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, app_id, key_id, actor_user_id, action_type, payload, impact,
		impact_hash, state_witness, state_witness_hash, created_at, expires_at
		FROM agent_preflights WHERE id = $1`, id)

	var (
		rec                  contracts.PreflightRecord
		payload, impact      string
		witness, witnessHash sql.NullString
		createdAt, expiresAt string
	)
	err := row.Scan(&rec.ID, &rec.AppID, &rec.KeyID, &rec.ActorUserID, &rec.ActionType, &payload, &impact,
		&rec.ImpactHash, &witness, &witnessHash, &createdAt, &expiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	if rec.ExpiresAt, err = contracts.ParseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("store: preflight expires_at: %w", err)
	}
	if !rec.ExpiresAt.After(now) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_preflights WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("store: purge preflight: %w", err)
		}
		return nil, ErrNotFound
	}
	if rec.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: preflight created_at: %w", err)
	}
	if rec.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if rec.Impact, err = unmarshalMap(impact); err != nil {
		return nil, err
	}
	if rec.StateWitness, err = unmarshalMap(witness.String); err != nil {
		return nil, err
	}
	rec.StateWitnessHash = witnessHash.String
	return &rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(row scanner) (*contracts.App, error) {
	var (
		app                                                contracts.App
		scope, status                                      string
		description, userID, orgID, serviceUserID, creator sql.NullString
		scopes, policy, autoExec                           string
		createdAt, updatedAt                               string
	)
	err := row.Scan(&app.ID, &scope, &status, &app.Name, &description, &userID, &orgID, &serviceUserID,
		&scopes, &policy, &autoExec, &creator, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	app.Scope = contracts.AppScope(scope)
	app.Status = contracts.AppStatus(status)
	app.Description = description.String
	app.UserID = userID.String
	app.OrgID = orgID.String
	app.ServiceUserID = serviceUserID.String
	app.CreatedBy = creator.String
	if err := json.Unmarshal([]byte(scopes), &app.Scopes); err != nil {
		return nil, fmt.Errorf("store: app scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &app.Policy); err != nil {
		return nil, fmt.Errorf("store: app policy: %w", err)
	}
	if err := json.Unmarshal([]byte(autoExec), &app.AutoExecute); err != nil {
		return nil, fmt.Errorf("store: app auto_execute: %w", err)
	}
	if app.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: app created_at: %w", err)
	}
	if app.UpdatedAt, err = contracts.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("store: app updated_at: %w", err)
	}
	return &app, nil
}

func scanKey(row scanner) (*contracts.Key, error) {
	var (
		key                             contracts.Key
		lastUsed, expires, revoked, who sql.NullString
		createdAt                       string
	)
	err := row.Scan(&key.ID, &key.AppID, &key.Name, &key.TokenPrefix, &key.TokenHash,
		&lastUsed, &expires, &revoked, &who, &createdAt)
	if err != nil {
		return nil, notFound(err)
	}
	key.CreatedBy = who.String
	if key.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: key created_at: %w", err)
	}
	if key.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return nil, err
	}
	if key.ExpiresAt, err = parseNullTime(expires); err != nil {
		return nil, err
	}
	if key.RevokedAt, err = parseNullTime(revoked); err != nil {
		return nil, err
	}
	return &key, nil
}

func draftArgs(d *contracts.Draft) ([]any, error) {
	payload, err := marshalJSON(d.Payload)
	if err != nil {
		return nil, err
	}
	preflight, err := marshalJSON(d.Preflight)
	if err != nil {
		return nil, err
	}
	snapshot, err := marshalJSON(d.PolicySnapshot)
	if err != nil {
		return nil, err
	}
	witness, err := marshalJSON(d.StateWitness)
	if err != nil {
		return nil, err
	}
	return []any{
		d.ID, d.AppID, d.KeyID, d.ActorUserID, d.ActionType, payload, string(d.Status),
		d.RequiresConfirmation, d.AutoExecuteRequested, nullString(d.RequestID),
		nullString(d.IdempotencyKey), nullString(d.Justification), preflight, nullString(d.PreflightHash),
		snapshot, witness, nullString(d.StateWitnessHash), nullString(d.ConfirmedByUserID),
		contracts.FormatTime(d.CreatedAt), contracts.FormatTime(d.UpdatedAt),
		nullTime(d.ConfirmedAt), nullTime(d.CanceledAt),
	}, nil
}

func scanDraft(row scanner) (*contracts.Draft, error) {
	var (
		d                                                  contracts.Draft
		payload, status                                    string
		requestID, idemKey, justification, preflight       sql.NullString
		preflightHash, snapshot, witness, witnessHash, who sql.NullString
		createdAt, updatedAt                               string
		confirmedAt, canceledAt                            sql.NullString
	)
	err := row.Scan(&d.ID, &d.AppID, &d.KeyID, &d.ActorUserID, &d.ActionType, &payload, &status,
		&d.RequiresConfirmation, &d.AutoExecuteRequested, &requestID, &idemKey, &justification,
		&preflight, &preflightHash, &snapshot, &witness, &witnessHash, &who, &createdAt, &updatedAt,
		&confirmedAt, &canceledAt)
	if err != nil {
		return nil, notFound(err)
	}
	d.Status = contracts.DraftStatus(status)
	d.RequestID = requestID.String
	d.IdempotencyKey = idemKey.String
	d.Justification = justification.String
	d.PreflightHash = preflightHash.String
	d.StateWitnessHash = witnessHash.String
	d.ConfirmedByUserID = who.String
	if d.Payload, err = unmarshalMap(payload); err != nil {
		return nil, err
	}
	if d.Preflight, err = unmarshalMap(preflight.String); err != nil {
		return nil, err
	}
	if d.PolicySnapshot, err = unmarshalMap(snapshot.String); err != nil {
		return nil, err
	}
	if d.StateWitness, err = unmarshalMap(witness.String); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: draft created_at: %w", err)
	}
	if d.UpdatedAt, err = contracts.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("store: draft updated_at: %w", err)
	}
	if d.ConfirmedAt, err = parseNullTime(confirmedAt); err != nil {
		return nil, err
	}
	if d.CanceledAt, err = parseNullTime(canceledAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanExecution(row scanner) (*contracts.Execution, error) {
	var (
		e                      contracts.Execution
		idemKey, result, cause sql.NullString
		status, createdAt      string
	)
	err := row.Scan(&e.ID, &e.DraftID, &e.AppID, &idemKey, &status, &result, &cause, &createdAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.IdempotencyKey = idemKey.String
	e.Status = contracts.ExecutionStatus(status)
	e.Error = cause.String
	if e.Result, err = unmarshalMap(result.String); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = contracts.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("store: execution created_at: %w", err)
	}
	return &e, nil
}

func marshalApp(app *contracts.App) (scopes, policy, autoExec string, err error) {
	list := app.Scopes
	if list == nil {
		list = []string{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", "", "", fmt.Errorf("store: marshal scopes: %w", err)
	}
	scopes = string(b)
	if b, err = json.Marshal(app.Policy); err != nil {
		return "", "", "", fmt.Errorf("store: marshal policy: %w", err)
	}
	policy = string(b)
	if b, err = json.Marshal(app.AutoExecute); err != nil {
		return "", "", "", fmt.Errorf("store: marshal auto_execute: %w", err)
	}
	return scopes, policy, string(b), nil
}

// marshalJSON encodes m, mapping nil to SQL NULL.
func marshalJSON(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal json: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal json: %w", err)
	}
	return m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return contracts.FormatTime(*t)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := contracts.ParseTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("store: parse time %q: %w", s.String, err)
	}
	return &t, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("store: scan: %w", err)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
