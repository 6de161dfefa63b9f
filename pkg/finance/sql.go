package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

// SQLBackend keeps ledgers and transactions in PostgreSQL or SQLite using
// the same $n statements for both. Timestamps are fixed-width UTC text.
type SQLBackend struct {
	db    *sql.DB
	clock func() time.Time
}

var _ Backend = (*SQLBackend)(nil)

// NewSQLBackend creates the schema if needed and returns the backend.
func NewSQLBackend(ctx context.Context, db *sql.DB) (*SQLBackend, error) {
	b := &SQLBackend{db: db, clock: contracts.Now}
	if err := b.Migrate(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// WithClock overrides the time source.
func (b *SQLBackend) WithClock(clock func() time.Time) *SQLBackend {
	b.clock = clock
	return b
}

var financeSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledgers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		currency_home TEXT NOT NULL,
		tz TEXT NOT NULL,
		organization_id TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT false,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		ledger_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		amount_home DOUBLE PRECISION NOT NULL,
		currency_home TEXT NOT NULL,
		date TEXT NOT NULL,
		notes TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT false,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_ledger_date_idx ON transactions (ledger_id, date)`,
}

// Migrate creates the ledger tables that do not exist yet.
func (b *SQLBackend) Migrate(ctx context.Context) error {
	for _, stmt := range financeSchema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("finance: migrate: %w", err)
		}
	}
	return nil
}

// Seed inserts seed rows that are not present yet.
func (b *SQLBackend) Seed(ctx context.Context, seed Seed) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finance: begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := contracts.FormatTime(b.clock())
	for _, l := range seed.Ledgers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledgers (id, name, currency_home, tz, organization_id, is_deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, false, $6) ON CONFLICT (id) DO NOTHING`,
			l.ID, l.Name, l.CurrencyHome, l.TZ, nullable(l.OrganizationID), now); err != nil {
			return fmt.Errorf("finance: seed ledger %s: %w", l.ID, err)
		}
	}
	for i := range seed.Transactions {
		t := &seed.Transactions[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (`+txnColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ON CONFLICT (id) DO NOTHING`,
			txnArgs(t)...); err != nil {
			return fmt.Errorf("finance: seed transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

const txnColumns = `id, ledger_id, kind, title, amount_home, currency_home, date, notes, is_deleted, created_at, updated_at`

func (b *SQLBackend) ListLedgers(ctx context.Context, _ string) ([]contracts.Ledger, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, currency_home, tz, organization_id FROM ledgers WHERE is_deleted = false ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("finance: list ledgers: %w", err)
	}
	defer rows.Close()

	out := []contracts.Ledger{}
	for rows.Next() {
		var (
			l   contracts.Ledger
			org sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.Name, &l.CurrencyHome, &l.TZ, &org); err != nil {
			return nil, fmt.Errorf("finance: scan ledger: %w", err)
		}
		l.OrganizationID = org.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (b *SQLBackend) ListTransactions(ctx context.Context, _ string, q contracts.TransactionQuery) (*contracts.TransactionPage, error) {
	start, end, err := listBounds(q)
	if err != nil {
		return nil, err
	}
	page, size := pageBounds(q)

	args := []any{q.LedgerID}
	where := []string{"ledger_id = $1", "is_deleted = false"}
	if start != nil {
		args = append(args, contracts.FormatTime(*start))
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if end != nil {
		args = append(args, contracts.FormatTime(*end))
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("finance: count transactions: %w", err)
	}

	offset := (page - 1) * size
	args = append(args, size, offset)
	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY date DESC, id LIMIT $%d OFFSET $%d`,
			txnColumns, cond, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("finance: list transactions: %w", err)
	}
	defer rows.Close()

	items := []contracts.Transaction{}
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finance: list transactions: %w", err)
	}
	return &contracts.TransactionPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: size,
		HasMore:  offset+len(items) < total,
	}, nil
}

func (b *SQLBackend) CreateTransaction(ctx context.Context, _ string, in NewTransaction) (*contracts.Transaction, error) {
	if in.LedgerID == "" || in.Title == "" || !in.Kind.Valid() {
		return nil, apierror.ActionInvalid("Invalid transaction payload")
	}
	if !finite(in.AmountHome) {
		return nil, apierror.ActionInvalid("Invalid amount")
	}
	if err := b.requireLedger(ctx, in.LedgerID); err != nil {
		return nil, err
	}

	now := b.clock()
	t := &contracts.Transaction{
		ID:           contracts.NewID("txn"),
		LedgerID:     in.LedgerID,
		Kind:         in.Kind,
		Title:        in.Title,
		AmountHome:   in.AmountHome,
		CurrencyHome: in.CurrencyHome,
		Date:         in.Date.UTC(),
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.CurrencyHome == "" {
		t.CurrencyHome = defaultCurrency
	}
	if in.Date.IsZero() {
		t.Date = now
	}
	if _, err := b.db.ExecContext(ctx,
		`INSERT INTO transactions (`+txnColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txnArgs(t)...); err != nil {
		return nil, fmt.Errorf("finance: create transaction: %w", err)
	}
	return t, nil
}

func (b *SQLBackend) UpdateTransaction(ctx context.Context, actorUserID, id string, patch TransactionPatch) (*contracts.Transaction, error) {
	if patch.AmountHome != nil && !finite(*patch.AmountHome) {
		return nil, apierror.ActionInvalid("Invalid amount")
	}
	existing, err := b.GetTransaction(ctx, actorUserID, id)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.IsDeleted {
		return nil, errTransactionNotFound()
	}
	if patch.LedgerID != nil {
		if err := b.requireLedger(ctx, *patch.LedgerID); err != nil {
			return nil, err
		}
	}
	patch.Apply(existing)
	existing.UpdatedAt = b.clock()

	res, err := b.db.ExecContext(ctx,
		`UPDATE transactions SET ledger_id = $2, kind = $3, title = $4, amount_home = $5, currency_home = $6,
		date = $7, notes = $8, updated_at = $9 WHERE id = $1 AND is_deleted = false`,
		existing.ID, existing.LedgerID, string(existing.Kind), existing.Title, existing.AmountHome,
		existing.CurrencyHome, contracts.FormatTime(existing.Date), notesArg(existing.Notes),
		contracts.FormatTime(existing.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("finance: update transaction: %w", err)
	}
	if err := affected(res); err != nil {
		return nil, err
	}
	return existing, nil
}

func (b *SQLBackend) SoftDeleteTransaction(ctx context.Context, _ string, id string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE transactions SET is_deleted = true, updated_at = $2 WHERE id = $1 AND is_deleted = false`,
		id, contracts.FormatTime(b.clock()))
	if err != nil {
		return fmt.Errorf("finance: soft delete transaction: %w", err)
	}
	return affected(res)
}

func (b *SQLBackend) HardDeleteTransaction(ctx context.Context, _ string, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("finance: hard delete transaction: %w", err)
	}
	return affected(res)
}

func (b *SQLBackend) GetTransaction(ctx context.Context, _ string, id string) (*contracts.Transaction, error) {
	t, err := scanTxn(b.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (b *SQLBackend) requireLedger(ctx context.Context, id string) error {
	var one int
	err := b.db.QueryRowContext(ctx, `SELECT 1 FROM ledgers WHERE id = $1 AND is_deleted = false`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errLedgerNotFound()
	}
	if err != nil {
		return fmt.Errorf("finance: lookup ledger: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*contracts.Transaction, error) {
	var (
		t                            contracts.Transaction
		kind, date, created, updated string
		notes                        sql.NullString
	)
	err := row.Scan(&t.ID, &t.LedgerID, &kind, &t.Title, &t.AmountHome, &t.CurrencyHome, &date,
		&notes, &t.IsDeleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("finance: scan transaction: %w", err)
	}
	t.Kind = contracts.TransactionKind(kind)
	if notes.Valid {
		s := notes.String
		t.Notes = &s
	}
	if t.Date, err = contracts.ParseTime(date); err != nil {
		return nil, fmt.Errorf("finance: transaction date: %w", err)
	}
	if t.CreatedAt, err = contracts.ParseTime(created); err != nil {
		return nil, fmt.Errorf("finance: transaction created_at: %w", err)
	}
	if t.UpdatedAt, err = contracts.ParseTime(updated); err != nil {
		return nil, fmt.Errorf("finance: transaction updated_at: %w", err)
	}
	return &t, nil
}

func txnArgs(t *contracts.Transaction) []any {
	return []any{
		t.ID, t.LedgerID, string(t.Kind), t.Title, t.AmountHome, t.CurrencyHome,
		contracts.FormatTime(t.Date), notesArg(t.Notes), t.IsDeleted,
		contracts.FormatTime(t.CreatedAt), contracts.FormatTime(t.UpdatedAt),
	}
}

func notesArg(notes *string) any {
	if notes == nil {
		return nil
	}
	return *notes
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finance: rows affected: %w", err)
	}
	if n == 0 {
		return errTransactionNotFound()
	}
	return nil
}
