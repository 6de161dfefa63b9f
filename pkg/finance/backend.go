// Package finance is the ledger storage backend the gateway's tools act on.
// The gateway never touches ledger data except through Backend.
package finance

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

// Backend is CRUD over ledgers and transactions on behalf of an actor.
type Backend interface {
	ListLedgers(ctx context.Context, actorUserID string) ([]contracts.Ledger, error)
	// ListTransactions returns one page of live transactions, newest first.
	ListTransactions(ctx context.Context, actorUserID string, q contracts.TransactionQuery) (*contracts.TransactionPage, error)
	CreateTransaction(ctx context.Context, actorUserID string, in NewTransaction) (*contracts.Transaction, error)
	// UpdateTransaction changes only the fields set in patch.
	UpdateTransaction(ctx context.Context, actorUserID, id string, patch TransactionPatch) (*contracts.Transaction, error)
	// SoftDeleteTransaction fails with not found when already deleted.
	SoftDeleteTransaction(ctx context.Context, actorUserID, id string) error
	HardDeleteTransaction(ctx context.Context, actorUserID, id string) error
	// GetTransaction returns nil without error when id is unknown.
	// Soft deleted transactions are returned.
	GetTransaction(ctx context.Context, actorUserID, id string) (*contracts.Transaction, error)
}

const (
	defaultPage     = 1
	maxPage         = 10000
	defaultPageSize = 50
	maxPageSize     = 200
	defaultCurrency = "USD"
)

// NewTransaction is the input of CreateTransaction.
type NewTransaction struct {
	LedgerID     string
	Kind         contracts.TransactionKind
	Title        string
	AmountHome   float64
	CurrencyHome string
	Date         time.Time
	Notes        *string
}

// TransactionPatch is a partial update. Nil fields are left unchanged;
// SetNotes with nil Notes clears the notes.
type TransactionPatch struct {
	LedgerID     *string
	Kind         *contracts.TransactionKind
	Title        *string
	AmountHome   *float64
	CurrencyHome *string
	Date         *time.Time
	Notes        *string
	SetNotes     bool
}

// NewTransactionFromPayload decodes an agent payload. Both camelCase and
// snake_case keys are accepted.
func NewTransactionFromPayload(payload map[string]any, now time.Time) (NewTransaction, error) {
	invalid := apierror.ActionInvalid("Invalid transaction payload")

	in := NewTransaction{
		LedgerID:     firstString(payload, "ledgerId", "ledger_id"),
		Kind:         contracts.TransactionKind(firstString(payload, "kind")),
		Title:        firstString(payload, "title"),
		CurrencyHome: strings.ToUpper(firstString(payload, "currency_home", "currencyHome")),
		Date:         now,
	}
	if in.CurrencyHome == "" {
		in.CurrencyHome = defaultCurrency
	}
	amount, ok := firstNumber(payload, "amount_home", "amountHome")
	if in.LedgerID == "" || in.Title == "" || !in.Kind.Valid() || !ok {
		return NewTransaction{}, invalid
	}
	in.AmountHome = amount

	if raw := firstString(payload, "date"); raw != "" {
		t, err := ParseDate(raw)
		if err != nil {
			return NewTransaction{}, err
		}
		in.Date = t
	}
	if notes := firstString(payload, "notes"); notes != "" {
		in.Notes = &notes
	}
	return in, nil
}

// PatchFromPayload decodes a partial update from an agent payload.
func PatchFromPayload(payload map[string]any) (TransactionPatch, error) {
	var p TransactionPatch
	if v := firstString(payload, "ledgerId", "ledger_id"); v != "" {
		p.LedgerID = &v
	}
	if v := firstString(payload, "kind"); v != "" {
		kind := contracts.TransactionKind(v)
		if !kind.Valid() {
			return TransactionPatch{}, apierror.ActionInvalid("Invalid transaction kind")
		}
		p.Kind = &kind
	}
	if v := firstString(payload, "title"); v != "" {
		p.Title = &v
	}
	if hasAny(payload, "amount_home", "amountHome") {
		amount, ok := firstNumber(payload, "amount_home", "amountHome")
		if !ok {
			return TransactionPatch{}, apierror.ActionInvalid("Invalid amount")
		}
		p.AmountHome = &amount
	}
	if v := strings.ToUpper(firstString(payload, "currency_home", "currencyHome")); v != "" {
		p.CurrencyHome = &v
	}
	if v := firstString(payload, "date"); v != "" {
		t, err := ParseDate(v)
		if err != nil {
			return TransactionPatch{}, err
		}
		p.Date = &t
	}
	if raw, ok := payload["notes"]; ok {
		p.SetNotes = true
		if s := stringValue(raw); s != "" {
			p.Notes = &s
		}
	}
	return p, nil
}

// Apply writes the patch onto txn.
func (p TransactionPatch) Apply(txn *contracts.Transaction) {
	if p.LedgerID != nil {
		txn.LedgerID = *p.LedgerID
	}
	if p.Kind != nil {
		txn.Kind = *p.Kind
	}
	if p.Title != nil {
		txn.Title = *p.Title
	}
	if p.AmountHome != nil {
		txn.AmountHome = *p.AmountHome
	}
	if p.CurrencyHome != nil {
		txn.CurrencyHome = *p.CurrencyHome
	}
	if p.Date != nil {
		txn.Date = *p.Date
	}
	if p.SetNotes {
		txn.Notes = nil
		if p.Notes != nil {
			notes := *p.Notes
			txn.Notes = &notes
		}
	}
}

// ParseDate accepts an RFC 3339 timestamp or a calendar date.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apierror.ActionInvalid("Invalid date value")
}

// listBounds parses the date filter of q. A date-only end bound covers the
// whole day.
func listBounds(q contracts.TransactionQuery) (start, end *time.Time, err error) {
	if q.StartDate != "" {
		t, err := ParseDate(q.StartDate)
		if err != nil {
			return nil, nil, err
		}
		start = &t
	}
	if q.EndDate != "" {
		t, err := ParseDate(q.EndDate)
		if err != nil {
			return nil, nil, err
		}
		if len(strings.TrimSpace(q.EndDate)) <= len(time.DateOnly) {
			t = t.Add(24*time.Hour - time.Millisecond)
		}
		end = &t
	}
	return start, end, nil
}

// pageBounds clamps the paging parameters of q. Zero means unset.
func pageBounds(q contracts.TransactionQuery) (page, size int) {
	page, size = q.Page, q.PageSize
	switch {
	case page == 0:
		page = defaultPage
	case page < 1:
		page = 1
	case page > maxPage:
		page = maxPage
	}
	switch {
	case size == 0:
		size = defaultPageSize
	case size < 1:
		size = 1
	case size > maxPageSize:
		size = maxPageSize
	}
	return page, size
}

func errTransactionNotFound() error {
	return apierror.NotFound("Transaction not found")
}

func errLedgerNotFound() error {
	return apierror.NotFound("Ledger not found")
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringValue(payload[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func hasAny(payload map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := payload[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// firstNumber reads the first present key as a finite number. Numeric
// strings are accepted.
func firstNumber(payload map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := payload[k]
		if !ok || v == nil {
			continue
		}
		var f float64
		switch t := v.(type) {
		case float64:
			f = t
		case int:
			f = float64(t)
		case int64:
			f = float64(t)
		case json.Number:
			parsed, err := t.Float64()
			if err != nil {
				return 0, false
			}
			f = parsed
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
			if err != nil {
				return 0, false
			}
			f = parsed
		default:
			return 0, false
		}
		if !finite(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
