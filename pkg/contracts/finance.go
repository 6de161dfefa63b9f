package contracts

import "time"

// Ledger is a book of transactions owned by an organization.
type Ledger struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	CurrencyHome   string `json:"currency_home"`
	TZ             string `json:"tz"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// TransactionKind classifies a transaction.
type TransactionKind string

const (
	KindIncome     TransactionKind = "income"
	KindExpense    TransactionKind = "expense"
	KindTransfer   TransactionKind = "transfer"
	KindAdjustment TransactionKind = "adjustment"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindIncome, KindExpense, KindTransfer, KindAdjustment:
		return true
	}
	return false
}

// Transaction is a ledger entry.
type Transaction struct {
	ID           string          `json:"id"`
	LedgerID     string          `json:"ledger_id"`
	Kind         TransactionKind `json:"kind"`
	Title        string          `json:"title"`
	AmountHome   float64         `json:"amount_home"`
	CurrencyHome string          `json:"currency_home"`
	Date         time.Time       `json:"date"`
	Notes        *string         `json:"notes"`
	IsDeleted    bool            `json:"is_deleted"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TransactionQuery selects a page of a ledger's transactions. Empty date
// bounds are open.
type TransactionQuery struct {
	LedgerID  string
	StartDate string
	EndDate   string
	Page      int
	PageSize  int
}

// TransactionPage is one page of a transaction listing.
type TransactionPage struct {
	Items    []Transaction `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	HasMore  bool          `json:"hasMore"`
}
