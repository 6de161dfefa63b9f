package finance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

// Seed is the initial content of a backend.
type Seed struct {
	Ledgers      []contracts.Ledger
	Transactions []contracts.Transaction
}

// DemoSeed is the two-ledger demo organization used by the demo integration.
func DemoSeed(now time.Time) Seed {
	now = now.UTC().Truncate(time.Millisecond)
	notes := "annual plan"
	return Seed{
		Ledgers: []contracts.Ledger{
			{ID: "ledger_main", Name: "Main Ledger", CurrencyHome: "USD", TZ: "America/Los_Angeles", OrganizationID: "org_demo"},
			{ID: "ledger_ops", Name: "Ops Ledger", CurrencyHome: "USD", TZ: "America/New_York", OrganizationID: "org_demo"},
		},
		Transactions: []contracts.Transaction{
			{
				ID: "txn_1", LedgerID: "ledger_main", Kind: contracts.KindIncome, Title: "Consulting payment",
				AmountHome: 1200, CurrencyHome: "USD", Date: now, CreatedAt: now, UpdatedAt: now,
			},
			{
				ID: "txn_2", LedgerID: "ledger_main", Kind: contracts.KindExpense, Title: "Software subscription",
				AmountHome: 80, CurrencyHome: "USD", Date: now, Notes: &notes, CreatedAt: now, UpdatedAt: now,
			},
		},
	}
}

// MemoryBackend keeps ledgers and transactions in process memory.
type MemoryBackend struct {
	mu           sync.RWMutex
	ledgers      []contracts.Ledger
	transactions []*contracts.Transaction
	clock        func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns a backend holding seed.
func NewMemoryBackend(seed Seed) *MemoryBackend {
	b := &MemoryBackend{
		ledgers: append([]contracts.Ledger(nil), seed.Ledgers...),
		clock:   contracts.Now,
	}
	for i := range seed.Transactions {
		txn := cloneTxn(&seed.Transactions[i])
		b.transactions = append(b.transactions, txn)
	}
	return b
}

// WithClock overrides the time source.
func (b *MemoryBackend) WithClock(clock func() time.Time) *MemoryBackend {
	b.clock = clock
	return b
}

func (b *MemoryBackend) ListLedgers(_ context.Context, _ string) ([]contracts.Ledger, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]contracts.Ledger(nil), b.ledgers...), nil
}

func (b *MemoryBackend) ListTransactions(_ context.Context, _ string, q contracts.TransactionQuery) (*contracts.TransactionPage, error) {
	start, end, err := listBounds(q)
	if err != nil {
		return nil, err
	}
	page, size := pageBounds(q)

	b.mu.RLock()
	var matched []contracts.Transaction
	for _, txn := range b.transactions {
		if txn.IsDeleted || txn.LedgerID != q.LedgerID {
			continue
		}
		if start != nil && txn.Date.Before(*start) {
			continue
		}
		if end != nil && txn.Date.After(*end) {
			continue
		}
		matched = append(matched, *cloneTxn(txn))
	}
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset := (page - 1) * size
	items := []contracts.Transaction{}
	if offset < total {
		items = matched[offset:min(offset+size, total)]
	}
	return &contracts.TransactionPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: size,
		HasMore:  offset+len(items) < total,
	}, nil
}

func (b *MemoryBackend) CreateTransaction(_ context.Context, _ string, in NewTransaction) (*contracts.Transaction, error) {
	if in.LedgerID == "" || in.Title == "" || !in.Kind.Valid() {
		return nil, apierror.ActionInvalid("Invalid transaction payload")
	}
	if !finite(in.AmountHome) {
		return nil, apierror.ActionInvalid("Invalid amount")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasLedger(in.LedgerID) {
		return nil, errLedgerNotFound()
	}
	now := b.clock()
	currency := in.CurrencyHome
	if currency == "" {
		currency = defaultCurrency
	}
	date := in.Date
	if date.IsZero() {
		date = now
	}
	txn := &contracts.Transaction{
		ID:           contracts.NewID("txn"),
		LedgerID:     in.LedgerID,
		Kind:         in.Kind,
		Title:        in.Title,
		AmountHome:   in.AmountHome,
		CurrencyHome: currency,
		Date:         date.UTC(),
		Notes:        in.Notes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.transactions = append(b.transactions, txn)
	return cloneTxn(txn), nil
}

func (b *MemoryBackend) UpdateTransaction(_ context.Context, _ string, id string, patch TransactionPatch) (*contracts.Transaction, error) {
	if patch.AmountHome != nil && !finite(*patch.AmountHome) {
		return nil, apierror.ActionInvalid("Invalid amount")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	txn := b.find(id)
	if txn == nil || txn.IsDeleted {
		return nil, errTransactionNotFound()
	}
	if patch.LedgerID != nil && !b.hasLedger(*patch.LedgerID) {
		return nil, errLedgerNotFound()
	}
	patch.Apply(txn)
	txn.UpdatedAt = b.clock()
	return cloneTxn(txn), nil
}

func (b *MemoryBackend) SoftDeleteTransaction(_ context.Context, _ string, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	txn := b.find(id)
	if txn == nil || txn.IsDeleted {
		return errTransactionNotFound()
	}
	txn.IsDeleted = true
	txn.UpdatedAt = b.clock()
	return nil
}

func (b *MemoryBackend) HardDeleteTransaction(_ context.Context, _ string, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, txn := range b.transactions {
		if txn.ID == id {
			b.transactions = append(b.transactions[:i], b.transactions[i+1:]...)
			return nil
		}
	}
	return errTransactionNotFound()
}

func (b *MemoryBackend) GetTransaction(_ context.Context, _ string, id string) (*contracts.Transaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if txn := b.find(id); txn != nil {
		return cloneTxn(txn), nil
	}
	return nil, nil
}

func (b *MemoryBackend) find(id string) *contracts.Transaction {
	for _, txn := range b.transactions {
		if txn.ID == id {
			return txn
		}
	}
	return nil
}

func (b *MemoryBackend) hasLedger(id string) bool {
	for _, l := range b.ledgers {
		if l.ID == id {
			return true
		}
	}
	return false
}

func cloneTxn(t *contracts.Transaction) *contracts.Transaction {
	cp := *t
	if t.Notes != nil {
		notes := *t.Notes
		cp.Notes = &notes
	}
	return &cp
}
