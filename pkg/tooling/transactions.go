package tooling

import (
	"context"
	"strings"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/finance"
	"github.com/VancouverCanada/openport/pkg/policy"
)

func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func transactionID(payload map[string]any) (string, error) {
	id := payloadString(payload, "transactionId", "id")
	if id == "" {
		return "", apierror.ActionInvalid("transactionId required")
	}
	return id, nil
}

func ledgerID(payload map[string]any) (string, error) {
	id := payloadString(payload, "ledgerId", "ledger_id")
	if id == "" {
		return "", apierror.ActionInvalid("ledgerId required")
	}
	return id, nil
}

// transactionRecord is the execution result form of a transaction.
func transactionRecord(txn *contracts.Transaction) map[string]any {
	item, _ := PresentTransaction(*txn, true)
	item["is_deleted"] = txn.IsDeleted
	return item
}

// existingTransaction loads the transaction a payload targets and checks
// the caller may act on its ledger.
func (r *Registry) existingTransaction(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (*contracts.Transaction, error) {
	id, err := transactionID(payload)
	if err != nil {
		return nil, err
	}
	txn, err := r.backend.GetTransaction(ctx, rc.ActorUserID, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, apierror.NotFound("Transaction not found")
	}
	if err := r.guardLedger(ctx, rc, txn.LedgerID); err != nil {
		return nil, err
	}
	return txn, nil
}

type createTransaction struct{ r *Registry }

func (b createTransaction) Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	id, err := ledgerID(payload)
	if err != nil {
		return nil, err
	}
	if err := b.r.guardLedger(ctx, rc, id); err != nil {
		return nil, err
	}
	in, err := finance.NewTransactionFromPayload(payload, b.r.clock())
	if err != nil {
		return nil, err
	}
	txn, err := b.r.backend.CreateTransaction(ctx, rc.ActorUserID, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transaction": transactionRecord(txn)}, nil
}

type updateTransaction struct{ r *Registry }

func (b updateTransaction) Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	existing, err := b.r.existingTransaction(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	patch, err := finance.PatchFromPayload(payload)
	if err != nil {
		return nil, err
	}
	// moving a transaction needs the destination ledger to pass too
	if patch.LedgerID != nil && *patch.LedgerID != existing.LedgerID {
		if err := b.r.guardLedger(ctx, rc, *patch.LedgerID); err != nil {
			return nil, err
		}
	}
	txn, err := b.r.backend.UpdateTransaction(ctx, rc.ActorUserID, existing.ID, patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transaction": transactionRecord(txn)}, nil
}

func (b updateTransaction) ComputeStateWitness(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	return b.r.transactionWitness(ctx, rc, payload)
}

type deleteTransaction struct {
	r    *Registry
	hard bool
}

func (b deleteTransaction) ComputeImpact(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	existing, err := b.r.existingTransaction(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	summary := "Delete 1 transaction"
	if b.hard {
		summary = "Hard delete 1 transaction"
	}
	title := any(existing.Title)
	if !policy.DataPolicy(rc.App).AllowSensitiveFields {
		title = RedactedTitle
	}
	return map[string]any{
		"summary": summary,
		"transaction": map[string]any{
			"id":          existing.ID,
			"ledger_id":   existing.LedgerID,
			"title":       title,
			"amount_home": existing.AmountHome,
			"date":        contracts.FormatTime(existing.Date),
			"is_deleted":  existing.IsDeleted,
		},
	}, nil
}

func (b deleteTransaction) Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	existing, err := b.r.existingTransaction(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	deleted := map[string]any{"id": existing.ID, "deleted": true}
	if b.hard {
		err = b.r.backend.HardDeleteTransaction(ctx, rc.ActorUserID, existing.ID)
		deleted["hard"] = true
	} else {
		err = b.r.backend.SoftDeleteTransaction(ctx, rc.ActorUserID, existing.ID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted}, nil
}

func (b deleteTransaction) ComputeStateWitness(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	return b.r.transactionWitness(ctx, rc, payload)
}

// transactionWitness records the version of the targeted transaction. A
// missing transaction is itself a state, so it is not an error.
func (r *Registry) transactionWitness(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	id, err := transactionID(payload)
	if err != nil {
		return nil, err
	}
	txn, err := r.backend.GetTransaction(ctx, rc.ActorUserID, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return map[string]any{
			"kind":     "resource_version",
			"resource": "transaction",
			"id":       id,
			"exists":   false,
		}, nil
	}
	if err := r.guardLedger(ctx, rc, txn.LedgerID); err != nil {
		return nil, err
	}
	return map[string]any{
		"kind":       "resource_version",
		"resource":   "transaction",
		"id":         txn.ID,
		"ledger_id":  txn.LedgerID,
		"updated_at": contracts.FormatTime(txn.UpdatedAt),
		"is_deleted": txn.IsDeleted,
	}, nil
}
