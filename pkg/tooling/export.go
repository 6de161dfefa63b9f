package tooling

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/policy"
)

const (
	defaultExportLimit = 200
	maxExportLimit     = 5000
	exportPageSize     = 200
)

var exportHeader = []string{"id", "date", "kind", "title", "amount_home", "currency_home", "created_at", "updated_at"}

type exportCSV struct{ r *Registry }

type exportRequest struct {
	ledgerID string
	dates    policy.DateRange
	limit    int
}

func (b exportCSV) prepare(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (exportRequest, error) {
	id, err := ledgerID(payload)
	if err != nil {
		return exportRequest{}, err
	}
	if err := b.r.guardLedger(ctx, rc, id); err != nil {
		return exportRequest{}, err
	}
	dates, err := policy.ResolveDateRange(rc.App,
		payloadString(payload, "startDate"), payloadString(payload, "endDate"), b.r.clock())
	if err != nil {
		return exportRequest{}, err
	}
	upper := min(maxExportLimit, policy.MaxExportRows(rc.App.AutoExecute))
	// zero or absent means the default, negatives floor at one row
	limit := policy.ClampInt(payload["limit"], -1, upper, 0)
	switch {
	case limit == 0:
		limit = min(defaultExportLimit, upper)
	case limit < 1:
		limit = 1
	}
	return exportRequest{ledgerID: id, dates: dates, limit: limit}, nil
}

func (b exportCSV) ComputeImpact(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	req, err := b.prepare(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	var requested any
	if n := policy.ClampInt(payload["limit"], 0, maxExportLimit, 0); n > 0 {
		requested = n
	}
	return map[string]any{
		"summary": "Export transactions as CSV",
		"export": map[string]any{
			"ledgerId":       req.ledgerID,
			"startDate":      contracts.Nullable(req.dates.StartDate),
			"endDate":        contracts.Nullable(req.dates.EndDate),
			"requestedLimit": requested,
		},
	}, nil
}

func (b exportCSV) Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	req, err := b.prepare(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	rows, err := b.collect(ctx, rc, req)
	if err != nil {
		return nil, err
	}

	allowSensitive := policy.DataPolicy(rc.App).AllowSensitiveFields
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, txn := range rows {
		title := ""
		if allowSensitive {
			title = txn.Title
		}
		record := []string{
			txn.ID,
			contracts.FormatTime(txn.Date),
			string(txn.Kind),
			title,
			strconv.FormatFloat(txn.AmountHome, 'f', -1, 64),
			txn.CurrencyHome,
			contracts.FormatTime(txn.CreatedAt),
			contracts.FormatTime(txn.UpdatedAt),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("tooling: csv export: %w", err)
	}
	body := strings.TrimSuffix(buf.String(), "\n")

	out := map[string]any{
		"format":   "csv",
		"ledgerId": req.ledgerID,
		"rowCount": len(rows),
		"csv":      body,
	}
	if b.r.artifacts != nil {
		ref, err := b.r.artifacts.Put(ctx, []byte(body))
		if err != nil {
			return nil, fmt.Errorf("tooling: archive export: %w", err)
		}
		out["artifact"] = ref
	}
	return map[string]any{"export": out}, nil
}

// collect pages through the ledger until limit rows are gathered.
func (b exportCSV) collect(ctx context.Context, rc *contracts.RequestContext, req exportRequest) ([]contracts.Transaction, error) {
	var rows []contracts.Transaction
	for page := 1; len(rows) < req.limit; page++ {
		res, err := b.r.backend.ListTransactions(ctx, rc.ActorUserID, contracts.TransactionQuery{
			LedgerID:  req.ledgerID,
			StartDate: req.dates.StartDate,
			EndDate:   req.dates.EndDate,
			Page:      page,
			PageSize:  exportPageSize,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, res.Items...)
		if !res.HasMore || len(res.Items) == 0 {
			break
		}
	}
	if len(rows) > req.limit {
		rows = rows[:req.limit]
	}
	return rows, nil
}
