package agent

import (
	"encoding/json"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/tooling"
)

// ReviewPath is where operators find drafts awaiting approval.
const ReviewPath = "/agent-admin/v1/drafts"

// Manifest describes the calling app and the tools it may use.
type Manifest struct {
	App   ManifestApp          `json:"app"`
	Tools []tooling.Descriptor `json:"tools"`
}

type ManifestApp struct {
	ID    string             `json:"id"`
	Name  string             `json:"name"`
	Scope contracts.AppScope `json:"scope"`
	OrgID *string            `json:"orgId"`
}

type LedgerList struct {
	Items []contracts.Ledger `json:"items"`
}

// TransactionList is a page of transactions as presented to the agent.
type TransactionList struct {
	Items    []map[string]any `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"pageSize"`
	HasMore  bool             `json:"hasMore"`
}

type PreflightResult struct {
	Action               string         `json:"action"`
	Risk                 tooling.Risk   `json:"risk"`
	RequiresConfirmation bool           `json:"requiresConfirmation"`
	Impact               map[string]any `json:"impact"`
	ImpactHash           string         `json:"impactHash"`
	PreflightID          string         `json:"preflightId"`
	StateWitnessHash     string         `json:"stateWitnessHash,omitempty"`
}

const (
	StatusDraft    = "draft"
	StatusExecuted = "executed"
)

// ActionResult is the outcome of CreateAction: a draft left for review, a
// fresh execution, or the replay of an earlier one.
type ActionResult struct {
	Status                string
	Replayed              bool
	Draft                 *contracts.Draft
	AutoExecuteDeniedCode string
	Execution             *contracts.Execution
}

func (r *ActionResult) MarshalJSON() ([]byte, error) {
	switch {
	case r.Status == StatusDraft:
		return json.Marshal(map[string]any{
			"status":                StatusDraft,
			"draft":                 r.Draft.Public(),
			"autoExecuteDeniedCode": contracts.Nullable(r.AutoExecuteDeniedCode),
			"review_path":           ReviewPath,
		})
	case r.Draft == nil:
		return json.Marshal(map[string]any{
			"status":    StatusExecuted,
			"replayed":  true,
			"code":      apierror.CodeIdempotencyReplay,
			"execution": r.Execution,
		})
	default:
		body := map[string]any{
			"status":    StatusExecuted,
			"draft":     map[string]any{"id": r.Draft.ID, "status": r.Draft.Status},
			"execution": r.Execution,
		}
		if r.Replayed {
			body["replayed"] = true
			body["code"] = apierror.CodeIdempotencyReplay
		}
		return json.Marshal(body)
	}
}

// ExecuteResult is the outcome of ExecuteDraft.
type ExecuteResult struct {
	Draft     *contracts.Draft     `json:"-"`
	Execution *contracts.Execution `json:"execution"`
	Replayed  bool                 `json:"replayed,omitempty"`
}

// DraftView is a draft with its latest execution attempt.
type DraftView struct {
	Draft     map[string]any       `json:"draft"`
	Execution *contracts.Execution `json:"execution"`
}
