package contracts

import "time"

// DraftStatus is the state of a Draft.
//
//	draft ──► confirmed
//	  │   └─► failed
//	  └─────► canceled
type DraftStatus string

const (
	DraftStatusDraft     DraftStatus = "draft"
	DraftStatusConfirmed DraftStatus = "confirmed"
	DraftStatusCanceled  DraftStatus = "canceled"
	DraftStatusFailed    DraftStatus = "failed"
)

// Draft is an agent-initiated action awaiting auto-execution or review.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Draft struct {
	ID                   string         `json:"id"`
	AppID                string         `json:"app_id"`
	KeyID                string         `json:"key_id"`
	ActorUserID          string         `json:"actor_user_id"`
	ActionType           string         `json:"action_type"`
	Payload              map[string]any `json:"payload"`
	Status               DraftStatus    `json:"status"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	AutoExecuteRequested bool           `json:"auto_execute_requested"`
	RequestID            string         `json:"request_id,omitempty"`
	IdempotencyKey       string         `json:"idempotency_key,omitempty"`
	Justification        string         `json:"justification,omitempty"`
	Preflight            map[string]any `json:"preflight"`
	PreflightHash        string         `json:"preflight_hash,omitempty"`
	PolicySnapshot       map[string]any `json:"policy_snapshot"`
	StateWitness         map[string]any `json:"state_witness,omitempty"`
	StateWitnessHash     string         `json:"state_witness_hash,omitempty"`
	ConfirmedByUserID    string         `json:"confirmed_by_user_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	ConfirmedAt          *time.Time     `json:"confirmed_at"`
	CanceledAt           *time.Time     `json:"canceled_at"`
}

// Public is the agent-facing projection of a draft.
func (d *Draft) Public() map[string]any {
	return map[string]any{
		"id":                     d.ID,
		"app_id":                 d.AppID,
		"key_id":                 d.KeyID,
		"action_type":            d.ActionType,
		"payload":                d.Payload,
		"status":                 d.Status,
		"requires_confirmation":  d.RequiresConfirmation,
		"auto_execute_requested": d.AutoExecuteRequested,
		"justification":          Nullable(d.Justification),
		"state_witness_hash":     Nullable(d.StateWitnessHash),
		"created_at":             d.CreatedAt,
		"updated_at":             d.UpdatedAt,
		"confirmed_at":           d.ConfirmedAt,
		"canceled_at":            d.CanceledAt,
	}
}

// ExecutionStatus is the outcome of one execution attempt.
type ExecutionStatus string

const (
	// ExecutionPending reserves an idempotency key while the tool runs.
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is the record of one execution attempt of a Draft. It is
// written pending before the tool runs and settled exactly once.
type Execution struct {
	ID             string          `json:"id"`
	DraftID        string          `json:"draft_id"`
	AppID          string          `json:"app_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Result         map[string]any  `json:"result"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PreflightRecord binds a payload and its computed impact to a hash for a
// limited time. It is redeemable only by the principal that created it.
type PreflightRecord struct {
	ID               string
	AppID            string
	KeyID            string
	ActorUserID      string
	ActionType       string
	Payload          map[string]any
	Impact           map[string]any
	ImpactHash       string
	StateWitness     map[string]any
	StateWitnessHash string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// Nullable maps the empty string to a JSON null.
func Nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
