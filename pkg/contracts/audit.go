package contracts

import "time"

// AuditStatus is the outcome recorded on an audit entry.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
	AuditDenied  AuditStatus = "denied"
)

// AuditEntry is one append-only audit event.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditEntry struct {
	ID                string         `json:"id"`
	AppID             string         `json:"app_id,omitempty"`
	KeyID             string         `json:"key_id,omitempty"`
	ActorUserID       string         `json:"actor_user_id,omitempty"`
	PerformedByUserID string         `json:"performed_by_user_id,omitempty"`
	Action            string         `json:"action"`
	Status            AuditStatus    `json:"status"`
	Code              string         `json:"code,omitempty"`
	RequestID         string         `json:"request_id,omitempty"`
	DraftID           string         `json:"draft_id,omitempty"`
	ExecutionID       string         `json:"execution_id,omitempty"`
	IP                string         `json:"ip,omitempty"`
	UserAgent         string         `json:"user_agent,omitempty"`
	Details           map[string]any `json:"details,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}
