package policy

import (
	"math"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

const (
	defaultMaxExportRows = 1000
	minExportRows        = 100
	maxExportRows        = 5000
)

// AutoExecuteInput is an operator update of the auto-execute config. A nil
// tier keeps the stored tier.
type AutoExecuteInput struct {
	Writes   *WritesInput   `json:"writes" yaml:"writes"`
	HighRisk *HighRiskInput `json:"high_risk" yaml:"high_risk"`
}

// WritesInput is the raw writes tier. A nil AllowedActions means no
// allowlist; an empty one denies every action.
type WritesInput struct {
	Enabled        *bool    `json:"enabled" yaml:"enabled"`
	ExpiresAt      *string  `json:"expires_at" yaml:"expires_at"`
	AllowedActions []string `json:"allowed_actions" yaml:"allowed_actions"`
	Condition      string   `json:"condition" yaml:"condition"`
}

// HighRiskInput is the raw high risk tier.
type HighRiskInput struct {
	Enabled            *bool    `json:"enabled" yaml:"enabled"`
	ExpiresAt          *string  `json:"expires_at" yaml:"expires_at"`
	RequirePreflight   *bool    `json:"require_preflight" yaml:"require_preflight"`
	RequireIdempotency *bool    `json:"require_idempotency" yaml:"require_idempotency"`
	MaxExportRows      *float64 `json:"max_export_rows" yaml:"max_export_rows"`
	AllowedActions     []string `json:"allowed_actions" yaml:"allowed_actions"`
	Condition          string   `json:"condition" yaml:"condition"`
}

// DefaultAutoExecute is the config of an app that never configured
// auto-execution: both tiers disabled, high risk guards on.
func DefaultAutoExecute() contracts.AutoExecute {
	return contracts.AutoExecute{
		Writes:   NormalizeWrites(WritesInput{}),
		HighRisk: NormalizeHighRisk(HighRiskInput{}),
	}
}

// NormalizeWrites applies defaults to a writes tier.
func NormalizeWrites(in WritesInput) contracts.WritesTier {
	return contracts.WritesTier{
		Enabled:        in.Enabled != nil && *in.Enabled,
		ExpiresAt:      nonEmpty(in.ExpiresAt),
		AllowedActions: cloneList(in.AllowedActions),
		Condition:      in.Condition,
	}
}

// NormalizeHighRisk applies defaults to a high risk tier. Preflight and
// idempotency are required unless explicitly disabled.
func NormalizeHighRisk(in HighRiskInput) contracts.HighRiskTier {
	rows := defaultMaxExportRows
	if in.MaxExportRows != nil && !math.IsNaN(*in.MaxExportRows) && !math.IsInf(*in.MaxExportRows, 0) {
		rows = ClampInt(*in.MaxExportRows, minExportRows, maxExportRows, defaultMaxExportRows)
	}
	return contracts.HighRiskTier{
		Enabled:            in.Enabled != nil && *in.Enabled,
		ExpiresAt:          nonEmpty(in.ExpiresAt),
		RequirePreflight:   in.RequirePreflight == nil || *in.RequirePreflight,
		RequireIdempotency: in.RequireIdempotency == nil || *in.RequireIdempotency,
		MaxExportRows:      rows,
		AllowedActions:     cloneList(in.AllowedActions),
		Condition:          in.Condition,
	}
}

// MergeAutoExecute overlays in onto existing. Each tier present in the input
// is normalised on its own; an absent tier keeps the stored one, so an update
// of writes never erases a configured high_risk block.
func MergeAutoExecute(in AutoExecuteInput, existing contracts.AutoExecute) contracts.AutoExecute {
	out := contracts.AutoExecute{
		Writes:   existing.Writes,
		HighRisk: existing.HighRisk,
	}
	out.Writes.AllowedActions = cloneList(existing.Writes.AllowedActions)
	out.HighRisk.AllowedActions = cloneList(existing.HighRisk.AllowedActions)
	if in.Writes != nil {
		out.Writes = NormalizeWrites(*in.Writes)
	}
	if in.HighRisk != nil {
		out.HighRisk = NormalizeHighRisk(*in.HighRisk)
	}
	return out
}

// MaxExportRows returns the export row bound of cfg, clamped to the
// supported range even when the stored value predates normalisation.
func MaxExportRows(cfg contracts.AutoExecute) int {
	if cfg.HighRisk.MaxExportRows == 0 {
		return defaultMaxExportRows
	}
	return clamp(cfg.HighRisk.MaxExportRows, minExportRows, maxExportRows)
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	v := *s
	return &v
}

func cloneList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
