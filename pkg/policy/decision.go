package policy

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

// RiskHigh is the risk tier governed by the high_risk config.
const RiskHigh = "high"

// AutoExecuteRequest describes one request to skip human approval.
type AutoExecuteRequest struct {
	Action         string
	Risk           string
	Payload        map[string]any
	Justification  string
	IdempotencyKey string
	PreflightHash  string
	ComputedHash   string
	Now            time.Time
}

// EvaluateAutoExecute decides whether req may run without approval. It
// returns the empty string when allowed, else the code of the first failing
// check. Conditions run last and may be nil when no tier sets one.
func EvaluateAutoExecute(cfg contracts.AutoExecute, req AutoExecuteRequest, conditions *ConditionEvaluator) string {
	vars := ConditionVars{
		Action:        req.Action,
		Risk:          req.Risk,
		Payload:       req.Payload,
		Justification: strings.TrimSpace(req.Justification),
	}

	if req.Risk == RiskHigh {
		tier := cfg.HighRisk
		if code := tierGate(tier.Enabled, tier.ExpiresAt, tier.AllowedActions, req); code != "" {
			return code
		}
		if vars.Justification == "" {
			return apierror.CodeActionInvalid
		}
		if tier.RequireIdempotency && strings.TrimSpace(req.IdempotencyKey) == "" {
			return apierror.CodeIdempotencyRequired
		}
		if tier.RequirePreflight {
			supplied := strings.TrimSpace(req.PreflightHash)
			if supplied == "" {
				return apierror.CodePreflightRequired
			}
			if supplied != req.ComputedHash {
				return apierror.CodePreflightMismatch
			}
		}
		return conditionGate(tier.Condition, vars, conditions)
	}

	tier := cfg.Writes
	if code := tierGate(tier.Enabled, tier.ExpiresAt, tier.AllowedActions, req); code != "" {
		return code
	}
	return conditionGate(tier.Condition, vars, conditions)
}

func tierGate(enabled bool, expiresAt *string, allowed []string, req AutoExecuteRequest) string {
	if !enabled {
		return apierror.CodeAutoExecuteDisabled
	}
	if IsExpired(expiresAt, req.Now) {
		return apierror.CodeAutoExecuteExpired
	}
	if allowed != nil && !slices.Contains(allowed, req.Action) {
		return apierror.CodeAutoExecuteDenied
	}
	return ""
}

func conditionGate(expr string, vars ConditionVars, conditions *ConditionEvaluator) string {
	if strings.TrimSpace(expr) == "" {
		return ""
	}
	if conditions == nil {
		return apierror.CodeAutoExecuteDenied
	}
	ok, err := conditions.Eval(expr, vars)
	if err != nil {
		slog.Default().With("component", "policy").Warn("auto-execute condition failed",
			"action", vars.Action, "error", err)
		return apierror.CodeAutoExecuteDenied
	}
	if !ok {
		return apierror.CodeAutoExecuteDenied
	}
	return ""
}

// ValidateConditions compiles the conditions of both tiers. A bad
// expression is a validation error naming the tier.
func ValidateConditions(cfg contracts.AutoExecute, conditions *ConditionEvaluator) error {
	check := func(tier, expr string) error {
		if strings.TrimSpace(expr) == "" {
			return nil
		}
		if conditions == nil {
			return apierror.Validation("Conditions are not supported")
		}
		if err := conditions.Compile(expr); err != nil {
			return apierror.Validation("Invalid " + tier + " condition").
				WithDetails(map[string]any{"tier": tier, "error": err.Error()})
		}
		return nil
	}
	if err := check("writes", cfg.Writes.Condition); err != nil {
		return err
	}
	return check("high_risk", cfg.HighRisk.Condition)
}
