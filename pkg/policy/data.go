// Package policy evaluates an agent app's declared scopes, data visibility
// rules and auto-execute configuration. Every evaluator is pure: it reads the
// app and returns a coded error, never touching storage.
package policy

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

const (
	maxLedgerIDs = 500
	maxOrgIDs    = 200
	maxDaysLimit = 3650

	day = 24 * time.Hour
)

// EffectiveDataPolicy is the normalised view of an app's data policy.
// A nil allowlist means unrestricted; MaxDays zero means no lookback window.
type EffectiveDataPolicy struct {
	AllowedLedgerIDs     []string
	AllowedOrgIDs        []string
	MaxDays              int
	AllowSensitiveFields bool
}

// DataPolicy normalises the data policy configured on app.
func DataPolicy(app *contracts.App) EffectiveDataPolicy {
	var data contracts.DataPolicy
	if app != nil && app.Policy.Data != nil {
		data = *app.Policy.Data
	}
	out := EffectiveDataPolicy{
		AllowedLedgerIDs:     StringList(data.AllowedLedgerIDs, maxLedgerIDs),
		AllowedOrgIDs:        StringList(data.AllowedOrgIDs, maxOrgIDs),
		AllowSensitiveFields: data.AllowSensitiveFields == nil || *data.AllowSensitiveFields,
	}
	if data.MaxDays != nil {
		out.MaxDays = normalizeMaxDays(*data.MaxDays)
	}
	return out
}

func normalizeMaxDays(v float64) int {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return clamp(int(math.Min(math.Trunc(v), maxDaysLimit)), 1, maxDaysLimit)
}

// StringList trims entries, drops empties and duplicates and keeps at most
// max entries. An empty result is nil.
func StringList(values []string, max int) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EnsureScope requires every scope in required to be held by app.
func EnsureScope(app *contracts.App, required []string) error {
	for _, scope := range required {
		if !app.HasScope(scope) {
			return apierror.ScopeDenied("Insufficient permissions")
		}
	}
	return nil
}

// EnsureLedgerAllowed checks ledgerID against the ledger allowlist.
func EnsureLedgerAllowed(app *contracts.App, ledgerID string) error {
	allowed := DataPolicy(app).AllowedLedgerIDs
	if allowed != nil && !slices.Contains(allowed, ledgerID) {
		return apierror.PolicyDenied("Ledger not allowed for this integration")
	}
	return nil
}

// EnsureOrgAllowed checks orgID against the organization allowlist.
func EnsureOrgAllowed(app *contracts.App, orgID string) error {
	allowed := DataPolicy(app).AllowedOrgIDs
	if allowed != nil && !slices.Contains(allowed, orgID) {
		return apierror.PolicyDenied("Organization not allowed for this integration")
	}
	return nil
}

// EnsureWorkspaceBoundary keeps workspace apps inside their own organization.
// Empty arguments are not checked; personal apps are never checked.
func EnsureWorkspaceBoundary(app *contracts.App, ledgerOrgID, orgID string) error {
	if app.Scope != contracts.AppScopeWorkspace {
		return nil
	}
	if app.OrgID == "" {
		return apierror.Forbidden("Agent app is misconfigured")
	}
	if orgID != "" && orgID != app.OrgID {
		return apierror.PolicyDenied("Organization not allowed for this integration")
	}
	if ledgerOrgID != "" && ledgerOrgID != app.OrgID {
		return apierror.PolicyDenied("Ledger not allowed for this integration")
	}
	return nil
}

// DateRange is a resolved listing window. StartDate and EndDate are empty
// when the bound is open.
type DateRange struct {
	StartDate string
	EndDate   string
}

// ResolveDateRange applies the app's lookback window to caller supplied
// bounds. Without a window the bounds pass through verbatim when they parse.
// With one, missing bounds default to now and now minus the window, and the
// result is truncated to calendar days.
func ResolveDateRange(app *contracts.App, startDate, endDate string, now time.Time) (DateRange, error) {
	maxDays := DataPolicy(app).MaxDays
	start, hasStart := ParseDate(startDate, false)
	end, hasEnd := ParseDate(endDate, true)

	if maxDays == 0 {
		var out DateRange
		if hasStart {
			out.StartDate = startDate
		}
		if hasEnd {
			out.EndDate = endDate
		}
		return out, nil
	}

	window := time.Duration(maxDays) * day
	if !hasEnd {
		end = now.UTC()
	}
	if !hasStart {
		start = end.Add(-window)
	}
	if start.After(end) {
		return DateRange{}, apierror.ActionInvalid("Invalid date range")
	}
	if end.Sub(start) > window {
		return DateRange{}, apierror.PolicyDenied("Date range exceeds allowed window")
	}
	return DateRange{
		StartDate: start.UTC().Format(time.DateOnly),
		EndDate:   end.UTC().Format(time.DateOnly),
	}, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseDate parses a calendar date or an RFC 3339 timestamp. Timestamps
// without an offset are UTC. A date-only end bound is the last millisecond
// of that day.
func ParseDate(value string, isEnd bool) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		t = t.UTC()
		if isEnd && len(value) <= len(time.DateOnly) {
			t = t.Add(day - time.Millisecond)
		}
		return t, true
	}
	return time.Time{}, false
}

// IsExpired reports whether an auto-execute expiry has passed. An absent
// expiry never expires; one that does not parse is treated as expired.
func IsExpired(expiresAt *string, now time.Time) bool {
	if expiresAt == nil || strings.TrimSpace(*expiresAt) == "" {
		return false
	}
	t, ok := ParseDate(*expiresAt, false)
	if !ok {
		return true
	}
	return !t.After(now)
}

// ClampInt converts value to an int clamped to [min, max]. Non-numeric
// values yield fallback; fractions are truncated.
func ClampInt(value any, min, max, fallback int) int {
	f, ok := toFloat(value)
	if !ok {
		return fallback
	}
	f = math.Trunc(f)
	if f < float64(min) {
		return min
	}
	if f > float64(max) {
		return max
	}
	return int(f)
}

func toFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
