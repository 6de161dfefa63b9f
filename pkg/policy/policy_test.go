package policy

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/contracts"
)

var now = time.Date(2026, 2, 13, 9, 30, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func bptr(v bool) *bool      { return &v }
func sptr(v string) *string  { return &v }

func appWith(data *contracts.DataPolicy) *contracts.App {
	return &contracts.App{
		ID:     "app_1",
		Scope:  contracts.AppScopeWorkspace,
		OrgID:  "org_demo",
		Scopes: []string{"ledger.read", "transaction.read"},
		Policy: contracts.Policy{Data: data},
	}
}

func assertCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	e, ok := apierror.From(err)
	require.True(t, ok, "expected coded error, got %v", err)
	assert.Equal(t, status, e.Status)
	assert.Equal(t, code, e.Code)
}

func TestDataPolicyNormalisation(t *testing.T) {
	p := DataPolicy(appWith(&contracts.DataPolicy{
		AllowedLedgerIDs: []string{" ledger_main ", "", "ledger_main", "ledger_ops"},
		AllowedOrgIDs:    []string{"  "},
		MaxDays:          f64(12.9),
	}))
	assert.Equal(t, []string{"ledger_main", "ledger_ops"}, p.AllowedLedgerIDs)
	assert.Nil(t, p.AllowedOrgIDs)
	assert.Equal(t, 12, p.MaxDays)
	assert.True(t, p.AllowSensitiveFields)

	assert.Equal(t, 3650, DataPolicy(appWith(&contracts.DataPolicy{MaxDays: f64(99999)})).MaxDays)
	assert.Equal(t, 1, DataPolicy(appWith(&contracts.DataPolicy{MaxDays: f64(0.5)})).MaxDays)
	assert.Zero(t, DataPolicy(appWith(&contracts.DataPolicy{MaxDays: f64(-3)})).MaxDays)
	assert.False(t, DataPolicy(appWith(&contracts.DataPolicy{AllowSensitiveFields: bptr(false)})).AllowSensitiveFields)

	empty := DataPolicy(appWith(nil))
	assert.Nil(t, empty.AllowedLedgerIDs)
	assert.Zero(t, empty.MaxDays)
	assert.True(t, empty.AllowSensitiveFields)
}

func TestStringListCaps(t *testing.T) {
	in := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		in = append(in, fmt.Sprintf("ledger_%d", i))
	}
	assert.Len(t, StringList(in, maxLedgerIDs), maxLedgerIDs)
	assert.Nil(t, StringList([]string{}, 10))
}

func TestEnsureScope(t *testing.T) {
	app := appWith(nil)
	require.NoError(t, EnsureScope(app, []string{"ledger.read"}))
	require.NoError(t, EnsureScope(app, nil))
	assertCode(t, EnsureScope(app, []string{"ledger.read", "transaction.delete"}), http.StatusForbidden, apierror.CodeScopeDenied)
}

func TestEnsureLedgerAndOrgAllowed(t *testing.T) {
	open := appWith(nil)
	require.NoError(t, EnsureLedgerAllowed(open, "anything"))
	require.NoError(t, EnsureOrgAllowed(open, "anything"))

	restricted := appWith(&contracts.DataPolicy{
		AllowedLedgerIDs: []string{"ledger_main"},
		AllowedOrgIDs:    []string{"org_demo"},
	})
	require.NoError(t, EnsureLedgerAllowed(restricted, "ledger_main"))
	assertCode(t, EnsureLedgerAllowed(restricted, "ledger_ops"), http.StatusForbidden, apierror.CodePolicyDenied)
	assertCode(t, EnsureOrgAllowed(restricted, "org_other"), http.StatusForbidden, apierror.CodePolicyDenied)
}

func TestEnsureWorkspaceBoundary(t *testing.T) {
	app := appWith(nil)
	require.NoError(t, EnsureWorkspaceBoundary(app, "org_demo", ""))
	require.NoError(t, EnsureWorkspaceBoundary(app, "", ""))

	err := EnsureWorkspaceBoundary(app, "org_other", "")
	assertCode(t, err, http.StatusForbidden, apierror.CodePolicyDenied)
	assert.Contains(t, err.Error(), "Ledger not allowed")

	err = EnsureWorkspaceBoundary(app, "org_demo", "org_other")
	assert.Contains(t, err.Error(), "Organization not allowed")

	misconfigured := appWith(nil)
	misconfigured.OrgID = ""
	assertCode(t, EnsureWorkspaceBoundary(misconfigured, "org_demo", ""), http.StatusForbidden, apierror.CodeForbidden)

	personal := &contracts.App{Scope: contracts.AppScopePersonal, UserID: "user_1"}
	require.NoError(t, EnsureWorkspaceBoundary(personal, "org_other", "org_other"))
}

func TestResolveDateRangeDefaultsToWindow(t *testing.T) {
	app := appWith(&contracts.DataPolicy{MaxDays: f64(30)})
	r, err := ResolveDateRange(app, "", "", now)
	require.NoError(t, err)
	assert.Equal(t, DateRange{StartDate: "2026-01-14", EndDate: "2026-02-13"}, r)
}

func TestResolveDateRangeRejectsWideWindow(t *testing.T) {
	app := appWith(&contracts.DataPolicy{MaxDays: f64(7)})
	_, err := ResolveDateRange(app, "2026-01-01", "2026-02-01", now)
	assertCode(t, err, http.StatusForbidden, apierror.CodePolicyDenied)
}

func TestResolveDateRangeRejectsInvertedBounds(t *testing.T) {
	app := appWith(&contracts.DataPolicy{MaxDays: f64(30)})
	_, err := ResolveDateRange(app, "2026-02-10", "2026-02-01", now)
	assertCode(t, err, http.StatusBadRequest, apierror.CodeActionInvalid)
}

func TestResolveDateRangeStartOnly(t *testing.T) {
	app := appWith(&contracts.DataPolicy{MaxDays: f64(30)})
	r, err := ResolveDateRange(app, "2026-02-01", "", now)
	require.NoError(t, err)
	assert.Equal(t, DateRange{StartDate: "2026-02-01", EndDate: "2026-02-13"}, r)
}

func TestResolveDateRangePassThrough(t *testing.T) {
	app := appWith(nil)
	r, err := ResolveDateRange(app, "2020-01-01", "not a date", now)
	require.NoError(t, err)
	assert.Equal(t, DateRange{StartDate: "2020-01-01"}, r)

	r, err = ResolveDateRange(app, "", "", now)
	require.NoError(t, err)
	assert.Equal(t, DateRange{}, r)
}

func TestParseDate(t *testing.T) {
	end, ok := ParseDate("2026-02-13", true)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 13, 23, 59, 59, int(999*time.Millisecond), time.UTC), end)

	start, ok := ParseDate("2026-02-13", false)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC), start)

	ts, ok := ParseDate("2026-02-13T10:00:00+02:00", true)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 13, 8, 0, 0, 0, time.UTC), ts)

	_, ok = ParseDate("13/02/2026", false)
	assert.False(t, ok)
}

func TestIsExpired(t *testing.T) {
	assert.False(t, IsExpired(nil, now))
	assert.False(t, IsExpired(sptr(""), now))
	assert.True(t, IsExpired(sptr("soon"), now))
	assert.True(t, IsExpired(sptr("2026-02-13T09:30:00Z"), now))
	assert.False(t, IsExpired(sptr("2026-03-01T00:00:00Z"), now))
}

func TestClampInt(t *testing.T) {
	assert.Equal(t, 50, ClampInt(nil, 1, 200, 50))
	assert.Equal(t, 50, ClampInt("abc", 1, 200, 50))
	assert.Equal(t, 200, ClampInt(9999.0, 1, 200, 50))
	assert.Equal(t, 1, ClampInt(-4, 1, 200, 50))
	assert.Equal(t, 12, ClampInt("12.7", 1, 200, 50))
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := DefaultAutoExecute()
	assert.False(t, cfg.Writes.Enabled)
	assert.Nil(t, cfg.Writes.AllowedActions)
	assert.False(t, cfg.HighRisk.Enabled)
	assert.True(t, cfg.HighRisk.RequirePreflight)
	assert.True(t, cfg.HighRisk.RequireIdempotency)
	assert.Equal(t, 1000, cfg.HighRisk.MaxExportRows)

	hr := NormalizeHighRisk(HighRiskInput{MaxExportRows: f64(12), RequirePreflight: bptr(false)})
	assert.Equal(t, 100, hr.MaxExportRows)
	assert.False(t, hr.RequirePreflight)
	assert.Equal(t, 5000, NormalizeHighRisk(HighRiskInput{MaxExportRows: f64(1e9)}).MaxExportRows)

	w := NormalizeWrites(WritesInput{AllowedActions: []string{}, ExpiresAt: sptr("")})
	assert.NotNil(t, w.AllowedActions)
	assert.Empty(t, w.AllowedActions)
	assert.Nil(t, w.ExpiresAt)
}

func TestMergeKeepsSiblingTier(t *testing.T) {
	existing := MergeAutoExecute(AutoExecuteInput{
		HighRisk: &HighRiskInput{Enabled: bptr(true), MaxExportRows: f64(2500), AllowedActions: []string{"transaction.delete"}},
	}, DefaultAutoExecute())

	updated := MergeAutoExecute(AutoExecuteInput{
		Writes: &WritesInput{Enabled: bptr(true)},
	}, existing)

	assert.True(t, updated.Writes.Enabled)
	assert.True(t, updated.HighRisk.Enabled)
	assert.Equal(t, 2500, updated.HighRisk.MaxExportRows)
	assert.Equal(t, []string{"transaction.delete"}, updated.HighRisk.AllowedActions)
}

func TestMaxExportRows(t *testing.T) {
	assert.Equal(t, 1000, MaxExportRows(contracts.AutoExecute{}))
	assert.Equal(t, 100, MaxExportRows(contracts.AutoExecute{HighRisk: contracts.HighRiskTier{MaxExportRows: 3}}))
}
