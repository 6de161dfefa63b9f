package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/artifacts"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/finance"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/store"
	"github.com/VancouverCanada/openport/pkg/tooling"
)

var now = time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

type fixture struct {
	admin   *Engine
	agent   *agent.Engine
	store   *store.MemoryStore
	audit   *audit.Service
	hasher  *auth.TokenHasher
	exports *artifacts.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	backend := finance.NewMemoryBackend(finance.DemoSeed(now)).WithClock(clock)
	exports, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	tools, err := tooling.NewRegistry(backend, tooling.WithClock(clock), tooling.WithArtifacts(exports))
	require.NoError(t, err)
	conditions, err := policy.NewConditionEvaluator()
	require.NoError(t, err)
	hasher, err := auth.NewTokenHasher("pepper")
	require.NoError(t, err)

	s := store.NewMemoryStore()
	auditor := audit.NewService(audit.NewMemorySink()).WithClock(clock)
	agentEngine := agent.NewEngine(s, tools, backend, auditor, agent.WithClock(clock), agent.WithConditions(conditions))
	adminEngine := NewEngine(s, tools, agentEngine, auditor, hasher,
		WithClock(clock), WithConditions(conditions), WithArtifacts(exports))
	return &fixture{admin: adminEngine, agent: agentEngine, store: s, audit: auditor, hasher: hasher, exports: exports}
}

func requireCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	coded, ok := apierror.From(err)
	require.True(t, ok, "expected coded error, got %v", err)
	assert.Equal(t, status, coded.Status)
	assert.Equal(t, code, coded.Code)
}

func (f *fixture) demoApp(t *testing.T) *CreatedApp {
	t.Helper()
	created, err := f.admin.CreateApp(context.Background(), "admin_demo", CreateAppInput{
		Scope:  contracts.AppScopeWorkspace,
		Name:   "Demo Integration",
		OrgID:  "org_demo",
		Scopes: []string{"ledger.read", "transaction.read", "transaction.write", "transaction.delete", "transaction.export"},
	})
	require.NoError(t, err)
	return created
}

// agentContext authenticates as the app's default key.
func (f *fixture) agentContext(t *testing.T, created *CreatedApp) *contracts.RequestContext {
	t.Helper()
	ctx := context.Background()
	key, err := f.store.FindKeyByHash(ctx, f.hasher.Hash(created.Token))
	require.NoError(t, err)
	app, err := f.store.GetApp(ctx, created.App.ID)
	require.NoError(t, err)
	return &contracts.RequestContext{App: app, Key: key, ActorUserID: auth.ResolveActor(app)}
}

func TestCreateApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.demoApp(t)
	assert.Equal(t, "svc_org_demo", created.App.ServiceUserID)
	assert.Equal(t, contracts.AppStatusActive, created.App.Status)
	assert.Equal(t, "Default key", created.Key.Name)
	assert.True(t, strings.HasPrefix(created.Token, created.Key.TokenPrefix))
	assert.False(t, created.App.AutoExecute.Writes.Enabled)
	assert.True(t, created.App.AutoExecute.HighRisk.RequirePreflight)

	key, err := f.store.FindKeyByHash(ctx, f.hasher.Hash(created.Token))
	require.NoError(t, err)
	assert.Equal(t, created.Key.ID, key.ID)

	personal, err := f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopePersonal, Name: " Mine "})
	require.NoError(t, err)
	assert.Equal(t, "admin_demo", personal.App.UserID)
	assert.Equal(t, "Mine", personal.App.Name)
	assert.Empty(t, personal.App.OrgID)
	assert.Equal(t, []string{}, personal.App.Scopes)

	bare, err := f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopeWorkspace, Name: "Bare"})
	require.NoError(t, err)
	assert.Equal(t, "svc_workspace", bare.App.ServiceUserID)

	_, err = f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{Scope: "team", Name: "x"})
	requireCode(t, err, 400, apierror.CodeValidation)
	_, err = f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopePersonal, Name: "  "})
	requireCode(t, err, 400, apierror.CodeValidation)

	enabled := true
	_, err = f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{
		Scope: contracts.AppScopePersonal, Name: "Bad condition",
		AutoExecute: &policy.AutoExecuteInput{Writes: &policy.WritesInput{Enabled: &enabled, Condition: "payload.amountHome <"}},
	})
	requireCode(t, err, 400, apierror.CodeValidation)

	apps, err := f.admin.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 3)
	for _, a := range apps {
		assert.Len(t, a.Keys, 1)
	}
}

func TestKeysLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)

	expires := "2026-03-01T00:00:00Z"
	k, err := f.admin.CreateKey(ctx, "admin_demo", created.App.ID, CreateKeyInput{ExpiresAt: &expires})
	require.NoError(t, err)
	assert.Equal(t, "New key", k.Key.Name)
	require.NotNil(t, k.Key.ExpiresAt)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *k.Key.ExpiresAt)

	bad := "next tuesday"
	_, err = f.admin.CreateKey(ctx, "admin_demo", created.App.ID, CreateKeyInput{ExpiresAt: &bad})
	requireCode(t, err, 400, apierror.CodeValidation)

	_, err = f.admin.CreateKey(ctx, "admin_demo", "app_missing", CreateKeyInput{})
	requireCode(t, err, 404, apierror.CodeNotFound)

	revoked, err := f.admin.RevokeKey(ctx, "admin_demo", k.Key.ID)
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)

	_, err = f.admin.RevokeKey(ctx, "admin_demo", "key_missing")
	requireCode(t, err, 404, apierror.CodeNotFound)

	app, err := f.admin.RevokeApp(ctx, "admin_demo", created.App.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AppStatusRevoked, app.Status)

	keys, err := f.store.ListKeys(ctx, created.App.ID)
	require.NoError(t, err)
	for _, key := range keys {
		assert.NotNil(t, key.RevokedAt, key.ID)
	}

	_, err = f.admin.CreateKey(ctx, "admin_demo", created.App.ID, CreateKeyInput{})
	requireCode(t, err, 404, apierror.CodeNotFound)

	entries, err := f.admin.ListAudit(ctx, created.App.ID, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"agent_app.revoke", "agent_key.revoke", "agent_key.create", "agent_app.create"}, actions)
}

func TestUpdateAutoExecuteKeepsSiblingTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)

	on, off := true, false
	rows := 250.0
	_, err := f.admin.UpdateAutoExecute(ctx, "admin_demo", created.App.ID, policy.AutoExecuteInput{
		HighRisk: &policy.HighRiskInput{Enabled: &on, RequirePreflight: &off, MaxExportRows: &rows},
	})
	require.NoError(t, err)

	cfg, err := f.admin.UpdateAutoExecute(ctx, "admin_demo", created.App.ID, policy.AutoExecuteInput{
		Writes: &policy.WritesInput{Enabled: &on, AllowedActions: []string{"transaction.create"}},
	})
	require.NoError(t, err)
	assert.True(t, cfg.Writes.Enabled)
	assert.True(t, cfg.HighRisk.Enabled)
	assert.False(t, cfg.HighRisk.RequirePreflight)
	assert.Equal(t, 250, cfg.HighRisk.MaxExportRows)

	stored, err := f.store.GetApp(ctx, created.App.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg, stored.AutoExecute)

	_, err = f.admin.UpdateAutoExecute(ctx, "admin_demo", created.App.ID, policy.AutoExecuteInput{
		HighRisk: &policy.HighRiskInput{Condition: "1 + "},
	})
	requireCode(t, err, 400, apierror.CodeValidation)

	_, err = f.admin.UpdateAutoExecute(ctx, "admin_demo", "app_missing", policy.AutoExecuteInput{})
	requireCode(t, err, 404, apierror.CodeNotFound)
}

func TestUpdatePolicyAndTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)

	hidden := false
	p, err := f.admin.UpdatePolicy(ctx, "admin_demo", created.App.ID, contracts.Policy{
		Data: &contracts.DataPolicy{AllowSensitiveFields: &hidden},
	})
	require.NoError(t, err)
	require.NotNil(t, p.Data)

	stored, err := f.store.GetApp(ctx, created.App.ID)
	require.NoError(t, err)
	assert.False(t, policy.DataPolicy(stored).AllowSensitiveFields)

	tools, err := f.admin.ListAppTools(ctx, created.App.ID)
	require.NoError(t, err)
	assert.Len(t, tools, 5)

	readOnly, err := f.admin.CreateApp(ctx, "admin_demo", CreateAppInput{
		Scope: contracts.AppScopePersonal, Name: "Reader", Scopes: []string{"transaction.read"},
	})
	require.NoError(t, err)
	tools, err = f.admin.ListAppTools(ctx, readOnly.App.ID)
	require.NoError(t, err)
	assert.Empty(t, tools)
}

func TestSettingsUpdatesRefuseRevokedApp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)
	_, err := f.admin.RevokeApp(ctx, "admin_demo", created.App.ID)
	require.NoError(t, err)

	on := true
	_, err = f.admin.UpdateAutoExecute(ctx, "admin_demo", created.App.ID, policy.AutoExecuteInput{
		Writes: &policy.WritesInput{Enabled: &on},
	})
	requireCode(t, err, 403, apierror.CodeForbidden)
	_, err = f.admin.UpdatePolicy(ctx, "admin_demo", created.App.ID, contracts.Policy{})
	requireCode(t, err, 403, apierror.CodeForbidden)

	stored, err := f.store.GetApp(ctx, created.App.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AppStatusRevoked, stored.Status)
	assert.False(t, stored.AutoExecute.Writes.Enabled)
}

// revokingStore revokes the app just before the settings write lands.
type revokingStore struct {
	*store.MemoryStore
}

func (s revokingStore) UpdateAppSettings(ctx context.Context, id string, mutate func(*contracts.App) error) (*contracts.App, error) {
	if _, err := s.RevokeApp(ctx, id, now); err != nil {
		return nil, err
	}
	return s.MemoryStore.UpdateAppSettings(ctx, id, mutate)
}

func TestConcurrentRevokeWinsOverSettingsUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)

	racing := NewEngine(revokingStore{f.store}, nil, f.agent, f.audit, f.hasher,
		WithClock(func() time.Time { return now }))
	hidden := false
	_, err := racing.UpdatePolicy(ctx, "admin_demo", created.App.ID, contracts.Policy{
		Data: &contracts.DataPolicy{AllowSensitiveFields: &hidden},
	})
	requireCode(t, err, 403, apierror.CodeForbidden)

	stored, err := f.store.GetApp(ctx, created.App.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.AppStatusRevoked, stored.Status)
	assert.True(t, policy.DataPolicy(stored).AllowSensitiveFields)
}

func TestApproveDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)
	rc := f.agentContext(t, created)

	res, err := f.agent.CreateAction(ctx, rc, agent.ActionInput{
		Action:  "transaction.create",
		Payload: map[string]any{"ledgerId": "ledger_main", "kind": "expense", "title": "Monitor", "amountHome": 220.0},
	})
	require.NoError(t, err)
	require.Equal(t, agent.StatusDraft, res.Status)

	pending, err := f.admin.ListDrafts(ctx, store.DraftFilter{Status: contracts.DraftStatusDraft})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].Execution)

	out, err := f.admin.ApproveDraft(ctx, "admin_demo", res.Draft.ID, "looks right")
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionSuccess, out.Execution.Status)
	assert.Equal(t, contracts.DraftStatusConfirmed, out.Draft.Status)
	assert.Equal(t, "admin_demo", out.Draft.ConfirmedByUserID)

	detail, err := f.admin.GetDraft(ctx, res.Draft.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Execution.ID, detail.Execution.ID)

	_, err = f.admin.ApproveDraft(ctx, "admin_demo", res.Draft.ID, "")
	requireCode(t, err, 400, apierror.CodeDraftAlreadyFinal)
	_, err = f.admin.RejectDraft(ctx, "admin_demo", res.Draft.ID, "")
	requireCode(t, err, 400, apierror.CodeDraftAlreadyFinal)

	entries, err := f.admin.ListAudit(ctx, created.App.ID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "agent.draft.approve", entries[0].Action)
	assert.Equal(t, "looks right", entries[0].Details["note"])
	assert.Equal(t, "agent.action.execute", entries[1].Action)
	assert.Equal(t, "admin_demo", entries[1].PerformedByUserID)
}

func TestRejectDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)
	rc := f.agentContext(t, created)

	res, err := f.agent.CreateAction(ctx, rc, agent.ActionInput{
		Action: "transaction.delete", Payload: map[string]any{"transactionId": "txn_1"},
	})
	require.NoError(t, err)

	draft, err := f.admin.RejectDraft(ctx, "admin_demo", res.Draft.ID, "not today")
	require.NoError(t, err)
	assert.Equal(t, contracts.DraftStatusCanceled, draft.Status)
	require.NotNil(t, draft.CanceledAt)

	_, err = f.admin.ApproveDraft(ctx, "admin_demo", res.Draft.ID, "")
	requireCode(t, err, 400, apierror.CodeDraftAlreadyFinal)
	_, err = f.admin.RejectDraft(ctx, "admin_demo", "drf_missing", "")
	requireCode(t, err, 404, apierror.CodeDraftNotFound)

	canceled, err := f.admin.ListDrafts(ctx, store.DraftFilter{AppID: created.App.ID, Status: contracts.DraftStatusCanceled})
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	require.NotNil(t, canceled[0].CanceledAt)

	_, err = f.admin.ListDrafts(ctx, store.DraftFilter{Status: "archived"})
	requireCode(t, err, 400, apierror.CodeValidation)
}

func TestApproveExportDraftArchivesCSV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.demoApp(t)
	rc := f.agentContext(t, created)

	res, err := f.agent.CreateAction(ctx, rc, agent.ActionInput{
		Action: "transactions.export_csv", Payload: map[string]any{"ledgerId": "ledger_main"},
	})
	require.NoError(t, err)
	out, err := f.admin.ApproveDraft(ctx, "admin_demo", res.Draft.ID, "")
	require.NoError(t, err)

	export := out.Execution.Result["export"].(map[string]any)
	ref := export["artifact"].(string)

	data, err := f.admin.Export(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, export["csv"], string(data))

	data, err = f.admin.Export(ctx, strings.TrimPrefix(ref, "sha256:"))
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	_, err = f.admin.Export(ctx, strings.Repeat("0", 64))
	requireCode(t, err, 404, apierror.CodeNotFound)
	_, err = f.admin.Export(ctx, "../../etc/passwd")
	requireCode(t, err, 404, apierror.CodeNotFound)
}

func TestListAuditClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.demoApp(t)
	}
	entries, err := f.admin.ListAudit(ctx, "", -5)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = f.admin.ListAudit(ctx, "", 5000)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestImportAppPinsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token := "op_pinned_bootstrap_token_0001"

	imported, err := f.admin.ImportApp(ctx, "admin_demo", CreateAppInput{
		Scope: contracts.AppScopeWorkspace, Name: "Pinned", OrgID: "org_demo",
		Scopes: []string{"ledger.read"},
	}, token)
	require.NoError(t, err)
	assert.Equal(t, token, imported.Token)
	assert.Equal(t, "op_pinned_bo", imported.Key.TokenPrefix)

	key, err := f.store.FindKeyByHash(ctx, f.hasher.Hash(token))
	require.NoError(t, err)
	assert.Equal(t, imported.Key.ID, key.ID)

	_, err = f.admin.ImportApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopePersonal, Name: "Again"}, token)
	requireCode(t, err, 400, apierror.CodeValidation)
	_, err = f.admin.ImportApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopePersonal, Name: "Short"}, "op_short")
	requireCode(t, err, 400, apierror.CodeValidation)

	minted, err := f.admin.ImportApp(ctx, "admin_demo", CreateAppInput{Scope: contracts.AppScopePersonal, Name: "Minted"}, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(minted.Token, "op_"))
}
