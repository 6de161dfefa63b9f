// Package admin implements the operator-facing management of agent apps,
// keys, policies and drafts. Callers are trusted to have authenticated the
// operator.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/agent"
	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/artifacts"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/auth"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/store"
	"github.com/VancouverCanada/openport/pkg/tooling"
)

const (
	maxScopes         = 60
	minImportedToken  = 20
	defaultAuditLimit = 200
	maxAuditLimit     = 1000
)

// Engine serves operator requests.
type Engine struct {
	store      store.Store
	tools      *tooling.Registry
	executor   DraftExecutor
	audit      *audit.Service
	hasher     *auth.TokenHasher
	artifacts  artifacts.Store
	conditions *policy.ConditionEvaluator
	clock      func() time.Time
	logger     *slog.Logger
}

// DraftExecutor runs an approved draft. The agent engine implements it.
type DraftExecutor interface {
	ExecuteDraft(ctx context.Context, rc *contracts.RequestContext, draftID, confirmedBy string) (*agent.ExecuteResult, error)
}

type Option func(*Engine)

// WithArtifacts enables export downloads.
func WithArtifacts(s artifacts.Store) Option {
	return func(e *Engine) { e.artifacts = s }
}

// WithConditions validates CEL conditions on auto-execute updates.
func WithConditions(c *policy.ConditionEvaluator) Option {
	return func(e *Engine) { e.conditions = c }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(s store.Store, tools *tooling.Registry, executor DraftExecutor, auditor *audit.Service, hasher *auth.TokenHasher, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		tools:    tools,
		executor: executor,
		audit:    auditor,
		hasher:   hasher,
		clock:    contracts.Now,
		logger:   slog.Default().With("component", "admin"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AppWithKeys is an app listed with the public view of its keys.
type AppWithKeys struct {
	*contracts.App
	Keys []contracts.PublicKey `json:"keys"`
}

func (e *Engine) ListApps(ctx context.Context) ([]AppWithKeys, error) {
	apps, err := e.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AppWithKeys, 0, len(apps))
	for _, app := range apps {
		keys, err := e.store.ListKeys(ctx, app.ID)
		if err != nil {
			return nil, err
		}
		views := make([]contracts.PublicKey, 0, len(keys))
		for _, k := range keys {
			views = append(views, k.Public())
		}
		out = append(out, AppWithKeys{App: app, Keys: views})
	}
	return out, nil
}

// CreateAppInput is the body of an app creation request.
type CreateAppInput struct {
	Scope         contracts.AppScope       `json:"scope" yaml:"scope"`
	Name          string                   `json:"name" yaml:"name"`
	Description   string                   `json:"description" yaml:"description"`
	OrgID         string                   `json:"org_id" yaml:"org_id"`
	UserID        string                   `json:"user_id" yaml:"user_id"`
	ServiceUserID string                   `json:"service_user_id" yaml:"service_user_id"`
	Scopes        []string                 `json:"scopes" yaml:"scopes"`
	Policy        *contracts.Policy        `json:"policy" yaml:"policy"`
	AutoExecute   *policy.AutoExecuteInput `json:"auto_execute" yaml:"auto_execute"`
}

// CreatedApp carries the only copy of the new key's token.
type CreatedApp struct {
	App   *contracts.App      `json:"app"`
	Key   contracts.PublicKey `json:"key"`
	Token string              `json:"token"`
}

// CreateApp registers an app and mints its default key.
func (e *Engine) CreateApp(ctx context.Context, operatorID string, in CreateAppInput) (*CreatedApp, error) {
	return e.createApp(ctx, operatorID, in, "")
}

// ImportApp registers an app whose default key uses a token issued
// elsewhere, such as one pinned in a bootstrap file. An empty token mints
// a fresh one.
func (e *Engine) ImportApp(ctx context.Context, operatorID string, in CreateAppInput, token string) (*CreatedApp, error) {
	token = strings.TrimSpace(token)
	if token != "" && (!strings.HasPrefix(token, "op_") || len(token) < minImportedToken) {
		return nil, apierror.Validation("token must start with op_ and be at least 20 characters")
	}
	if token != "" {
		_, err := e.store.FindKeyByHash(ctx, e.hasher.Hash(token))
		if err == nil {
			return nil, apierror.Validation("token already registered")
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return e.createApp(ctx, operatorID, in, token)
}

func (e *Engine) createApp(ctx context.Context, operatorID string, in CreateAppInput, token string) (*CreatedApp, error) {
	if in.Scope != contracts.AppScopePersonal && in.Scope != contracts.AppScopeWorkspace {
		return nil, apierror.Validation("scope must be personal or workspace")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apierror.Validation("name required")
	}

	now := e.clock()
	app := &contracts.App{
		ID:          contracts.NewID("app"),
		Scope:       in.Scope,
		Status:      contracts.AppStatusActive,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Scopes:      policy.StringList(in.Scopes, maxScopes),
		AutoExecute: policy.DefaultAutoExecute(),
		CreatedBy:   operatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if app.Scopes == nil {
		app.Scopes = []string{}
	}
	if in.Scope == contracts.AppScopePersonal {
		app.UserID = firstNonEmpty(in.UserID, operatorID)
	} else {
		app.OrgID = strings.TrimSpace(in.OrgID)
		app.ServiceUserID = firstNonEmpty(in.ServiceUserID, "svc_"+firstNonEmpty(app.OrgID, "workspace"))
	}
	if in.Policy != nil {
		app.Policy = *in.Policy
	}
	if in.AutoExecute != nil {
		app.AutoExecute = policy.MergeAutoExecute(*in.AutoExecute, app.AutoExecute)
		if err := policy.ValidateConditions(app.AutoExecute, e.conditions); err != nil {
			return nil, err
		}
	}
	if err := e.store.CreateApp(ctx, app); err != nil {
		return nil, err
	}

	key, token, err := e.mintKey(ctx, app.ID, "Default key", nil, operatorID, token)
	if err != nil {
		return nil, err
	}

	e.log(ctx, audit.Event{
		AppID:             app.ID,
		KeyID:             key.ID,
		ActorUserID:       actorFor(app, operatorID),
		PerformedByUserID: operatorID,
		Action:            "agent_app.create",
		Details: map[string]any{
			"scope":  app.Scope,
			"orgId":  contracts.Nullable(app.OrgID),
			"name":   app.Name,
			"scopes": app.Scopes,
		},
	})
	return &CreatedApp{App: app, Key: key.Public(), Token: token}, nil
}

// CreateKeyInput is the body of a key creation request. ExpiresAt is an
// RFC 3339 timestamp.
type CreateKeyInput struct {
	Name      string  `json:"name"`
	ExpiresAt *string `json:"expiresAt"`
}

type CreatedKey struct {
	Key   contracts.PublicKey `json:"key"`
	Token string              `json:"token"`
}

// CreateKey mints another key for an active app.
func (e *Engine) CreateKey(ctx context.Context, operatorID, appID string, in CreateKeyInput) (*CreatedKey, error) {
	app, err := e.app(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.Status != contracts.AppStatusActive {
		return nil, apierror.NotFound("Agent app not found")
	}

	var expiresAt *time.Time
	if in.ExpiresAt != nil && strings.TrimSpace(*in.ExpiresAt) != "" {
		t, err := contracts.ParseTime(strings.TrimSpace(*in.ExpiresAt))
		if err != nil {
			return nil, apierror.Validation("expiresAt must be an RFC 3339 timestamp")
		}
		expiresAt = &t
	}

	key, token, err := e.mintKey(ctx, app.ID, firstNonEmpty(in.Name, "New key"), expiresAt, operatorID, "")
	if err != nil {
		return nil, err
	}
	e.log(ctx, audit.Event{
		AppID:             app.ID,
		KeyID:             key.ID,
		ActorUserID:       actorFor(app, operatorID),
		PerformedByUserID: operatorID,
		Action:            "agent_key.create",
		Details:           map[string]any{"keyId": key.ID},
	})
	return &CreatedKey{Key: key.Public(), Token: token}, nil
}

func (e *Engine) mintKey(ctx context.Context, appID, name string, expiresAt *time.Time, operatorID, token string) (*contracts.Key, string, error) {
	prefix := auth.TokenPrefix(token)
	if token == "" {
		var err error
		if token, prefix, err = auth.GenerateToken(); err != nil {
			return nil, "", err
		}
	}
	key := &contracts.Key{
		ID:          contracts.NewID("key"),
		AppID:       appID,
		Name:        name,
		TokenPrefix: prefix,
		TokenHash:   e.hasher.Hash(token),
		ExpiresAt:   expiresAt,
		CreatedBy:   operatorID,
		CreatedAt:   e.clock(),
	}
	if err := e.store.CreateKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, token, nil
}

// RevokeApp revokes the app and every key it owns.
func (e *Engine) RevokeApp(ctx context.Context, operatorID, appID string) (*contracts.App, error) {
	app, err := e.store.RevokeApp(ctx, strings.TrimSpace(appID), e.clock())
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("Agent app not found")
	}
	if err != nil {
		return nil, err
	}
	e.log(ctx, audit.Event{
		AppID:             app.ID,
		ActorUserID:       actorFor(app, operatorID),
		PerformedByUserID: operatorID,
		Action:            "agent_app.revoke",
	})
	return app, nil
}

func (e *Engine) RevokeKey(ctx context.Context, operatorID, keyID string) (contracts.PublicKey, error) {
	key, err := e.store.RevokeKey(ctx, strings.TrimSpace(keyID), e.clock())
	if errors.Is(err, store.ErrNotFound) {
		return contracts.PublicKey{}, apierror.NotFound("Agent key not found")
	}
	if err != nil {
		return contracts.PublicKey{}, err
	}
	actor := operatorID
	if app, err := e.store.GetApp(ctx, key.AppID); err == nil {
		actor = actorFor(app, operatorID)
	}
	e.log(ctx, audit.Event{
		AppID:             key.AppID,
		KeyID:             key.ID,
		ActorUserID:       actor,
		PerformedByUserID: operatorID,
		Action:            "agent_key.revoke",
	})
	return key.Public(), nil
}

// UpdatePolicy replaces the app's policy.
func (e *Engine) UpdatePolicy(ctx context.Context, operatorID, appID string, p contracts.Policy) (contracts.Policy, error) {
	app, err := e.updateSettings(ctx, appID, func(app *contracts.App) error {
		app.Policy = p
		return nil
	})
	if err != nil {
		return contracts.Policy{}, err
	}
	e.log(ctx, audit.Event{
		AppID:             app.ID,
		ActorUserID:       actorFor(app, operatorID),
		PerformedByUserID: operatorID,
		Action:            "agent_app.policy.update",
		Details:           map[string]any{"policy": p},
	})
	return app.Policy, nil
}

// UpdateAutoExecute merges in over the stored config one tier at a time,
// so updating one tier never resets the other.
func (e *Engine) UpdateAutoExecute(ctx context.Context, operatorID, appID string, in policy.AutoExecuteInput) (contracts.AutoExecute, error) {
	app, err := e.updateSettings(ctx, appID, func(app *contracts.App) error {
		merged := policy.MergeAutoExecute(in, app.AutoExecute)
		if err := policy.ValidateConditions(merged, e.conditions); err != nil {
			return err
		}
		app.AutoExecute = merged
		return nil
	})
	if err != nil {
		return contracts.AutoExecute{}, err
	}
	e.log(ctx, audit.Event{
		AppID:             app.ID,
		ActorUserID:       actorFor(app, operatorID),
		PerformedByUserID: operatorID,
		Action:            "agent_app.auto_execute.update",
		Details:           map[string]any{"auto_execute": app.AutoExecute},
	})
	return app.AutoExecute, nil
}

// updateSettings applies mutate to the stored app in one store operation.
// Revoked apps are read-only.
func (e *Engine) updateSettings(ctx context.Context, appID string, mutate func(*contracts.App) error) (*contracts.App, error) {
	now := e.clock()
	app, err := e.store.UpdateAppSettings(ctx, strings.TrimSpace(appID), func(app *contracts.App) error {
		if err := mutate(app); err != nil {
			return err
		}
		app.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apierror.NotFound("Agent app not found")
	case errors.Is(err, store.ErrConflict):
		return nil, apierror.Forbidden("Agent app is revoked")
	}
	return app, err
}

// ToolSummary is an action tool as shown to operators.
type ToolSummary struct {
	Name                 string              `json:"name"`
	Description          string              `json:"description"`
	Risk                 tooling.Risk        `json:"risk"`
	RequiredScopes       []string            `json:"requiredScopes"`
	RequiresConfirmation bool                `json:"requiresConfirmation"`
	HTTP                 tooling.HTTPBinding `json:"http"`
}

// ListAppTools lists the action tools the app's scopes unlock.
func (e *Engine) ListAppTools(ctx context.Context, appID string) ([]ToolSummary, error) {
	app, err := e.app(ctx, appID)
	if err != nil {
		return nil, err
	}
	tools := e.tools.ActionTools(app)
	out := make([]ToolSummary, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolSummary{
			Name:                 t.Name,
			Description:          t.Description,
			Risk:                 t.Risk,
			RequiredScopes:       t.RequiredScopes,
			RequiresConfirmation: t.RequiresConfirmation,
			HTTP:                 t.HTTP,
		})
	}
	return out, nil
}

// ListAudit returns audit entries newest first. limit is clamped to
// 1..1000; zero means 200.
func (e *Engine) ListAudit(ctx context.Context, appID string, limit int) ([]*contracts.AuditEntry, error) {
	if limit == 0 {
		limit = defaultAuditLimit
	}
	limit = min(max(limit, 1), maxAuditLimit)
	return e.audit.List(ctx, audit.Filter{AppID: strings.TrimSpace(appID), Limit: limit})
}

// Export returns an archived CSV export by its content hash.
func (e *Engine) Export(ctx context.Context, hash string) ([]byte, error) {
	if e.artifacts == nil {
		return nil, apierror.NotFound("Export not found")
	}
	ref := strings.TrimSpace(hash)
	if !strings.HasPrefix(ref, "sha256:") {
		ref = "sha256:" + ref
	}
	data, err := e.artifacts.Get(ctx, ref)
	if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrInvalidRef) {
		return nil, apierror.NotFound("Export not found")
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Engine) app(ctx context.Context, id string) (*contracts.App, error) {
	app, err := e.store.GetApp(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.NotFound("Agent app not found")
	}
	return app, err
}

// log writes an operator audit event. The operation has already happened,
// so a failing sink is logged rather than returned.
func (e *Engine) log(ctx context.Context, ev audit.Event) {
	if ev.Status == "" {
		ev.Status = contracts.AuditSuccess
	}
	if ev.RequestID == "" {
		ev.RequestID = auth.GetRequestID(ctx)
	}
	if _, err := e.audit.Log(ctx, ev); err != nil {
		e.logger.Error("audit write failed", "action", ev.Action, "error", err)
	}
}

// actorFor is the user an operator action on app is attributed to.
func actorFor(app *contracts.App, operatorID string) string {
	return firstNonEmpty(app.ServiceUserID, app.UserID, operatorID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
