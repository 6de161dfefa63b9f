// Package agent implements the agent-facing operations of the gateway:
// discovery, scoped reads, preflight commitments and the decision to draft
// or execute an action.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/audit"
	"github.com/VancouverCanada/openport/pkg/canonicalize"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/finance"
	"github.com/VancouverCanada/openport/pkg/policy"
	"github.com/VancouverCanada/openport/pkg/store"
	"github.com/VancouverCanada/openport/pkg/tooling"
)

const (
	DefaultPreflightTTL = 10 * time.Minute
	minPreflightTTL     = 10 * time.Second

	// DefaultPendingWait is how long a replay waits for an execution another
	// process is still running.
	DefaultPendingWait = 5 * time.Second
	pendingPoll        = 25 * time.Millisecond
)

// Engine serves authenticated agent requests.
type Engine struct {
	store      store.Store
	tools      *tooling.Registry
	backend    finance.Backend
	audit      *audit.Service
	conditions *policy.ConditionEvaluator

	clock        func() time.Time
	preflightTTL time.Duration
	pendingWait  time.Duration
	locks        *keyedMutex
	decisions    DecisionRecorder
	logger       *slog.Logger
}

// DecisionRecorder counts action outcomes. outcome is "draft", "executed",
// "replayed", "failed" or the code that denied auto-execution.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, action, outcome string)
}

type noDecisions struct{}

func (noDecisions) RecordDecision(context.Context, string, string) {}

// Option configures an Engine.
type Option func(*Engine)

// WithConditions enables CEL conditions on auto-execute tiers. Without an
// evaluator any tier that sets a condition denies.
func WithConditions(c *policy.ConditionEvaluator) Option {
	return func(e *Engine) { e.conditions = c }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithDecisions(r DecisionRecorder) Option {
	return func(e *Engine) { e.decisions = r }
}

// WithPreflightTTL sets how long a preflight can be redeemed. Values under
// ten seconds are raised to ten seconds.
func WithPreflightTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.preflightTTL = max(ttl, minPreflightTTL) }
}

// WithPendingWait bounds how long a replay waits for a pending execution.
func WithPendingWait(d time.Duration) Option {
	return func(e *Engine) { e.pendingWait = d }
}

func NewEngine(s store.Store, tools *tooling.Registry, backend finance.Backend, auditor *audit.Service, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		tools:        tools,
		backend:      backend,
		audit:        auditor,
		clock:        contracts.Now,
		preflightTTL: DefaultPreflightTTL,
		pendingWait:  DefaultPendingWait,
		locks:        newKeyedMutex(),
		decisions:    noDecisions{},
		logger:       slog.Default().With("component", "agent"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Manifest lists the tools the app can currently use.
func (e *Engine) Manifest(rc *contracts.RequestContext) *Manifest {
	var orgID *string
	if rc.App.OrgID != "" {
		id := rc.App.OrgID
		orgID = &id
	}
	return &Manifest{
		App: ManifestApp{
			ID:    rc.App.ID,
			Name:  rc.App.Name,
			Scope: rc.App.Scope,
			OrgID: orgID,
		},
		Tools: e.tools.ManifestTools(rc.App),
	}
}

// ListLedgers returns the ledgers inside the app's workspace and ledger
// allowlist.
func (e *Engine) ListLedgers(ctx context.Context, rc *contracts.RequestContext) (*LedgerList, error) {
	if err := policy.EnsureScope(rc.App, []string{"ledger.read"}); err != nil {
		return nil, err
	}
	ledgers, err := e.backend.ListLedgers(ctx, rc.ActorUserID)
	if err != nil {
		return nil, err
	}

	items := make([]contracts.Ledger, 0, len(ledgers))
	for _, l := range ledgers {
		if rc.App.Scope == contracts.AppScopeWorkspace && (rc.App.OrgID == "" || l.OrganizationID != rc.App.OrgID) {
			continue
		}
		if policy.EnsureLedgerAllowed(rc.App, l.ID) != nil {
			continue
		}
		items = append(items, l)
	}

	if err := e.record(ctx, rc, audit.Event{
		Action:  "agent.ledger.list",
		Status:  contracts.AuditSuccess,
		Details: map[string]any{"resultCount": len(items)},
	}); err != nil {
		return nil, err
	}
	return &LedgerList{Items: items}, nil
}

// ListTransactions returns one page of a ledger's transactions inside the
// app's date window, redacted per its data policy.
func (e *Engine) ListTransactions(ctx context.Context, rc *contracts.RequestContext, q contracts.TransactionQuery) (*TransactionList, error) {
	if err := policy.EnsureScope(rc.App, []string{"transaction.read"}); err != nil {
		return nil, err
	}
	ledgerID := strings.TrimSpace(q.LedgerID)
	if ledgerID == "" {
		return nil, apierror.ActionInvalid("ledgerId required")
	}

	ledgers, err := e.backend.ListLedgers(ctx, rc.ActorUserID)
	if err != nil {
		return nil, err
	}
	var ledger *contracts.Ledger
	for i := range ledgers {
		if ledgers[i].ID == ledgerID {
			ledger = &ledgers[i]
			break
		}
	}
	if ledger == nil {
		return nil, apierror.NotFound("Ledger not found")
	}
	if err := policy.EnsureWorkspaceBoundary(rc.App, ledger.OrganizationID, ""); err != nil {
		return nil, err
	}
	if err := policy.EnsureLedgerAllowed(rc.App, ledgerID); err != nil {
		return nil, err
	}

	dates, err := policy.ResolveDateRange(rc.App, q.StartDate, q.EndDate, e.clock())
	if err != nil {
		return nil, err
	}
	dp := policy.DataPolicy(rc.App)

	page, err := e.backend.ListTransactions(ctx, rc.ActorUserID, contracts.TransactionQuery{
		LedgerID:  ledgerID,
		StartDate: dates.StartDate,
		EndDate:   dates.EndDate,
		Page:      q.Page,
		PageSize:  q.PageSize,
	})
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(page.Items))
	redacted := []string{}
	for _, txn := range page.Items {
		item, fields := tooling.PresentTransaction(txn, dp.AllowSensitiveFields)
		items = append(items, item)
		for _, f := range fields {
			if !slices.Contains(redacted, f) {
				redacted = append(redacted, f)
			}
		}
	}

	if err := e.record(ctx, rc, audit.Event{
		Action: "agent.transaction.list",
		Status: contracts.AuditSuccess,
		Details: map[string]any{
			"ledgerId":       ledgerID,
			"startDate":      contracts.Nullable(dates.StartDate),
			"endDate":        contracts.Nullable(dates.EndDate),
			"page":           page.Page,
			"pageSize":       page.PageSize,
			"resultCount":    len(items),
			"redactedFields": redacted,
			"policy":         dataPolicyDetails(dp),
		},
	}); err != nil {
		return nil, err
	}

	return &TransactionList{
		Items:    items,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
		HasMore:  page.HasMore,
	}, nil
}

// PreflightInput is the body of a preflight request.
type PreflightInput struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// Preflight computes the impact of an action and commits to it under a
// hash the caller can present when asking for execution.
func (e *Engine) Preflight(ctx context.Context, rc *contracts.RequestContext, in PreflightInput) (*PreflightResult, error) {
	tool := e.tools.ActionTool(in.Action)
	if tool == nil {
		return nil, apierror.ActionUnknown("Unknown action")
	}
	if err := policy.EnsureScope(rc.App, tool.RequiredScopes); err != nil {
		return nil, err
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if err := tool.ValidatePayload(payload); err != nil {
		return nil, err
	}

	impact, err := e.impact(ctx, rc, tool, payload)
	if err != nil {
		return nil, err
	}
	impactHash, err := impactHash(tool.Name, payload, impact)
	if err != nil {
		return nil, err
	}
	witness, witnessHash, err := e.witness(ctx, rc, tool, payload)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	rec := &contracts.PreflightRecord{
		ID:               contracts.NewID("pf"),
		AppID:            rc.App.ID,
		KeyID:            rc.Key.ID,
		ActorUserID:      rc.ActorUserID,
		ActionType:       tool.Name,
		Payload:          contracts.CloneMap(payload),
		Impact:           impact,
		ImpactHash:       impactHash,
		StateWitness:     witness,
		StateWitnessHash: witnessHash,
		CreatedAt:        now,
		ExpiresAt:        now.Add(e.preflightTTL),
	}
	if err := e.store.SavePreflight(ctx, rec); err != nil {
		return nil, err
	}

	if err := e.record(ctx, rc, audit.Event{
		Action: "agent.action.preflight",
		Status: contracts.AuditSuccess,
		Details: map[string]any{
			"actionType": tool.Name,
			"risk":       tool.Risk,
			"impact":     impact,
		},
	}); err != nil {
		return nil, err
	}

	return &PreflightResult{
		Action:               tool.Name,
		Risk:                 tool.Risk,
		RequiresConfirmation: tool.RequiresConfirmation,
		Impact:               impact,
		ImpactHash:           impactHash,
		PreflightID:          rec.ID,
		StateWitnessHash:     witnessHash,
	}, nil
}

// impact returns the tool's own impact or a generic one for its risk tier.
func (e *Engine) impact(ctx context.Context, rc *contracts.RequestContext, tool *tooling.ActionTool, payload map[string]any) (map[string]any, error) {
	impact, ok, err := tool.ComputeImpact(ctx, rc, payload)
	if err != nil {
		return nil, err
	}
	if ok {
		return impact, nil
	}
	if tool.Risk == tooling.RiskHigh {
		return map[string]any{"summary": "High impact action"}, nil
	}
	return map[string]any{"summary": "Low impact action"}, nil
}

// witness fingerprints the target of payload. Both results are empty for
// tools without a witness.
func (e *Engine) witness(ctx context.Context, rc *contracts.RequestContext, tool *tooling.ActionTool, payload map[string]any) (map[string]any, string, error) {
	w, ok, err := tool.ComputeStateWitness(ctx, rc, payload)
	if err != nil || !ok {
		return nil, "", err
	}
	hash, err := canonicalize.CanonicalHash(w)
	if err != nil {
		return nil, "", err
	}
	return w, hash, nil
}

func impactHash(action string, payload, impact map[string]any) (string, error) {
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"action":  action,
		"payload": payload,
		"impact":  impact,
	})
	if errors.Is(err, canonicalize.ErrKeyCollision) {
		return "", apierror.ActionInvalid("Payload has keys that are equal after Unicode normalisation")
	}
	return hash, err
}

// GetDraft returns one of the app's drafts with its latest execution.
func (e *Engine) GetDraft(ctx context.Context, rc *contracts.RequestContext, id string) (*DraftView, error) {
	draft, err := e.ownDraft(ctx, rc, id)
	if err != nil {
		return nil, err
	}
	exec, err := e.store.LatestExecution(ctx, draft.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &DraftView{Draft: draft.Public(), Execution: exec}, nil
}

func (e *Engine) ownDraft(ctx context.Context, rc *contracts.RequestContext, id string) (*contracts.Draft, error) {
	draft, err := e.store.GetDraft(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) || (err == nil && draft.AppID != rc.App.ID) {
		return nil, apierror.DraftNotFound("Draft not found")
	}
	if err != nil {
		return nil, err
	}
	return draft, nil
}

// record writes an audit event attributed to the request's principal.
func (e *Engine) record(ctx context.Context, rc *contracts.RequestContext, ev audit.Event) error {
	ev.AppID = rc.App.ID
	if rc.Key != nil {
		ev.KeyID = rc.Key.ID
	}
	ev.ActorUserID = rc.ActorUserID
	if ev.PerformedByUserID == "" {
		ev.PerformedByUserID = rc.ActorUserID
	}
	if ev.RequestID == "" {
		ev.RequestID = rc.RequestID
	}
	ev.IP = rc.IP
	ev.UserAgent = rc.UserAgent
	_, err := e.audit.Log(ctx, ev)
	return err
}

func dataPolicyDetails(dp policy.EffectiveDataPolicy) map[string]any {
	return map[string]any{
		"allowedLedgerIds":     dp.AllowedLedgerIDs,
		"allowedOrgIds":        dp.AllowedOrgIDs,
		"maxDays":              nullableInt(dp.MaxDays),
		"allowSensitiveFields": dp.AllowSensitiveFields,
	}
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func preconditionFailed(expected, actual string) *apierror.Error {
	return apierror.New(http.StatusConflict, apierror.CodePreconditionFailed, "Resource changed since preflight").
		WithDetails(map[string]any{"expected": expected, "actual": actual})
}
