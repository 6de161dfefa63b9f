package tooling

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/VancouverCanada/openport/pkg/apierror"
	"github.com/VancouverCanada/openport/pkg/artifacts"
	"github.com/VancouverCanada/openport/pkg/contracts"
	"github.com/VancouverCanada/openport/pkg/finance"
	"github.com/VancouverCanada/openport/pkg/policy"
)

// RedactedTitle replaces a transaction title the caller may not see.
const RedactedTitle = "[redacted]"

// Behavior executes an action tool against the backend.
type Behavior interface {
	Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error)
}

// ImpactComputer is implemented by behaviours that describe their effect
// from current state before they run.
type ImpactComputer interface {
	ComputeImpact(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error)
}

// StateWitnesser is implemented by behaviours whose target can change
// between inspection and execution.
type StateWitnesser interface {
	ComputeStateWitness(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error)
}

// ActionTool is a descriptor bound to its behaviour and payload schema.
type ActionTool struct {
	Descriptor
	behavior Behavior
	schema   *jsonschema.Schema
}

// ValidatePayload checks payload against the tool's schema.
func (t *ActionTool) ValidatePayload(payload map[string]any) error {
	return validatePayload(t.schema, payload)
}

// Execute runs the tool.
func (t *ActionTool) Execute(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (map[string]any, error) {
	return t.behavior.Execute(ctx, rc, payload)
}

// ComputeImpact returns the tool specific impact. ok is false when the tool
// does not describe its own impact.
func (t *ActionTool) ComputeImpact(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (impact map[string]any, ok bool, err error) {
	ic, ok := t.behavior.(ImpactComputer)
	if !ok {
		return nil, false, nil
	}
	impact, err = ic.ComputeImpact(ctx, rc, payload)
	return impact, true, err
}

// ComputeStateWitness fingerprints the resource the payload targets. ok is
// false for tools without a witness.
func (t *ActionTool) ComputeStateWitness(ctx context.Context, rc *contracts.RequestContext, payload map[string]any) (witness map[string]any, ok bool, err error) {
	sw, ok := t.behavior.(StateWitnesser)
	if !ok {
		return nil, false, nil
	}
	witness, err = sw.ComputeStateWitness(ctx, rc, payload)
	return witness, true, err
}

// Registry is the static tool catalog.
type Registry struct {
	backend   finance.Backend
	artifacts artifacts.Store
	clock     func() time.Time

	readTools   []Descriptor
	actionTools []*ActionTool
	byName      map[string]*ActionTool
}

// Option configures a Registry.
type Option func(*Registry)

// WithArtifacts archives CSV exports in store.
func WithArtifacts(store artifacts.Store) Option {
	return func(r *Registry) { r.artifacts = store }
}

// WithClock overrides the time source used for date range resolution.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry builds the catalog and compiles every payload schema.
func NewRegistry(backend finance.Backend, opts ...Option) (*Registry, error) {
	r := &Registry{
		backend: backend,
		clock:   contracts.Now,
		byName:  make(map[string]*ActionTool),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.readTools = []Descriptor{
		{
			Name:           "ledger.list",
			Description:    "List ledgers that this integration can access.",
			RequiredScopes: []string{"ledger.read"},
			Risk:           RiskLow,
			HTTP:           HTTPBinding{Method: "GET", Path: "/api/agent/v1/ledgers"},
			InputSchema:    map[string]any{"type": "object", "properties": map[string]any{}},
			OutputSchema:   map[string]any{"type": "object", "properties": map[string]any{"items": map[string]any{"type": "array"}}},
		},
		{
			Name:           "transaction.list",
			Description:    "List transactions for a ledger, with optional date filters and pagination.",
			RequiredScopes: []string{"transaction.read"},
			Risk:           RiskLow,
			HTTP:           HTTPBinding{Method: "GET", Path: "/api/agent/v1/transactions"},
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"ledgerId"},
				"properties": map[string]any{
					"ledgerId":  map[string]any{"type": "string"},
					"startDate": map[string]any{"type": "string"},
					"endDate":   map[string]any{"type": "string"},
					"page":      map[string]any{"type": "integer"},
					"pageSize":  map[string]any{"type": "integer"},
				},
			},
			OutputSchema: map[string]any{"type": "object", "properties": map[string]any{
				"items": map[string]any{"type": "array"},
				"total": map[string]any{"type": "integer"},
			}},
		},
	}
	for i := range r.readTools {
		r.readTools[i].Fingerprint = r.readTools[i].fingerprint()
	}

	actions := []struct {
		desc     Descriptor
		payload  map[string]any
		output   string
		behavior Behavior
	}{
		{
			desc: Descriptor{
				Name: "transaction.create", Description: "Create a new transaction.",
				RequiredScopes: []string{"transaction.write"}, Risk: RiskMedium,
			},
			payload: createTransactionSchema(), output: "transaction",
			behavior: createTransaction{r},
		},
		{
			desc: Descriptor{
				Name: "transaction.update", Description: "Update an existing transaction.",
				RequiredScopes: []string{"transaction.write"}, Risk: RiskMedium,
			},
			payload: updateTransactionSchema(), output: "transaction",
			behavior: updateTransaction{r},
		},
		{
			desc: Descriptor{
				Name: "transaction.delete", Description: "Soft delete a transaction.",
				RequiredScopes: []string{"transaction.delete"}, Risk: RiskHigh,
			},
			payload: transactionTargetSchema(), output: "deleted",
			behavior: deleteTransaction{r: r, hard: false},
		},
		{
			desc: Descriptor{
				Name: "transaction.hard_delete", Description: "Permanently delete a transaction.",
				RequiredScopes: []string{"transaction.delete"}, Risk: RiskHigh,
			},
			payload: transactionTargetSchema(), output: "deleted",
			behavior: deleteTransaction{r: r, hard: true},
		},
		{
			desc: Descriptor{
				Name: "transactions.export_csv", Description: "Export transactions as CSV.",
				RequiredScopes: []string{"transaction.read", "transaction.export"}, Risk: RiskHigh,
			},
			payload: exportSchema(), output: "export",
			behavior: exportCSV{r},
		},
	}

	for _, a := range actions {
		schema, err := compileSchema(a.desc.Name, a.payload)
		if err != nil {
			return nil, err
		}
		d := a.desc
		d.RequiresConfirmation = true
		d.HTTP = HTTPBinding{Method: "POST", Path: "/api/agent/v1/actions"}
		d.InputSchema = envelopeSchema(a.payload)
		d.OutputSchema = map[string]any{"type": "object", "properties": map[string]any{
			a.output: map[string]any{"type": "object"},
		}}
		d.Fingerprint = d.fingerprint()

		tool := &ActionTool{Descriptor: d, behavior: a.behavior, schema: schema}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("tooling: duplicate action %q", d.Name)
		}
		r.actionTools = append(r.actionTools, tool)
		r.byName[d.Name] = tool
	}
	return r, nil
}

// ManifestTools lists read and action tools whose scopes app holds.
func (r *Registry) ManifestTools(app *contracts.App) []Descriptor {
	out := make([]Descriptor, 0, len(r.readTools)+len(r.actionTools))
	for _, d := range r.readTools {
		if policy.EnsureScope(app, d.RequiredScopes) == nil {
			out = append(out, d)
		}
	}
	for _, t := range r.actionTools {
		if policy.EnsureScope(app, t.RequiredScopes) == nil {
			out = append(out, t.Descriptor)
		}
	}
	return out
}

// ActionTools lists the action tools whose scopes app holds.
func (r *Registry) ActionTools(app *contracts.App) []*ActionTool {
	var out []*ActionTool
	for _, t := range r.actionTools {
		if policy.EnsureScope(app, t.RequiredScopes) == nil {
			out = append(out, t)
		}
	}
	return out
}

// ActionTool resolves an action by name, or nil when unknown.
func (r *Registry) ActionTool(name string) *ActionTool {
	return r.byName[strings.TrimSpace(name)]
}

// PresentTransaction renders txn for an agent. Title and notes are hidden
// unless allowSensitive; the hidden field names are returned for audit.
func PresentTransaction(txn contracts.Transaction, allowSensitive bool) (item map[string]any, redacted []string) {
	title := any(txn.Title)
	notes := any(nil)
	if txn.Notes != nil {
		notes = *txn.Notes
	}
	if !allowSensitive {
		redacted = append(redacted, "transaction.title")
		title = RedactedTitle
		notes = nil
	}
	return map[string]any{
		"id":            txn.ID,
		"ledger_id":     txn.LedgerID,
		"kind":          string(txn.Kind),
		"title":         title,
		"amount_home":   txn.AmountHome,
		"currency_home": txn.CurrencyHome,
		"date":          contracts.FormatTime(txn.Date),
		"notes":         notes,
		"created_at":    contracts.FormatTime(txn.CreatedAt),
		"updated_at":    contracts.FormatTime(txn.UpdatedAt),
	}, redacted
}

// ledgerOrgID returns the organization owning ledgerID. A ledger the actor
// cannot see is not found.
func (r *Registry) ledgerOrgID(ctx context.Context, actor, ledgerID string) (string, error) {
	ledgers, err := r.backend.ListLedgers(ctx, actor)
	if err != nil {
		return "", err
	}
	for _, l := range ledgers {
		if l.ID == ledgerID {
			return l.OrganizationID, nil
		}
	}
	return "", apierror.NotFound("Ledger not found")
}

// guardLedger re-checks the ledger allowlist and workspace boundary. It runs
// on every path that reads or writes a ledger's transactions.
func (r *Registry) guardLedger(ctx context.Context, rc *contracts.RequestContext, ledgerID string) error {
	if err := policy.EnsureLedgerAllowed(rc.App, ledgerID); err != nil {
		return err
	}
	orgID, err := r.ledgerOrgID(ctx, rc.ActorUserID, ledgerID)
	if err != nil {
		return err
	}
	if rc.App.Scope == contracts.AppScopeWorkspace && orgID == "" {
		return apierror.PolicyDenied("Ledger not allowed for this integration")
	}
	return policy.EnsureWorkspaceBoundary(rc.App, orgID, "")
}
