// Package tooling is the catalog of tools an agent can discover and invoke.
// Read tools are described only; action tools also carry the behaviour that
// computes their impact, fingerprints the state they touch and executes them
// against the finance backend.
package tooling

import (
	"log/slog"
	"sort"

	"github.com/VancouverCanada/openport/pkg/canonicalize"
)

// Risk classifies a tool for confirmation and auto-execution.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// HTTPBinding tells an agent which endpoint serves a tool.
type HTTPBinding struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Notes  string `json:"notes,omitempty"`
}

// Descriptor is the discoverable description of a tool.
type Descriptor struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	RequiredScopes       []string       `json:"requiredScopes"`
	Risk                 Risk           `json:"risk"`
	RequiresConfirmation bool           `json:"requiresConfirmation"`
	HTTP                 HTTPBinding    `json:"http"`
	InputSchema          map[string]any `json:"inputSchema"`
	OutputSchema         map[string]any `json:"outputSchema"`
	Fingerprint          string         `json:"fingerprint"`
}

// fingerprint hashes the parts of d that change what a caller is allowed
// to do or must send. It is recorded in draft policy snapshots so a later
// catalog change is visible in audit.
func (d *Descriptor) fingerprint() string {
	scopes := append([]string{}, d.RequiredScopes...)
	sort.Strings(scopes)
	canonical := map[string]any{
		"name":                  d.Name,
		"required_scopes":       scopes,
		"risk":                  d.Risk,
		"requires_confirmation": d.RequiresConfirmation,
		"input_schema":          d.InputSchema,
		"output_schema":         d.OutputSchema,
	}
	hash, err := canonicalize.CanonicalHash(canonical)
	if err != nil {
		slog.Error("tooling: fingerprint failed", "tool", d.Name, "error", err)
		return ""
	}
	return hash
}
