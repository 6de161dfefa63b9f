package contracts

// Policy holds the network and data visibility rules of an App. Fields are
// kept as configured; normalisation happens at evaluation time.
type Policy struct {
	Network *NetworkPolicy `json:"network,omitempty" yaml:"network,omitempty"`
	Data    *DataPolicy    `json:"data,omitempty" yaml:"data,omitempty"`
}

// NetworkPolicy restricts the client addresses an App may call from.
type NetworkPolicy struct {
	AllowedIPs []string `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
}

// DataPolicy restricts which ledgers, orgs and time ranges are visible.
type DataPolicy struct {
	AllowedLedgerIDs     []string `json:"allowed_ledger_ids,omitempty" yaml:"allowed_ledger_ids,omitempty"`
	AllowedOrgIDs        []string `json:"allowed_org_ids,omitempty" yaml:"allowed_org_ids,omitempty"`
	MaxDays              *float64 `json:"max_days,omitempty" yaml:"max_days,omitempty"`
	AllowSensitiveFields *bool    `json:"allow_sensitive_fields,omitempty" yaml:"allow_sensitive_fields,omitempty"`
}

// AutoExecute is the normalised per-risk-tier automation config.
type AutoExecute struct {
	Writes   WritesTier   `json:"writes"`
	HighRisk HighRiskTier `json:"high_risk"`
}

// WritesTier governs auto-execution of low and medium risk actions.
// A nil AllowedActions means every action is allowed.
type WritesTier struct {
	Enabled        bool     `json:"enabled"`
	ExpiresAt      *string  `json:"expires_at"`
	AllowedActions []string `json:"allowed_actions"`
	Condition      string   `json:"condition,omitempty"`
}

// HighRiskTier governs auto-execution of high risk actions.
type HighRiskTier struct {
	Enabled            bool     `json:"enabled"`
	ExpiresAt          *string  `json:"expires_at"`
	RequirePreflight   bool     `json:"require_preflight"`
	RequireIdempotency bool     `json:"require_idempotency"`
	MaxExportRows      int      `json:"max_export_rows"`
	AllowedActions     []string `json:"allowed_actions"`
	Condition          string   `json:"condition,omitempty"`
}
