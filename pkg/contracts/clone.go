package contracts

// CloneMap deep-copies a decoded JSON object.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		return cloneStrings(t)
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string{}, s...)
}

// Clone returns a deep copy of the app.
func (a *App) Clone() *App {
	cp := *a
	cp.Scopes = cloneStrings(a.Scopes)
	if a.Policy.Network != nil {
		n := *a.Policy.Network
		n.AllowedIPs = cloneStrings(n.AllowedIPs)
		cp.Policy.Network = &n
	}
	if a.Policy.Data != nil {
		d := *a.Policy.Data
		d.AllowedLedgerIDs = cloneStrings(d.AllowedLedgerIDs)
		d.AllowedOrgIDs = cloneStrings(d.AllowedOrgIDs)
		cp.Policy.Data = &d
	}
	cp.AutoExecute.Writes.AllowedActions = cloneStrings(a.AutoExecute.Writes.AllowedActions)
	cp.AutoExecute.HighRisk.AllowedActions = cloneStrings(a.AutoExecute.HighRisk.AllowedActions)
	return &cp
}

// Clone returns a deep copy of the draft.
func (d *Draft) Clone() *Draft {
	cp := *d
	cp.Payload = CloneMap(d.Payload)
	cp.Preflight = CloneMap(d.Preflight)
	cp.PolicySnapshot = CloneMap(d.PolicySnapshot)
	cp.StateWitness = CloneMap(d.StateWitness)
	return &cp
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Result = CloneMap(e.Result)
	return &cp
}

// Clone returns a deep copy of the preflight record.
func (p *PreflightRecord) Clone() *PreflightRecord {
	cp := *p
	cp.Payload = CloneMap(p.Payload)
	cp.Impact = CloneMap(p.Impact)
	cp.StateWitness = CloneMap(p.StateWitness)
	return &cp
}
