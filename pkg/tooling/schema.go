package tooling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/VancouverCanada/openport/pkg/apierror"
)

// compileSchema compiles a payload schema under Draft 2020-12.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tooling: marshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://openport.local/schemas/actions/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("tooling: schema load failed for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tooling: schema compile failed for %s: %w", name, err)
	}
	return compiled, nil
}

// validatePayload checks payload against schema. Violations become an
// action_invalid error listing each failing location.
func validatePayload(schema *jsonschema.Schema, payload map[string]any) error {
	if schema == nil {
		return nil
	}
	// the validator only understands decoded JSON values
	raw, err := json.Marshal(payload)
	if err != nil {
		return apierror.ActionInvalid("Invalid action payload")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apierror.ActionInvalid("Invalid action payload")
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return apierror.ActionInvalid("Invalid action payload")
	}
	problems := leafErrors(ve)
	return apierror.ActionInvalid("Invalid action payload").WithDetails(map[string]any{"errors": problems})
}

func leafErrors(ve *jsonschema.ValidationError) []map[string]any {
	var out []map[string]any
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := e.InstanceLocation
			if path == "" {
				path = "/"
			}
			out = append(out, map[string]any{"path": path, "message": e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["path"].(string) < out[j]["path"].(string)
	})
	return out
}

// Schema fragments shared by the action tools.

func anyOfRequired(keys ...string) []any {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"required": []any{k}})
	}
	return out
}

var (
	idString  = map[string]any{"type": "string", "minLength": 1}
	amountVal = map[string]any{"type": []any{"number", "string"}}
	kindEnum  = map[string]any{"type": "string", "enum": []any{"income", "expense", "transfer", "adjustment"}}
	dateVal   = map[string]any{"type": "string", "minLength": 1}
	notesVal  = map[string]any{"type": []any{"string", "null"}}
)

func transactionTargetSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"transactionId": idString,
			"id":            idString,
		},
		"anyOf": anyOfRequired("transactionId", "id"),
	}
}

func createTransactionSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"kind", "title"},
		"properties": map[string]any{
			"ledgerId":      idString,
			"ledger_id":     idString,
			"kind":          kindEnum,
			"title":         map[string]any{"type": "string", "minLength": 1, "maxLength": 500},
			"amount_home":   amountVal,
			"amountHome":    amountVal,
			"currency_home": map[string]any{"type": "string", "maxLength": 8},
			"currencyHome":  map[string]any{"type": "string", "maxLength": 8},
			"date":          dateVal,
			"notes":         notesVal,
		},
		"allOf": []any{
			map[string]any{"anyOf": anyOfRequired("ledgerId", "ledger_id")},
			map[string]any{"anyOf": anyOfRequired("amount_home", "amountHome")},
		},
	}
}

func updateTransactionSchema() map[string]any {
	s := transactionTargetSchema()
	props := s["properties"].(map[string]any)
	props["ledgerId"] = idString
	props["ledger_id"] = idString
	props["kind"] = kindEnum
	props["title"] = map[string]any{"type": "string", "maxLength": 500}
	props["amount_home"] = amountVal
	props["amountHome"] = amountVal
	props["currency_home"] = map[string]any{"type": "string", "maxLength": 8}
	props["currencyHome"] = map[string]any{"type": "string", "maxLength": 8}
	props["date"] = dateVal
	props["notes"] = notesVal
	return s
}

func exportSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ledgerId":  idString,
			"ledger_id": idString,
			"startDate": map[string]any{"type": "string"},
			"endDate":   map[string]any{"type": "string"},
			"limit":     map[string]any{"type": []any{"number", "string"}},
		},
		"anyOf": anyOfRequired("ledgerId", "ledger_id"),
	}
}

func envelopeSchema(payload map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   []any{"payload"},
		"properties": map[string]any{"payload": payload},
	}
}
