package canonicalize

import (
	"encoding/json"
	"testing"
)

func FuzzCanonicalHash(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
		}

		b1, err := JCS(v)
		if err != nil {
			return
		}
		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Fatalf("JCS output is not valid JSON: %s", b1)
		}

		// Canonical form is a fixed point.
		b2, err := JCS(check)
		if err != nil {
			t.Fatalf("JCS failed on its own output: %v", err)
		}
		if string(b1) != string(b2) {
			t.Errorf("JCS not idempotent:\n  first:  %s\n  second: %s", b1, b2)
		}
	})
}
