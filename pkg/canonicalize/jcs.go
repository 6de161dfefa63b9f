// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for the commitment hashes of preflights and state
// witnesses.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrKeyCollision reports an object with two keys that are equal after NFC
// normalisation, which would otherwise hash as one.
var ErrKeyCollision = errors.New("jcs: object keys collide after NFC normalisation")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshalled with encoding/json so struct tags apply, strings
// (keys included) are normalised to NFC, and the result is transformed:
// object keys sorted by UTF-16 code units, arrays kept in order, numbers in
// ECMAScript form, no HTML escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	var generic any
	if err := json.Unmarshal(intermediate, &generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}
	folded, err := nfc(generic)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(folded)
	if err != nil {
		return nil, fmt.Errorf("jcs: normalise failed: %w", err)
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of data as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nfc(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := nfc(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			key := norm.NFC.String(k)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("%w: %q", ErrKeyCollision, key)
			}
			n, err := nfc(elem)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
