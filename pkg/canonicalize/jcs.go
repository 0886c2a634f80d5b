// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of spoke identifiers, receipt
// chains and decisions.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshalled with encoding/json first so struct tags are honoured,
// then transformed: object keys sorted by UTF-16 code units, numbers in
// ES6 form, no HTML escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
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

// HashBytes computes the SHA-256 hash of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NormalizeString returns s in Unicode Normalization Form C, so visually
// identical identifiers hash identically.
func NormalizeString(s string) string {
	return norm.NFC.String(s)
}

// NormalizeValue walks a JSON-like value and NFC-normalizes every string
// and map key. Other values are returned unchanged.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return NormalizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[NormalizeString(k)] = NormalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeValue(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, val := range t {
			out[i] = NormalizeString(val)
		}
		return out
	default:
		return v
	}
}
