// Package canonical implements deterministic JSON canonicalization and
// SHA-256/ed25519 fingerprinting (spec.md §4.A). Every signed or hash-bound
// artifact in this module hashes the canonical form of itself with the hash
// field omitted, then stores the hash back onto the struct — reproduce this
// exact rule or cross-ecosystem verification breaks (spec.md §9).
package canonical

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// UnsupportedValueError is returned when canonicalize encounters a value it
// cannot represent deterministically.
type UnsupportedValueError struct {
	Value any
}

func (e *UnsupportedValueError) Error() string {
	return fmt.Sprintf("UNSUPPORTED_CANONICAL_VALUE: %T", e.Value)
}

// Canonicalize walks v (as produced by encoding/json unmarshalling into
// map[string]any/[]any/primitives, or hand-built Go maps/slices/structs) and
// returns an equivalent value with object keys sorted ascending byte-wise.
// Arrays are order-preserved. Strings/booleans/nil pass through unchanged.
// Numbers must be finite; -0 is normalized to 0. Anything else (NaN, +-Inf,
// functions, channels, non-plain objects) is rejected.
func Canonicalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, &UnsupportedValueError{Value: v}
		}
		return canonicalizeFloat(f)
	case float32:
		return canonicalizeFloat(float64(t))
	case float64:
		return canonicalizeFloat(t)
	case int:
		return canonicalizeFloat(float64(t))
	case int32:
		return canonicalizeFloat(float64(t))
	case int64:
		return canonicalizeFloat(float64(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			cv, err := Canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			cv, err := Canonicalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	default:
		// Fall back to a JSON round-trip for structs/typed maps/slices so
		// callers can pass domain structs directly, then re-canonicalize the
		// resulting generic tree. This mirrors the teacher's use of
		// encoding/json as the structural-typing boundary (spec.md §9).
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, &UnsupportedValueError{Value: v}
		}
		var generic any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&generic); err != nil {
			return nil, &UnsupportedValueError{Value: v}
		}
		return Canonicalize(generic)
	}
}

func canonicalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &UnsupportedValueError{Value: f}
	}
	if f == 0 {
		return float64(0), nil
	}
	return f, nil
}

// JSONStringify produces the canonical UTF-8 byte string for v: keys sorted
// ascending byte-wise, no insignificant whitespace.
func JSONStringify(v any) ([]byte, error) {
	cv, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encode(&buf, cv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return &UnsupportedValueError{Value: v}
	}
}

// SHA256Hex returns the lowercase hex SHA-256 digest of raw bytes.
func SHA256Hex(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashOf canonicalizes v, stringifies it, and returns its lowercase hex
// SHA-256 digest. Callers pass v with its own hash field already stripped.
func HashOf(v any) (string, error) {
	raw, err := JSONStringify(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(raw), nil
}

// Sign signs the raw SHA-256 digest bytes decoded from digestHex using an
// ed25519 private key. Signing operates on digest bytes, not the encoded
// string, so verifiers that only ever see the hash can still check it.
func Sign(priv ed25519.PrivateKey, digestHex string) ([]byte, error) {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	return ed25519.Sign(priv, digest), nil
}

// Verify checks an ed25519 signature over a hex-encoded SHA-256 digest.
func Verify(pub ed25519.PublicKey, digestHex string, sig []byte) bool {
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, digest, sig)
}

// StripField returns a shallow copy of a canonical map-shaped struct with
// field removed — used to implement the hash-over-omit-field convention
// (spec.md §9) generically for any JSON-tagged struct.
func StripField(v any, field string) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, field)
	return m, nil
}
