package canonical

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONStringifySortsKeys(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	out, err := JSONStringify(v)
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(out))
}

func TestJSONStringifyRejectsNaN(t *testing.T) {
	_, err := JSONStringify(map[string]any{"x": math_NaN()})
	require.Error(t, err)
}

func math_NaN() float64 {
	var zero float64
	return zero / zero
}

func TestCanonicalRoundTrip(t *testing.T) {
	// Invariant 6 from spec.md §8: sha256(canonical(o)) == sha256(canonical(parse(canonical(o))))
	original := map[string]any{"id": "r1", "amount": 1250.0, "nested": []any{"a", "b"}}
	h1, err := HashOf(original)
	require.NoError(t, err)

	raw, err := JSONStringify(original)
	require.NoError(t, err)

	var reparsed any
	require.NoError(t, json.Unmarshal(raw, &reparsed))

	h2, err := HashOf(reparsed)
	require.NoError(t, err)

	require.Equal(t, h1, h2)
}

func TestNegativeZeroNormalized(t *testing.T) {
	out, err := JSONStringify(map[string]any{"x": -0.0})
	require.NoError(t, err)
	require.Equal(t, `{"x":0}`, string(out))
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	digest := SHA256Hex([]byte("hello"))
	sig, err := Sign(priv, digest)
	require.NoError(t, err)
	require.True(t, Verify(pub, digest, sig))
	require.False(t, Verify(pub, SHA256Hex([]byte("tampered")), sig))
}

func TestStripFieldOmitsHash(t *testing.T) {
	type artifact struct {
		ID   string `json:"id"`
		Hash string `json:"hash"`
	}
	m, err := StripField(artifact{ID: "a1", Hash: "deadbeef"}, "hash")
	require.NoError(t, err)
	_, ok := m["hash"]
	require.False(t, ok)
	require.Equal(t, "a1", m["id"])
}
