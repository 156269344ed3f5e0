package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	in := map[string]string{
		"Authorization": "Bearer tok",
		"Content-Type":  "application/json",
	}
	out := Headers(in)
	assert.Equal(t, Redacted, out["Authorization"])
	assert.Equal(t, "application/json", out["Content-Type"])
	// input untouched
	assert.Equal(t, "Bearer tok", in["Authorization"])
}

func TestBodyRecursive(t *testing.T) {
	in := map[string]any{
		"user":     "alice",
		"password": "s3cr3t",
		"nested":   map[string]any{"api_key": "abc", "q": "hello"},
		"list":     []any{map[string]any{"token": "t"}},
	}
	out := Body(in, nil).(map[string]any)

	assert.Equal(t, "alice", out["user"])
	assert.Equal(t, Redacted, out["password"])
	assert.Equal(t, Redacted, out["nested"].(map[string]any)["api_key"])
	assert.Equal(t, "hello", out["nested"].(map[string]any)["q"])
	assert.Equal(t, Redacted, out["list"].([]any)[0].(map[string]any)["token"])
	// original untouched
	assert.Equal(t, "s3cr3t", in["password"])
}

func TestBodyCaseInsensitive(t *testing.T) {
	out := Body(map[string]any{"X-API-Key": "v"}, nil).(map[string]any)
	assert.Equal(t, Redacted, out["X-API-Key"])
}

func TestBodyExtraDenylist(t *testing.T) {
	out := Body(map[string]any{"ssn": "123"}, Denylist("SSN")).(map[string]any)
	assert.Equal(t, Redacted, out["ssn"])
}

func TestHashRedactedDeterministic(t *testing.T) {
	a, err := HashRedacted(map[string]any{"user": "alice", "password": "x"}, nil)
	require.NoError(t, err)
	require.Len(t, a, 64)

	// Key order must not matter.
	b, err := HashRedacted(map[string]any{"password": "x", "user": "alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Different secret values hash identically because the redacted form is
	// what gets hashed.
	c, err := HashRedacted(map[string]any{"user": "alice", "password": "y"}, nil)
	require.NoError(t, err)
	assert.Equal(t, a, c)

	// Non-secret changes do affect the digest.
	d, err := HashRedacted(map[string]any{"user": "bob", "password": "x"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestHashRedactedRawValueAbsent(t *testing.T) {
	digest, err := HashRedacted(map[string]any{"token": "supersecret"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, digest, "supersecret")
}
