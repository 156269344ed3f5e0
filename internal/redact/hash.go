package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashRedacted redacts data (when it is a JSON object) and returns the
// SHA-256 hex digest of its RFC 8785 canonical form. Key order never affects
// the digest, so semantically identical payloads hash identically.
func HashRedacted(data any, extra map[string]struct{}) (string, error) {
	data = Body(data, extra)
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
