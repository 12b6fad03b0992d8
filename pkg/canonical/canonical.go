// Package canonical produces RFC 8785 (JSON Canonicalization Scheme) bytes
// from a Go value. It is the only sanctioned bytes-from-structure path in
// this repository: every Ed25519 signature and every causal hash is
// computed over its output.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Bytes marshals v with the standard library (respecting json struct tags),
// then transforms the result into RFC 8785 canonical form via gowebpki/jcs.
//
// v must marshal to a JSON object or array at the top level; scalars are
// rejected because every caller in this codebase canonicalizes a mapping.
func Bytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	switch raw[0] {
	case '{', '[':
	default:
		return nil, fmt.Errorf("canonical: top-level value must be an object or array, got %q", raw[0])
	}

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform: %w", err)
	}
	return out, nil
}

// Hash returns the lowercase hex SHA-256 digest of Bytes(v).
func Hash(v any) (string, error) {
	b, err := Bytes(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes hex-encodes the SHA-256 digest of already-canonical bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
