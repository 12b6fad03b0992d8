// Package keymanager wraps Ed25519 key generation, loading, signing, and
// detached verification behind the exact wire contract GEF envelopes
// require: a 64-char lowercase hex public key and a base64url-without-padding
// signature that decodes to exactly 64 bytes.
package keymanager

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
	"crypto/sha256"
)

// PublicKeyHexLen is the wire length of signer_public_key: 32 raw bytes,
// hex-encoded.
const PublicKeyHexLen = 64

// SignatureByteLen is the decoded length every signature must have.
const SignatureByteLen = 64

// KeyManager holds one Ed25519 keypair and signs/verifies with it.
type KeyManager struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a new random keypair.
func Generate() (*KeyManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keymanager: generate: %w", err)
	}
	return &KeyManager{priv: priv, pub: pub}, nil
}

// FromSeed builds a keypair deterministically from an exactly-32-byte seed.
func FromSeed(seed []byte) (*KeyManager, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keymanager: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keymanager: unexpected public key type")
	}
	return &KeyManager{priv: priv, pub: pub}, nil
}

// FromPassphrase derives a deterministic Ed25519 seed from an operator
// passphrase via HKDF-SHA256, using info as domain separation (e.g. a
// ledger id) so the same passphrase produces different keys for different
// ledgers. This is a convenience for local/dev use, not a replacement for
// a real secret store — key custody in production deployments is a
// non-goal this repository does not attempt to solve.
func FromPassphrase(passphrase, info []byte) (*KeyManager, error) {
	reader := hkdf.New(sha256.New, passphrase, nil, info)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("keymanager: hkdf expand: %w", err)
	}
	return FromSeed(seed)
}

// FromFile loads a private key from path, in the form Save writes: a PEM
// block whose bytes are the raw 64-byte Ed25519 private key. PKCS8-encoded
// keys are not accepted.
func FromFile(path string) (*KeyManager, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keymanager: read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("keymanager: %s is not PEM-encoded", path)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keymanager: %s does not contain a raw Ed25519 private key", path)
	}
	priv := ed25519.PrivateKey(block.Bytes)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keymanager: unexpected public key type")
	}
	return &KeyManager{priv: priv, pub: pub}, nil
}

// Save writes the private key as a raw-bytes PEM block to path.
func (k *KeyManager) Save(path string) error {
	block := &pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: k.priv}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

// PublicKeyHex returns the 64-char lowercase hex public key.
func (k *KeyManager) PublicKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// Sign signs data and returns a base64url-without-padding signature.
func (k *KeyManager) Sign(data []byte) string {
	sig := ed25519.Sign(k.priv, data)
	return base64.RawURLEncoding.EncodeToString(sig)
}

// VerifyDetached verifies sigB64 (base64url, padding optional) against data
// under pubKeyHex. It never panics or returns an error — any malformed
// input simply fails verification, matching the "signature invalid never
// raises" contract.
func VerifyDetached(data []byte, sigB64, pubKeyHex string) bool {
	if len(pubKeyHex) != PublicKeyHexLen {
		return false
	}
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return false
	}

	sigBytes, err := decodeBase64URL(sigB64)
	if err != nil || len(sigBytes) != SignatureByteLen {
		return false
	}

	return ed25519.Verify(ed25519.PublicKey(pubBytes), data, sigBytes)
}

// decodeBase64URL accepts both padded and unpadded base64url input.
func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
