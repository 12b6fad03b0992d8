// Package envelope defines GEF's single ledger record type: a signed,
// hash-chained JSON object. An Envelope is constructed unsigned, signed
// exactly once, and thereafter treated as immutable — mutating any signed
// field invalidates the signature.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/guardclaw/gef/pkg/canonical"
	"github.com/guardclaw/gef/pkg/keymanager"
	"github.com/guardclaw/gef/pkg/timesource"
)

// Version is the protocol version stamped into every envelope's
// gef_version field. A ledger may not mix versions (see pkg/replay).
const Version = "1.0"

// GenesisHash is the causal_hash of a ledger's first entry.
var GenesisHash = strings.Repeat("0", 64)

var hexPubKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
var hexNoncePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// RecordTypes is the closed vocabulary. Any value outside this set is
// rejected at Create and flagged as a schema violation at replay.
var RecordTypes = map[string]bool{
	"genesis":             true,
	"agent_registration":  true,
	"intent":              true,
	"execution":           true,
	"result":              true,
	"failure":             true,
	"delegation":          true,
	"heartbeat":           true,
	"tool_call":           true,
	"tombstone":           true,
	"admin_action":        true,
}

// Envelope is the single record type stored in a GEF ledger.
type Envelope struct {
	GefVersion      string         `json:"gef_version"`
	RecordID        string         `json:"record_id"`
	RecordType      string         `json:"record_type"`
	AgentID         string         `json:"agent_id"`
	SignerPublicKey string         `json:"signer_public_key"`
	Sequence        int64          `json:"sequence"`
	Nonce           string         `json:"nonce"`
	Timestamp       string         `json:"timestamp"`
	CausalHash      string         `json:"causal_hash"`
	Payload         map[string]any `json:"payload"`
	Signature       string         `json:"signature,omitempty"`
}

// Create constructs an unsigned envelope. prev is the previous entry in the
// chain, or nil for the first entry in a ledger.
func Create(recordType, agentID, signerPublicKey string, sequence int64, payload map[string]any, prev *Envelope) (*Envelope, error) {
	if !RecordTypes[recordType] {
		return nil, &InvalidArgumentError{Field: "record_type", Msg: fmt.Sprintf("unknown record type %q", recordType)}
	}
	if payload == nil {
		return nil, &InvalidArgumentError{Field: "payload", Msg: "payload must be a non-nil mapping"}
	}
	if sequence < 0 {
		return nil, &InvalidArgumentError{Field: "sequence", Msg: "sequence must be non-negative"}
	}
	if agentID == "" {
		return nil, &InvalidArgumentError{Field: "agent_id", Msg: "agent_id must not be empty"}
	}
	if !hexPubKeyPattern.MatchString(signerPublicKey) {
		return nil, &InvalidArgumentError{Field: "signer_public_key", Msg: "must be exactly 64 lowercase hex characters"}
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	recordID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("envelope: generating record_id: %w", err)
	}

	causalHash := GenesisHash
	if prev != nil {
		h, err := expectedCausalHashFrom(prev)
		if err != nil {
			return nil, fmt.Errorf("envelope: hashing previous entry: %w", err)
		}
		causalHash = h
	}

	return &Envelope{
		GefVersion:      Version,
		RecordID:        "gef-" + recordID.String(),
		RecordType:      recordType,
		AgentID:         normalizeAgentID(agentID),
		SignerPublicKey: signerPublicKey,
		Sequence:        sequence,
		Nonce:           hex.EncodeToString(nonceBytes),
		Timestamp:       timesource.Now(),
		CausalHash:      causalHash,
		Payload:         payload,
	}, nil
}

func normalizeAgentID(s string) string {
	return norm.NFC.String(s)
}

// SigningSurface is the projection of fields signed by Ed25519: every field
// except signature.
func (e *Envelope) SigningSurface() map[string]any {
	return e.surface()
}

// ChainingSurface is the projection hashed to produce the *next* entry's
// causal_hash. Field-identical to SigningSurface by contract (§4.3).
func (e *Envelope) ChainingSurface() map[string]any {
	return e.surface()
}

// SerializationSurface is what is written to disk: the signing surface
// plus signature.
func (e *Envelope) SerializationSurface() map[string]any {
	m := e.surface()
	m["signature"] = e.Signature
	return m
}

func (e *Envelope) surface() map[string]any {
	return map[string]any{
		"gef_version":        e.GefVersion,
		"record_id":          e.RecordID,
		"record_type":        e.RecordType,
		"agent_id":           e.AgentID,
		"signer_public_key":  e.SignerPublicKey,
		"sequence":           e.Sequence,
		"nonce":              e.Nonce,
		"timestamp":          e.Timestamp,
		"causal_hash":        e.CausalHash,
		"payload":            e.Payload,
	}
}

// Sign computes the canonical signing surface and signs it, replacing any
// prior signature. Returns e for create(...).Sign(...) chaining.
func (e *Envelope) Sign(km *keymanager.KeyManager) (*Envelope, error) {
	b, err := canonical.Bytes(e.SigningSurface())
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalizing signing surface: %w", err)
	}
	e.Signature = km.Sign(b)
	return e, nil
}

// IsSigned reports whether the envelope currently carries a signature.
func (e *Envelope) IsSigned() bool {
	return e.Signature != ""
}

// VerifySignature recomputes the canonical signing surface and checks the
// signature against overridePublicKey (if non-empty) or signer_public_key.
// It never raises: any failure mode returns false.
func (e *Envelope) VerifySignature(overridePublicKey string) bool {
	if e.Signature == "" {
		return false
	}
	b, err := canonical.Bytes(e.SigningSurface())
	if err != nil {
		return false
	}
	pub := e.SignerPublicKey
	if overridePublicKey != "" {
		pub = overridePublicKey
	}
	return keymanager.VerifyDetached(b, e.Signature, pub)
}

// VerifyChain reports whether this envelope's causal_hash correctly commits
// to prev's chaining surface (or to GenesisHash, if prev is nil).
func (e *Envelope) VerifyChain(prev *Envelope) bool {
	expected := GenesisHash
	if prev != nil {
		h, err := expectedCausalHashFrom(prev)
		if err != nil {
			return false
		}
		expected = h
	}
	return e.CausalHash == expected
}

// VerifySequence reports whether this envelope's sequence equals expected.
func (e *Envelope) VerifySequence(expected int64) bool {
	return e.Sequence == expected
}

// expectedCausalHashFrom computes the causal_hash a successor of prev must
// carry: SHA-256-hex of the canonical encoding of prev's chaining surface.
func expectedCausalHashFrom(prev *Envelope) (string, error) {
	b, err := canonical.Bytes(prev.ChainingSurface())
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(b), nil
}

// ExpectedCausalHash computes the causal_hash value a direct successor of
// prev must carry (GenesisHash if prev is nil). Exported for the replay
// engine's chain_break diagnostics, which need the expected value to report
// alongside the actual one.
func ExpectedCausalHash(prev *Envelope) (string, error) {
	if prev == nil {
		return GenesisHash, nil
	}
	return expectedCausalHashFrom(prev)
}

// sortedRecordTypes returns the vocabulary in a stable order; used by
// schema.go to build the record_type enum.
func sortedRecordTypes() []string {
	out := make([]string, 0, len(RecordTypes))
	for k := range RecordTypes {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
