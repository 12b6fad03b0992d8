// Package verifier exposes the small, dependency-light surface most
// callers need: verify a single envelope, or verify an entire ledger
// file, without constructing a replay.Engine by hand.
package verifier

import (
	"context"
	"fmt"

	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/replay"
)

// VerificationResult is the outcome of VerifyEnvelope.
type VerificationResult struct {
	RecordID       string   `json:"record_id"`
	Sequence       int64    `json:"sequence"`
	SchemaValid    bool     `json:"schema_valid"`
	SchemaErrors   []string `json:"schema_errors,omitempty"`
	SignatureValid bool     `json:"signature_valid"`
	ChainValid     bool     `json:"chain_valid"`
}

// OK reports whether the envelope passed every check VerifyEnvelope ran.
// Chain validity is only considered when prev was supplied.
func (r VerificationResult) OK(checkedChain bool) bool {
	if !r.SchemaValid || !r.SignatureValid {
		return false
	}
	if checkedChain && !r.ChainValid {
		return false
	}
	return true
}

// VerifyEnvelope checks schema conformance and signature validity for env,
// and chain validity against prev if prev is non-nil.
func VerifyEnvelope(env *envelope.Envelope, prev *envelope.Envelope) VerificationResult {
	schemaValid, schemaErrors := env.ValidateSchema()
	result := VerificationResult{
		RecordID:       env.RecordID,
		Sequence:       env.Sequence,
		SchemaValid:    schemaValid,
		SchemaErrors:   schemaErrors,
		SignatureValid: env.VerifySignature(""),
	}
	if prev != nil {
		result.ChainValid = env.VerifyChain(prev)
	}
	return result
}

// VerifyLedgerFile loads the ledger file at path and runs VerifyEnvelope
// over every entry, pairing each with its immediate predecessor. It
// reports whether every entry passed (schema, signature, and — for every
// entry past the first — chain) alongside the per-entry results, in
// sequence order.
func VerifyLedgerFile(ctx context.Context, path string) (bool, []VerificationResult, error) {
	eng, err := replay.Load(ctx, path)
	if err != nil {
		return false, nil, fmt.Errorf("verifier: %w", err)
	}

	entries := eng.Entries()
	results := make([]VerificationResult, len(entries))
	allValid := true

	var prev *envelope.Envelope
	for i, env := range entries {
		result := VerifyEnvelope(env, prev)
		results[i] = result
		if !result.OK(prev != nil) {
			allValid = false
		}
		prev = env
	}

	return allValid, results, nil
}
