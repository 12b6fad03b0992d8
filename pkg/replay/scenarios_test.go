package replay_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardclaw/gef/pkg/canonical"
	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/keymanager"
	"github.com/guardclaw/gef/pkg/ledger"
	"github.com/guardclaw/gef/pkg/replay"
)

func fixedSeedKey(t *testing.T) *keymanager.KeyManager {
	t.Helper()
	seed := []byte("deadbeefdeadbeef" + "cafebabecafebabe")
	km, err := keymanager.FromSeed(seed)
	require.NoError(t, err)
	return km
}

// S1 — happy path, 3-entry chain.
func TestScenario_S1_HappyPathThreeEntryChain(t *testing.T) {
	km := fixedSeedKey(t)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.New(path, km, "agent-s1")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Emit(ctx, "execution", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	eng, err := replay.Load(ctx, path)
	require.NoError(t, err)
	summary := eng.Verify(ctx)

	require.Equal(t, 3, summary.TotalEntries)
	require.True(t, summary.ChainValid)
	require.Empty(t, summary.Violations)
	require.Equal(t, 3, summary.ValidSignatures)
}

// S2 — chain tamper: rewriting one entry's payload without re-signing
// breaks both that entry's signature and the next entry's chain link.
func TestScenario_S2_ChainTamper(t *testing.T) {
	km := fixedSeedKey(t)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.New(path, km, "agent-s2")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Emit(ctx, "execution", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	lines := readScenarioLines(t, path)
	var entry1 map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry1))
	entry1["payload"] = map[string]any{"step": 99}
	lines[1] = scenarioJSON(t, entry1)
	writeScenarioLines(t, path, lines)

	eng, err := replay.Load(ctx, path)
	require.NoError(t, err)
	summary := eng.Verify(ctx)

	require.False(t, summary.ChainValid)
	require.True(t, scenarioHasViolationAt(summary.Violations, "invalid_signature", 1))
	require.True(t, scenarioHasViolationAt(summary.Violations, "chain_break", 2))
}

// S3 — sequence gap: deleting one line from a 5-entry chain leaves
// sequences 0,1,3,4 and must be flagged.
func TestScenario_S3_SequenceGap(t *testing.T) {
	km := fixedSeedKey(t)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.New(path, km, "agent-s3")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Emit(ctx, "execution", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	lines := readScenarioLines(t, path)
	require.Len(t, lines, 5)
	lines = append(lines[:2], lines[3:]...)
	writeScenarioLines(t, path, lines)

	eng, err := replay.Load(ctx, path)
	require.NoError(t, err)
	summary := eng.Verify(ctx)

	require.False(t, summary.ChainValid)
	require.True(t, scenarioHasKind(summary.Violations, "sequence_gap"))
}

// S4 — duplicate nonce (INV-29): rewriting entry 1's nonce to match
// entry 0's must be flagged as a schema violation whose detail mentions
// the nonce.
func TestScenario_S4_DuplicateNonce(t *testing.T) {
	km := fixedSeedKey(t)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.New(path, km, "agent-s4")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := l.Emit(ctx, "execution", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	lines := readScenarioLines(t, path)
	var e0, e1 map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &e0))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &e1))
	e1["nonce"] = e0["nonce"]
	lines[1] = scenarioJSON(t, e1)
	writeScenarioLines(t, path, lines)

	eng, err := replay.Load(ctx, path)
	require.NoError(t, err)
	summary := eng.Verify(ctx)

	require.False(t, summary.ChainValid)
	found := false
	for _, v := range summary.Violations {
		if v.Kind == "schema" && strings.Contains(v.Detail, "nonce") {
			found = true
		}
	}
	require.True(t, found)
}

// S5 — mixed version: rewriting one entry's gef_version must raise on load.
func TestScenario_S5_MixedVersion(t *testing.T) {
	km := fixedSeedKey(t)
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.New(path, km, "agent-s5")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Emit(ctx, "execution", map[string]any{"step": i}, "")
		require.NoError(t, err)
	}

	lines := readScenarioLines(t, path)
	var e2 map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &e2))
	e2["gef_version"] = "9.9"
	lines[2] = scenarioJSON(t, e2)
	writeScenarioLines(t, path, lines)

	_, err = replay.Load(ctx, path)
	require.Error(t, err)
	var versionErr *replay.VersionError
	require.ErrorAs(t, err, &versionErr)
}

// S6 — cross-language reproducibility. No external proof_bundle.json
// fixture exists in the retrieved material (see DESIGN.md), so this
// asserts internal determinism: two independent constructions from the
// same fixed seed, nonce, timestamp, and payload agree on canonical
// bytes, causal hash, and produce a signature that verifies.
func TestScenario_S6_DeterministicConstructionAgrees(t *testing.T) {
	km := fixedSeedKey(t)

	build := func() *envelope.Envelope {
		env := &envelope.Envelope{
			GefVersion:      envelope.Version,
			RecordID:        "gef-00000000-0000-4000-8000-000000000000",
			RecordType:      "execution",
			AgentID:         "agent-s6",
			SignerPublicKey: km.PublicKeyHex(),
			Sequence:        0,
			Nonce:           strings.Repeat("0", 32),
			Timestamp:       "2026-02-25T12:34:56.789Z",
			CausalHash:      envelope.GenesisHash,
			Payload:         map[string]any{"proof": "cross-language", "version": "1.0"},
		}
		_, err := env.Sign(km)
		require.NoError(t, err)
		return env
	}
	envA, envB := build(), build()

	bytesA, err := canonical.Bytes(envA.SigningSurface())
	require.NoError(t, err)
	bytesB, err := canonical.Bytes(envB.SigningSurface())
	require.NoError(t, err)
	require.Equal(t, bytesA, bytesB)

	require.Equal(t, envA.CausalHash, envB.CausalHash)
	require.Equal(t, envA.Signature, envB.Signature)
	require.True(t, envA.VerifySignature(""))
	require.True(t, envB.VerifySignature(""))
}

func readScenarioLines(t *testing.T, path string) []string {
	t.Helper()
	return readLines(t, path)
}

func writeScenarioLines(t *testing.T, path string, lines []string) {
	t.Helper()
	writeLines(t, path, lines)
}

func scenarioJSON(t *testing.T, v any) string {
	t.Helper()
	return mustJSON(t, v)
}

func scenarioHasKind(violations []replay.Violation, kind string) bool {
	return containsKind(violations, kind)
}

func scenarioHasViolationAt(violations []replay.Violation, kind string, sequence int64) bool {
	for _, v := range violations {
		if v.Kind == kind && v.Sequence == sequence {
			return true
		}
	}
	return false
}
