package envelope_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/keymanager"
)

func testKey(t *testing.T) *keymanager.KeyManager {
	t.Helper()
	km, err := keymanager.FromSeed(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return km
}

func TestCreate_Genesis(t *testing.T) {
	km := testKey(t)
	env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
	require.NoError(t, err)
	require.Equal(t, envelope.GenesisHash, env.CausalHash)
	require.Equal(t, envelope.Version, env.GefVersion)
	require.False(t, env.IsSigned())
}

func TestCreate_RejectsUnknownRecordType(t *testing.T) {
	km := testKey(t)
	_, err := envelope.Create("not_a_type", "agent-1", km.PublicKeyHex(), 0, map[string]any{}, nil)
	require.Error(t, err)
	var iae *envelope.InvalidArgumentError
	require.ErrorAs(t, err, &iae)
}

func TestCreate_RejectsNegativeSequence(t *testing.T) {
	km := testKey(t)
	_, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), -1, map[string]any{}, nil)
	require.Error(t, err)
}

func TestCreate_RejectsBadPublicKeyLength(t *testing.T) {
	_, err := envelope.Create("execution", "agent-1", "deadbeef", 0, map[string]any{}, nil)
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	km := testKey(t)
	env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
	require.NoError(t, err)

	_, err = env.Sign(km)
	require.NoError(t, err)
	require.True(t, env.IsSigned())
	require.True(t, env.VerifySignature(""))
}

func TestVerifySignature_UnsignedReturnsFalse(t *testing.T) {
	km := testKey(t)
	env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{}, nil)
	require.NoError(t, err)
	require.False(t, env.VerifySignature(""))
}

func TestVerifySignature_WrongKeyFails(t *testing.T) {
	km := testKey(t)
	other, err := keymanager.FromSeed(bytes.Repeat([]byte{0x99}, 32))
	require.NoError(t, err)

	env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{}, nil)
	require.NoError(t, err)
	_, err = env.Sign(km)
	require.NoError(t, err)

	require.False(t, env.VerifySignature(other.PublicKeyHex()))
}

func TestSignatureIntegrity_FieldMutationInvalidatesSignature(t *testing.T) {
	km := testKey(t)

	mutate := func(mutator func(*envelope.Envelope)) bool {
		env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
		require.NoError(t, err)
		_, err = env.Sign(km)
		require.NoError(t, err)
		mutator(env)
		return env.VerifySignature("")
	}

	require.False(t, mutate(func(e *envelope.Envelope) { e.GefVersion = "9.9" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.RecordID = "gef-other" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.RecordType = "heartbeat" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.AgentID = "other-agent" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.SignerPublicKey = e.SignerPublicKey[:63] + "0" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.Sequence = 1 }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.Nonce = "00000000000000000000000000000000"[:32] }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.Timestamp = "2020-01-01T00:00:00.000Z" }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.CausalHash = strings.Repeat("f", 64) }))
	require.False(t, mutate(func(e *envelope.Envelope) { e.Payload = map[string]any{"step": 99} }))
}

func TestChain_GenesisAndContinuation(t *testing.T) {
	km := testKey(t)
	first, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
	require.NoError(t, err)
	_, err = first.Sign(km)
	require.NoError(t, err)
	require.True(t, first.VerifyChain(nil))

	second, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 1, map[string]any{"step": 1}, first)
	require.NoError(t, err)
	_, err = second.Sign(km)
	require.NoError(t, err)
	require.True(t, second.VerifyChain(first))
	require.True(t, second.VerifySequence(1))
}

func TestChain_SensitiveToPrevMutationButNotSignature(t *testing.T) {
	km := testKey(t)
	first, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
	require.NoError(t, err)
	_, err = first.Sign(km)
	require.NoError(t, err)

	second, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 1, map[string]any{"step": 1}, first)
	require.NoError(t, err)

	// Mutating prev.Signature must not affect chain verification: signature
	// is excluded from the chaining surface.
	first.Signature = "tampered-signature-value"
	require.True(t, second.VerifyChain(first))

	// Mutating any other field of prev must break it.
	first.Payload = map[string]any{"step": 999}
	require.False(t, second.VerifyChain(first))
}

func TestValidateSchema_RejectsKnownViolations(t *testing.T) {
	km := testKey(t)
	env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"step": 0}, nil)
	require.NoError(t, err)
	_, err = env.Sign(km)
	require.NoError(t, err)

	valid, errs := env.ValidateSchema()
	require.True(t, valid)
	require.Empty(t, errs)

	env.RecordType = "not-a-type"
	valid, errs = env.ValidateSchema()
	require.False(t, valid)
	require.NotEmpty(t, errs)
}

func TestNonceUniqueness_100Envelopes(t *testing.T) {
	km := testKey(t)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := envelope.Create("heartbeat", "agent-1", km.PublicKeyHex(), int64(i), map[string]any{}, nil)
		require.NoError(t, err)
		require.False(t, seen[env.Nonce], "duplicate nonce at iteration %d", i)
		seen[env.Nonce] = true
	}
}
