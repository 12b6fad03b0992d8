//go:build property
// +build property

package envelope_test

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/guardclaw/gef/pkg/envelope"
	"github.com/guardclaw/gef/pkg/keymanager"
)

// TestSignatureIntegrity_ArbitraryPayloadMutation checks invariant 1 across
// arbitrary payload content, not just the fixed cases in envelope_test.go.
func TestSignatureIntegrity_ArbitraryPayloadMutation(t *testing.T) {
	km, err := keymanager.FromSeed(bytes.Repeat([]byte{0x7a}, 32))
	if err != nil {
		t.Fatal(err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating payload after signing always invalidates the signature", prop.ForAll(
		func(original, mutated string) bool {
			if original == mutated {
				return true
			}
			env, err := envelope.Create("execution", "agent-1", km.PublicKeyHex(), 0, map[string]any{"v": original}, nil)
			if err != nil {
				return false
			}
			if _, err := env.Sign(km); err != nil {
				return false
			}
			env.Payload = map[string]any{"v": mutated}
			return !env.VerifySignature("")
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
