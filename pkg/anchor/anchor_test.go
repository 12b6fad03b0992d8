package anchor_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardclaw/gef/pkg/anchor"
)

func TestHead_MarshalsExpectedFields(t *testing.T) {
	h := anchor.Head{
		AgentID:     "agent-1",
		Sequence:    3,
		CausalHash:  "abc123",
		RecordID:    "gef-xyz",
		PublishedAt: "2026-01-01T00:00:00.000Z",
	}
	b, err := json.Marshal(h)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Equal(t, "agent-1", decoded["agent_id"])
	require.Equal(t, float64(3), decoded["sequence"])
	require.Equal(t, "abc123", decoded["causal_hash"])
}
