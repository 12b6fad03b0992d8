package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guardclaw/gef/pkg/telemetry"
)

func TestNew_DisabledIsSafeNoOp(t *testing.T) {
	p, err := telemetry.New(context.Background(), &telemetry.Config{Enabled: false})
	require.NoError(t, err)

	ctx, end := p.StartOperation(context.Background(), "ledger.emit")
	require.NotNil(t, ctx)
	end(nil)
	end2Called := func() { end(errors.New("boom")) }
	require.NotPanics(t, end2Called)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_NilConfigDefaults(t *testing.T) {
	p, err := telemetry.New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}
