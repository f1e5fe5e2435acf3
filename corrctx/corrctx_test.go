package corrctx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflow/corrctx"
)

func TestWith_RoundTrips(t *testing.T) {
	ctx := corrctx.With(context.Background(), "corr-1", "caus-1")
	p := corrctx.From(ctx)
	require.NotNil(t, p.CorrelationID)
	require.Equal(t, "corr-1", *p.CorrelationID)
	require.NotNil(t, p.CausationID)
	require.Equal(t, "caus-1", *p.CausationID)
}

func TestWith_EmptyStringIsAbsent(t *testing.T) {
	ctx := corrctx.With(context.Background(), "", "")
	p := corrctx.From(ctx)
	require.Nil(t, p.CorrelationID)
	require.Nil(t, p.CausationID)
}

func TestFrom_NoPairAttachedReturnsZeroValue(t *testing.T) {
	p := corrctx.From(context.Background())
	require.Nil(t, p.CorrelationID)
	require.Nil(t, p.CausationID)
}
