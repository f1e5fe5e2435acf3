package eventid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflow/eventid"
)

func str(s string) *string { return &s }

func TestDeterministic_SameInputsSameOutput(t *testing.T) {
	corr := str("corr-1")
	caus := str("caus-1")
	disc := str("attempt:1")

	id1, err := eventid.Deterministic("req-1", "submission.prepared.v1", corr, caus, disc)
	require.NoError(t, err)

	id2, err := eventid.Deterministic("req-1", "submission.prepared.v1", corr, caus, disc)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestDeterministic_DifferingDiscriminatorDiffers(t *testing.T) {
	id1, err := eventid.Deterministic("req-1", "submission.prepared.v1", nil, nil, str("attempt:1"))
	require.NoError(t, err)

	id2, err := eventid.Deterministic("req-1", "submission.prepared.v1", nil, nil, str("attempt:2"))
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestDeterministic_NilAndEmptyDiscriminatorEquivalent(t *testing.T) {
	id1, err := eventid.Deterministic("req-1", "request.discovered.v1", nil, nil, nil)
	require.NoError(t, err)

	empty := ""
	id2, err := eventid.Deterministic("req-1", "request.discovered.v1", nil, nil, &empty)
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestDeterministic_RejectsEmptyAggregateID(t *testing.T) {
	_, err := eventid.Deterministic("", "request.discovered.v1", nil, nil, nil)
	require.ErrorIs(t, err, eventid.ErrEmptyAggregateID)
}

func TestDeterministic_RejectsEmptyEventType(t *testing.T) {
	_, err := eventid.Deterministic("req-1", "", nil, nil, nil)
	require.ErrorIs(t, err, eventid.ErrEmptyEventType)
}

func TestDeterministic_URLSafeNoPadding(t *testing.T) {
	id, err := eventid.Deterministic("req-1", "request.discovered.v1", nil, nil, nil)
	require.NoError(t, err)

	require.NotContains(t, id, "+")
	require.NotContains(t, id, "/")
	require.NotContains(t, id, "=")
}
