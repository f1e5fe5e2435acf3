package projection_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/projection"
	"github.com/flowcore/workflow/workflow"
)

const pollInterval = 5 * time.Minute

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestReduce_DiscoveredCreatesFreshRecord(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	evt := eventlog.Event{
		ID: "e1", Type: eventlog.TypeRequestDiscovered, OccurredUTC: now, Version: 1,
		Data: mustJSON(t, eventlog.RequestDiscoveredData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK"}),
	}

	rec, err := projection.Reduce(projection.Record{}, evt, pollInterval)
	require.NoError(t, err)
	require.Equal(t, "pA", rec.PartitionKey)
	require.Equal(t, "rK", rec.RowKey)
	require.Equal(t, 1, rec.LastAppliedEventVersion)
	require.Equal(t, now, rec.UpdatedUTC)
}

func TestReduce_SubmittedSetsNextPollAtUTC(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	discovered, err := projection.Reduce(projection.Record{}, eventlog.Event{
		ID: "e1", Type: eventlog.TypeRequestDiscovered, OccurredUTC: now, Version: 1,
		Data: mustJSON(t, eventlog.RequestDiscoveredData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK"}),
	}, pollInterval)
	require.NoError(t, err)

	submitted, err := projection.Reduce(discovered, eventlog.Event{
		ID: "e2", Type: eventlog.TypeJobSubmitted, OccurredUTC: now, Version: 2,
		Data: mustJSON(t, eventlog.JobSubmittedData{RequestID: "pA|rK", ExternalJobID: "J-001", Attempt: 1}),
	}, pollInterval)
	require.NoError(t, err)

	require.True(t, submitted.HasExternalJobID)
	require.Equal(t, "J-001", submitted.ExternalJobID)
	require.Equal(t, 1, submitted.SubmitAttemptCount)
	require.NotNil(t, submitted.NextPollAtUTC)
	require.Equal(t, now.Add(pollInterval), *submitted.NextPollAtUTC)
}

func TestReduce_MonotonicIgnoresStaleEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := projection.Record{LastAppliedEventVersion: 5}

	stale := eventlog.Event{
		ID: "eStale", Type: eventlog.TypeJobPollRequested, OccurredUTC: now, Version: 3,
		Data: mustJSON(t, eventlog.JobPollRequestedData{RequestID: "pA|rK", ExternalJobID: "J-001", Attempt: 1}),
	}

	next, err := projection.Reduce(rec, stale, pollInterval)
	require.NoError(t, err)
	require.Equal(t, rec, next)
}

func TestReduce_TerminalClearsNextPollAtUTC(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(pollInterval)
	rec := projection.Record{
		Status:                  workflow.StatusInProgress,
		NextPollAtUTC:           &due,
		LastAppliedEventVersion: 2,
	}

	terminal, err := projection.Reduce(rec, eventlog.Event{
		ID: "e3", Type: eventlog.TypeJobTerminal, OccurredUTC: now, Version: 3,
		Data: mustJSON(t, eventlog.JobTerminalData{RequestID: "pA|rK", ExternalJobID: "J-001", TerminalStatus: "Pass", Attempt: 1}),
	}, pollInterval)
	require.NoError(t, err)
	require.Nil(t, terminal.NextPollAtUTC)
	require.Equal(t, 3, terminal.LastAppliedEventVersion)
}

func TestReduceAll_OrderIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []eventlog.Event{
		{
			ID: "e2", Type: eventlog.TypeJobSubmitted, OccurredUTC: now, Version: 2,
			Data: mustJSON(t, eventlog.JobSubmittedData{RequestID: "pA|rK", ExternalJobID: "J-001", Attempt: 1}),
		},
		{
			ID: "e1", Type: eventlog.TypeRequestDiscovered, OccurredUTC: now, Version: 1,
			Data: mustJSON(t, eventlog.RequestDiscoveredData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK"}),
		},
	}

	rec, err := projection.ReduceAll(events, pollInterval)
	require.NoError(t, err)
	require.Equal(t, "J-001", rec.ExternalJobID)
	require.Equal(t, 2, rec.LastAppliedEventVersion)
}
