package workflow_test

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func history(t *testing.T) []eventlog.Event {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []eventlog.Event{
		{
			ID: "e1", Type: eventlog.TypeRequestDiscovered, OccurredUTC: now, Version: 1,
			Data: mustJSON(t, eventlog.RequestDiscoveredData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK"}),
		},
		{
			ID: "e2", Type: eventlog.TypeSubmissionPrepared, OccurredUTC: now, Version: 2,
			Data: mustJSON(t, eventlog.SubmissionPreparedData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK", Attempt: 1}),
		},
		{
			ID: "e3", Type: eventlog.TypeJobSubmitted, OccurredUTC: now, Version: 3,
			Data: mustJSON(t, eventlog.JobSubmittedData{RequestID: "pA|rK", PartitionKey: "pA", RowKey: "rK", ExternalJobID: "J-001", Attempt: 1}),
		},
	}
}

func TestRehydrate_FoldsDiscoveredPreparedSubmitted(t *testing.T) {
	id := workflow.RequestID("pA|rK")
	a, err := workflow.Rehydrate(id, history(t))
	require.NoError(t, err)

	require.True(t, a.Discovered())
	require.True(t, a.HasKeys)
	require.Equal(t, "pA", a.PartitionKey)
	require.Equal(t, "rK", a.RowKey)
	require.Equal(t, workflow.StatusInProgress, a.Status)
	require.Equal(t, 1, a.SubmitAttemptCount)
	require.Equal(t, "J-001", a.ExternalJobID)
	require.Equal(t, 3, a.Version)

	_, prepared := a.HasPrepared(1)
	require.True(t, prepared)
	_, submitted := a.HasSubmitted(1)
	require.True(t, submitted)
	require.False(t, a.IsTerminal())
}

func TestRehydrate_OrderIndependentOfInputOrder(t *testing.T) {
	h := history(t)

	// Shuffle the input slice; Rehydrate must sort by Version before
	// folding, so the result is independent of input order (spec.md §8
	// property 2).
	shuffled := make([]eventlog.Event, len(h))
	copy(shuffled, h)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	a1, err := workflow.Rehydrate("pA|rK", h)
	require.NoError(t, err)
	a2, err := workflow.Rehydrate("pA|rK", shuffled)
	require.NoError(t, err)

	require.Equal(t, a1.Status, a2.Status)
	require.Equal(t, a1.SubmitAttemptCount, a2.SubmitAttemptCount)
	require.Equal(t, a1.ExternalJobID, a2.ExternalJobID)
	require.Equal(t, a1.Version, a2.Version)
}

func TestRehydrate_TerminalPassSetsStatus(t *testing.T) {
	h := history(t)
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	h = append(h, eventlog.Event{
		ID: "e4", Type: eventlog.TypeJobTerminal, OccurredUTC: now, Version: 4,
		Data: mustJSON(t, eventlog.JobTerminalData{RequestID: "pA|rK", ExternalJobID: "J-001", TerminalStatus: "Pass", Attempt: 1}),
	})

	a, err := workflow.Rehydrate("pA|rK", h)
	require.NoError(t, err)
	require.True(t, a.IsTerminal())
	require.Equal(t, workflow.StatusPass, a.Status)
}

func TestRehydrate_FailCanRetryDoesNotTerminate(t *testing.T) {
	h := history(t)
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	h = append(h, eventlog.Event{
		ID: "e4", Type: eventlog.TypeJobTerminal, OccurredUTC: now, Version: 4,
		Data: mustJSON(t, eventlog.JobTerminalData{RequestID: "pA|rK", ExternalJobID: "J-001", TerminalStatus: "FailCanRetry", Attempt: 1}),
	})

	a, err := workflow.Rehydrate("pA|rK", h)
	require.NoError(t, err)
	require.False(t, a.IsTerminal())
	require.Equal(t, workflow.StatusInProgress, a.Status)
}

func TestRehydrate_CompletedIsTerminalAndLast(t *testing.T) {
	h := history(t)
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)
	h = append(h,
		eventlog.Event{
			ID: "e4", Type: eventlog.TypeJobTerminal, OccurredUTC: now, Version: 4,
			Data: mustJSON(t, eventlog.JobTerminalData{RequestID: "pA|rK", ExternalJobID: "J-001", TerminalStatus: "Pass", Attempt: 1}),
		},
		eventlog.Event{
			ID: "e5", Type: eventlog.TypeRequestCompleted, OccurredUTC: now, Version: 5,
			Data: mustJSON(t, eventlog.RequestCompletedData{RequestID: "pA|rK", FinalStatus: "Pass"}),
		},
	)

	a, err := workflow.Rehydrate("pA|rK", h)
	require.NoError(t, err)
	require.True(t, a.IsTerminal())
	require.Equal(t, 5, a.Version)
	require.NotNil(t, a.CompletedEvent)
}
