// Package projection implements the pure reducer that derives the
// "what needs polling now" read model (spec.md §3 RequestProjection, §4.3).
package projection

import (
	"time"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

// Record is the derived, rebuildable read model for one request
// (spec.md §3's RequestProjection).
type Record struct {
	ID                      workflow.RequestID
	RequestID               workflow.RequestID
	PartitionKey            string
	RowKey                  string
	Status                  workflow.WorkItemStatus
	SubmitAttemptCount      int
	NextPollAtUTC           *time.Time
	ExternalJobID           string
	HasExternalJobID        bool
	LastAppliedEventVersion int
	UpdatedUTC              time.Time
}

// Reduce folds one event into current, producing the next projection
// value (spec.md §4.3). It is monotonic: any event whose Version is less
// than or equal to current.LastAppliedEventVersion is a no-op, so applying
// the same event twice (at-least-once delivery) never regresses state
// (spec.md §8 property 3).
func Reduce(current Record, evt eventlog.Event, pollInterval time.Duration) (Record, error) {
	if evt.Version <= current.LastAppliedEventVersion {
		return current, nil
	}

	next := current

	switch evt.Type {
	case eventlog.TypeRequestDiscovered:
		var data eventlog.RequestDiscoveredData
		if err := eventlog.Decode(evt, &data); err != nil {
			return current, err
		}
		id, err := workflow.ParseRequestID(data.RequestID)
		if err != nil {
			return current, err
		}
		next = Record{
			ID:                 id,
			RequestID:          id,
			PartitionKey:       data.PartitionKey,
			RowKey:             data.RowKey,
			Status:             workflow.StatusInProgress,
			SubmitAttemptCount: 0,
		}

	case eventlog.TypeSubmissionPrepared:
		var data eventlog.SubmissionPreparedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return current, err
		}
		if data.Attempt > next.SubmitAttemptCount {
			next.ExternalJobID = ""
			next.HasExternalJobID = false
			next.NextPollAtUTC = nil
		}
		next.Status = workflow.StatusInProgress

	case eventlog.TypeJobSubmitted:
		var data eventlog.JobSubmittedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return current, err
		}
		next.ExternalJobID = data.ExternalJobID
		next.HasExternalJobID = true
		due := evt.OccurredUTC.Add(pollInterval)
		next.NextPollAtUTC = &due
		if data.Attempt > next.SubmitAttemptCount {
			next.SubmitAttemptCount = data.Attempt
		}

	case eventlog.TypeJobPollRequested:
		// Advancing nextPollAtUtc here is the guard that prevents
		// ScheduleDuePolls from re-selecting this item within the same
		// poll interval (spec.md §4.3, §4.9).
		due := evt.OccurredUTC.Add(pollInterval)
		next.NextPollAtUTC = &due

	case eventlog.TypeJobTerminal:
		var data eventlog.JobTerminalData
		if err := eventlog.Decode(evt, &data); err != nil {
			return current, err
		}
		switch workflow.TerminalStatus(data.TerminalStatus) {
		case workflow.StatusExternalPass:
			next.Status = workflow.StatusPass
		case workflow.StatusExternalFail:
			next.Status = workflow.StatusFail
		}
		next.NextPollAtUTC = nil

	case eventlog.TypeRequestCompleted:
		var data eventlog.RequestCompletedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return current, err
		}
		next.Status = workflow.WorkItemStatus(data.FinalStatus)
		next.NextPollAtUTC = nil

	default:
		// Unknown event types are ignored, matching the aggregate's
		// behavior (spec.md §9).
		return current, nil
	}

	next.LastAppliedEventVersion = evt.Version
	next.UpdatedUTC = evt.OccurredUTC

	return next, nil
}

// ReduceAll folds a whole history into a projection starting from zero
// value, applying events in ascending version order. Used to rebuild a
// projection from scratch after an append (spec.md §4.4 step 6 and
// similar steps throughout §4).
func ReduceAll(history []eventlog.Event, pollInterval time.Duration) (Record, error) {
	sorted := make([]eventlog.Event, len(history))
	copy(sorted, history)
	sortByVersion(sorted)

	var rec Record
	for _, evt := range sorted {
		var err error
		rec, err = Reduce(rec, evt, pollInterval)
		if err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func sortByVersion(events []eventlog.Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j-1].Version > events[j].Version; j-- {
			events[j-1], events[j] = events[j], events[j-1]
		}
	}
}
