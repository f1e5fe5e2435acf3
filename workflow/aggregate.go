package workflow

import (
	"fmt"
	"sort"

	"github.com/flowcore/workflow/eventlog"
)

// Aggregate is the in-memory reconstruction of one workflow instance's
// state from its event stream (spec.md §3 "Aggregate (derived,
// transient)"). It is rebuilt by Rehydrate on every handler invocation;
// nothing here is persisted directly.
type Aggregate struct {
	RequestID          RequestID
	PartitionKey       string
	RowKey             string
	HasKeys            bool
	Status             WorkItemStatus
	SubmitAttemptCount int
	ExternalJobID      string
	HasExternalJobID   bool
	Version            int

	PreparedAttempts  map[int]eventlog.Event
	SubmittedAttempts map[int]eventlog.Event

	TerminalEvent   *eventlog.Event
	CompletedEvent  *eventlog.Event
	discovered      bool
}

// HasPrepared reports whether a submission.prepared.v1 with this attempt
// number exists in the stream, and returns the stored event if so.
func (a *Aggregate) HasPrepared(attempt int) (eventlog.Event, bool) {
	e, ok := a.PreparedAttempts[attempt]
	return e, ok
}

// HasSubmitted reports whether a job.submitted.v1 with this attempt number
// exists in the stream, and returns the stored event if so.
func (a *Aggregate) HasSubmitted(attempt int) (eventlog.Event, bool) {
	e, ok := a.SubmittedAttempts[attempt]
	return e, ok
}

// IsTerminal reports whether the aggregate's status is Pass or Fail.
func (a *Aggregate) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// Discovered reports whether a request.discovered.v1 event has been
// folded into this aggregate.
func (a *Aggregate) Discovered() bool {
	return a.discovered
}

// Rehydrate replays history (sorted by Version ascending) into a fresh
// Aggregate. It is a pure function: rehydrating the same history, in any
// original order, always produces the same result (spec.md §8 property 2),
// because the fold itself sorts before folding.
func Rehydrate(id RequestID, history []eventlog.Event) (*Aggregate, error) {
	sorted := make([]eventlog.Event, len(history))
	copy(sorted, history)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	a := &Aggregate{
		RequestID:         id,
		Status:            StatusInProgress,
		PreparedAttempts:  make(map[int]eventlog.Event),
		SubmittedAttempts: make(map[int]eventlog.Event),
	}

	for _, evt := range sorted {
		if err := a.apply(evt); err != nil {
			return nil, fmt.Errorf("apply %s (v%d): %w", evt.Type, evt.Version, err)
		}
		if evt.Version > a.Version {
			a.Version = evt.Version
		}
	}

	return a, nil
}

func (a *Aggregate) apply(evt eventlog.Event) error {
	switch evt.Type {
	case eventlog.TypeRequestDiscovered:
		var data eventlog.RequestDiscoveredData
		if err := eventlog.Decode(evt, &data); err != nil {
			return err
		}
		a.discovered = true
		a.PartitionKey = data.PartitionKey
		a.RowKey = data.RowKey
		a.HasKeys = data.PartitionKey != "" && data.RowKey != ""
		a.Status = StatusInProgress

	case eventlog.TypeSubmissionPrepared:
		var data eventlog.SubmissionPreparedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return err
		}
		a.PreparedAttempts[data.Attempt] = evt

	case eventlog.TypeJobSubmitted:
		var data eventlog.JobSubmittedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return err
		}
		a.SubmittedAttempts[data.Attempt] = evt
		if data.Attempt > a.SubmitAttemptCount {
			a.SubmitAttemptCount = data.Attempt
		}
		a.ExternalJobID = data.ExternalJobID
		a.HasExternalJobID = true
		a.Status = StatusInProgress

	case eventlog.TypeJobTerminal:
		var data eventlog.JobTerminalData
		if err := eventlog.Decode(evt, &data); err != nil {
			return err
		}
		evtCopy := evt
		a.TerminalEvent = &evtCopy
		// FailCanRetry is not terminal for the aggregate (spec.md §4.2):
		// it leaves Status unchanged. Only Poll deciding Pass/Fail moves
		// the aggregate into a terminal state.
		switch TerminalStatus(data.TerminalStatus) {
		case StatusExternalPass:
			a.Status = StatusPass
		case StatusExternalFail:
			a.Status = StatusFail
		}

	case eventlog.TypeRequestCompleted:
		var data eventlog.RequestCompletedData
		if err := eventlog.Decode(evt, &data); err != nil {
			return err
		}
		evtCopy := evt
		a.CompletedEvent = &evtCopy
		a.Status = WorkItemStatus(data.FinalStatus)

	default:
		// Unknown event types (and job.pollrequested.v1) are ignored by the
		// aggregate fold; nothing is logged here.
	}
	return nil
}
