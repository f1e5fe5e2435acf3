package handlers

import (
	"context"
	"fmt"

	"github.com/flowcore/workflow/corrctx"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/projection"
)

// ScheduleDuePolls is the second timer-driven entry point (spec.md §4.9):
// it finds projections due for polling and appends job.pollrequested.v1.
func (d *Deps) ScheduleDuePolls(ctx context.Context) error {
	now := d.Clock.Now().UTC()

	due, err := d.Projections.GetDueForPoll(ctx, now, d.Config.PollBatchSize)
	if err != nil {
		return fmt.Errorf("handlers: schedule: query due projections: %w", err)
	}

	for _, rec := range due {
		if err := d.scheduleOne(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) scheduleOne(ctx context.Context, rec projection.Record) error {
	if !rec.HasExternalJobID || rec.SubmitAttemptCount == 0 {
		return nil
	}

	requestCtx := corrctx.With(ctx, rec.RequestID.String(), "")

	discriminator := fmt.Sprintf("attempt:%d|due:%s", rec.SubmitAttemptCount, rec.NextPollAtUTC.UTC().Format("2006-01-02T15:04:05Z"))

	id, err := newEventID(requestCtx, rec.RequestID.String(), eventlog.TypeJobPollRequested, discriminator)
	if err != nil {
		return fmt.Errorf("handlers: schedule: event id for %s: %w", rec.RequestID, err)
	}

	proposed, err := d.buildProposed(requestCtx, id, eventlog.TypeJobPollRequested, eventlog.JobPollRequestedData{
		RequestID:     rec.RequestID.String(),
		ExternalJobID: rec.ExternalJobID,
		Attempt:       rec.SubmitAttemptCount,
	})
	if err != nil {
		return fmt.Errorf("handlers: schedule: encode event for %s: %w", rec.RequestID, err)
	}

	result, err := d.appendOne(requestCtx, rec.RequestID.String(), proposed, rec.LastAppliedEventVersion)
	if err != nil {
		return err
	}
	if !result.committed {
		return nil
	}

	if err := d.rebuildProjection(requestCtx, rec.RequestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeJobPollRequested, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	return d.publish(requestCtx, rec.RequestID, storedEvt)
}
