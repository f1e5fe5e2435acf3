package handlers

import (
	"context"
	"fmt"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

const handlerSubmitJob = "SubmitJob"

// SubmitJob reacts to submission.prepared.v1 (spec.md §4.6), calling the
// external service and appending job.submitted.v1.
func (d *Deps) SubmitJob(ctx context.Context, trigger eventlog.Event) error {
	var data eventlog.SubmissionPreparedData
	if err := eventlog.Decode(trigger, &data); err != nil {
		return fmt.Errorf("handlers: submit: decode trigger %s: %w", trigger.ID, err)
	}

	proceed, err := d.beginIdempotent(ctx, handlerSubmitJob, trigger.ID)
	if err != nil || !proceed {
		return err
	}

	requestID, err := workflow.ParseRequestID(data.RequestID)
	if err != nil {
		d.Log.Warn().Str("requestId", data.RequestID).Err(err).Msg("submit: invalid request id, discarding")
		return d.markCompleted(ctx, handlerSubmitJob, trigger.ID)
	}
	ctx = withTriggerContext(ctx, trigger, requestID)

	agg, err := d.rehydrate(ctx, requestID)
	if err != nil {
		return err
	}

	if agg.IsTerminal() {
		return d.markCompleted(ctx, handlerSubmitJob, trigger.ID)
	}

	attempt := data.Attempt
	if attempt < 1 || attempt > d.Config.MaxSubmitAttempts {
		d.Log.Warn().Str("requestId", requestID.String()).Int("attempt", attempt).
			Msg("submit: attempt out of bounds, discarding")
		return d.markCompleted(ctx, handlerSubmitJob, trigger.ID)
	}

	if stored, ok := agg.HasSubmitted(attempt); ok {
		if err := d.rebuildProjection(ctx, requestID); err != nil {
			return err
		}
		return d.republishAndComplete(ctx, handlerSubmitJob, trigger.ID, requestID, stored)
	}

	// external.createJob is required to be idempotent on (requestId,
	// attempt), so calling it before the append is safe: a crash between
	// this call and the append below simply repeats the call on retry and
	// gets the same jobId (spec.md §4.6 rationale).
	jobID, _, err := d.External.CreateJob(ctx, requestID, attempt)
	if err != nil {
		return fmt.Errorf("handlers: submit: create job for %s attempt %d: %w", requestID, attempt, err)
	}

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeJobSubmitted, discriminatorAttempt(attempt))
	if err != nil {
		return fmt.Errorf("handlers: submit: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeJobSubmitted, eventlog.JobSubmittedData{
		RequestID:     requestID.String(),
		PartitionKey:  agg.PartitionKey,
		RowKey:        agg.RowKey,
		ExternalJobID: jobID,
		Attempt:       attempt,
	})
	if err != nil {
		return fmt.Errorf("handlers: submit: encode event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, agg.Version)
	if err != nil {
		return err
	}
	if !result.committed {
		return d.markCompleted(ctx, handlerSubmitJob, trigger.ID)
	}

	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeJobSubmitted, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	if err := d.publish(ctx, requestID, storedEvt); err != nil {
		return err
	}
	return d.markCompleted(ctx, handlerSubmitJob, trigger.ID)
}
