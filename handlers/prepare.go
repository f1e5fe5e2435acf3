package handlers

import (
	"context"
	"fmt"

	"github.com/flowcore/workflow/corrctx"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

const handlerPrepareSubmission = "PrepareSubmission"

// PrepareSubmission reacts to request.discovered.v1 (spec.md §4.5),
// computing the next submit attempt and appending submission.prepared.v1.
func (d *Deps) PrepareSubmission(ctx context.Context, trigger eventlog.Event) error {
	var data eventlog.RequestDiscoveredData
	if err := eventlog.Decode(trigger, &data); err != nil {
		return fmt.Errorf("handlers: prepare: decode trigger %s: %w", trigger.ID, err)
	}

	proceed, err := d.beginIdempotent(ctx, handlerPrepareSubmission, trigger.ID)
	if err != nil || !proceed {
		return err
	}

	requestID, err := workflow.ParseRequestID(data.RequestID)
	if err != nil {
		d.Log.Warn().Str("requestId", data.RequestID).Err(err).Msg("prepare: invalid request id, discarding")
		return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
	}
	ctx = withTriggerContext(ctx, trigger, requestID)

	agg, err := d.rehydrate(ctx, requestID)
	if err != nil {
		return err
	}

	if agg.IsTerminal() {
		return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
	}
	if !agg.HasKeys {
		d.Log.Warn().Str("requestId", requestID.String()).Msg("prepare: aggregate missing keys, discarding")
		return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
	}

	attempt := agg.SubmitAttemptCount + 1
	if attempt > d.Config.MaxSubmitAttempts {
		return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
	}

	if stored, ok := agg.HasPrepared(attempt); ok {
		if err := d.rebuildProjection(ctx, requestID); err != nil {
			return err
		}
		return d.republishAndComplete(ctx, handlerPrepareSubmission, trigger.ID, requestID, stored)
	}

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeSubmissionPrepared, discriminatorAttempt(attempt))
	if err != nil {
		return fmt.Errorf("handlers: prepare: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeSubmissionPrepared, eventlog.SubmissionPreparedData{
		RequestID:    requestID.String(),
		PartitionKey: agg.PartitionKey,
		RowKey:       agg.RowKey,
		Attempt:      attempt,
	})
	if err != nil {
		return fmt.Errorf("handlers: prepare: encode event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, agg.Version)
	if err != nil {
		return err
	}
	if !result.committed {
		return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
	}

	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeSubmissionPrepared, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	if err := d.publish(ctx, requestID, storedEvt); err != nil {
		return err
	}
	return d.markCompleted(ctx, handlerPrepareSubmission, trigger.ID)
}

// withTriggerContext attaches the triggering event's correlation id (or
// requestID, if the trigger carried none) and its own id as causation.
func withTriggerContext(ctx context.Context, trigger eventlog.Event, requestID workflow.RequestID) context.Context {
	correlation := requestID.String()
	if trigger.CorrelationID != nil && *trigger.CorrelationID != "" {
		correlation = *trigger.CorrelationID
	}
	return corrctx.With(ctx, correlation, trigger.ID)
}

func discriminatorAttempt(attempt int) string {
	return fmt.Sprintf("attempt:%d", attempt)
}
