package handlers

import (
	"context"
	"fmt"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

const handlerPollExternalJob = "PollExternalJob"

// PollExternalJob reacts to job.pollrequested.v1 (spec.md §4.7): it asks
// the external service for the job's status and branches into a retry,
// a terminal outcome, or a no-op.
func (d *Deps) PollExternalJob(ctx context.Context, trigger eventlog.Event) error {
	var data eventlog.JobPollRequestedData
	if err := eventlog.Decode(trigger, &data); err != nil {
		return fmt.Errorf("handlers: poll: decode trigger %s: %w", trigger.ID, err)
	}

	proceed, err := d.beginIdempotent(ctx, handlerPollExternalJob, trigger.ID)
	if err != nil || !proceed {
		return err
	}

	requestID, err := workflow.ParseRequestID(data.RequestID)
	if err != nil {
		d.Log.Warn().Str("requestId", data.RequestID).Err(err).Msg("poll: invalid request id, discarding")
		return d.markCompleted(ctx, handlerPollExternalJob, trigger.ID)
	}
	ctx = withTriggerContext(ctx, trigger, requestID)

	agg, err := d.rehydrate(ctx, requestID)
	if err != nil {
		return err
	}

	// A terminal outcome already recorded (this invocation is a redelivery
	// that arrived after a prior success, or raced another worker) means
	// the work here is done, but spec §9 still requires republishing the
	// stored job.terminal.v1 rather than silently returning.
	if agg.TerminalEvent != nil {
		if err := d.rebuildProjection(ctx, requestID); err != nil {
			return err
		}
		return d.republishAndComplete(ctx, handlerPollExternalJob, trigger.ID, requestID, *agg.TerminalEvent)
	}

	if agg.IsTerminal() {
		return d.markCompleted(ctx, handlerPollExternalJob, trigger.ID)
	}

	status, err := d.External.GetStatus(ctx, data.ExternalJobID)
	if err != nil {
		return fmt.Errorf("handlers: poll: get status for job %s: %w", data.ExternalJobID, err)
	}

	switch status {
	case workflow.StatusCreated, workflow.StatusInprogress:
		// nextPollAtUtc was already advanced by the scheduler; nothing to
		// append (spec.md §4.7 step 3).
		return d.markCompleted(ctx, handlerPollExternalJob, trigger.ID)

	case workflow.StatusExternalPass, workflow.StatusExternalFail:
		return d.appendTerminalAndComplete(ctx, requestID, agg, data, trigger.ID, status)

	case workflow.StatusFailCanRetry:
		return d.pollFailCanRetry(ctx, requestID, agg, data, trigger.ID)

	default:
		d.Log.Warn().Str("requestId", requestID.String()).Str("status", string(status)).
			Msg("poll: unknown external status, coercing to terminal Fail")
		return d.appendTerminalAndComplete(ctx, requestID, agg, data, trigger.ID, workflow.StatusExternalFail)
	}
}

func attemptOf(agg *workflow.Aggregate) int {
	if agg.SubmitAttemptCount > 0 {
		return agg.SubmitAttemptCount
	}
	return 1
}

func (d *Deps) appendTerminalAndComplete(ctx context.Context, requestID workflow.RequestID, agg *workflow.Aggregate, data eventlog.JobPollRequestedData, triggerID string, status workflow.TerminalStatus) error {
	attempt := attemptOf(agg)
	discriminator := fmt.Sprintf("attempt:%d|job:%s|status:%s", attempt, data.ExternalJobID, status)

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeJobTerminal, discriminator)
	if err != nil {
		return fmt.Errorf("handlers: poll: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeJobTerminal, eventlog.JobTerminalData{
		RequestID:      requestID.String(),
		ExternalJobID:  data.ExternalJobID,
		TerminalStatus: string(status),
		Attempt:        attempt,
	})
	if err != nil {
		return fmt.Errorf("handlers: poll: encode terminal event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, agg.Version)
	if err != nil {
		return err
	}
	if !result.committed {
		return d.republishWinningTerminal(ctx, requestID, triggerID)
	}

	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeJobTerminal, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	if err := d.publish(ctx, requestID, storedEvt); err != nil {
		return err
	}
	return d.markCompleted(ctx, handlerPollExternalJob, triggerID)
}

// republishWinningTerminal handles an append race lost while recording a
// terminal outcome: another worker's append already landed, so this
// invocation re-reads the stream and republishes whatever is there.
func (d *Deps) republishWinningTerminal(ctx context.Context, requestID workflow.RequestID, triggerID string) error {
	agg, err := d.rehydrate(ctx, requestID)
	if err != nil {
		return err
	}
	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}
	if agg.TerminalEvent != nil {
		return d.republishAndComplete(ctx, handlerPollExternalJob, triggerID, requestID, *agg.TerminalEvent)
	}
	return d.markCompleted(ctx, handlerPollExternalJob, triggerID)
}

func (d *Deps) pollFailCanRetry(ctx context.Context, requestID workflow.RequestID, agg *workflow.Aggregate, data eventlog.JobPollRequestedData, triggerID string) error {
	nextAttempt := agg.SubmitAttemptCount + 1

	if nextAttempt > d.Config.MaxSubmitAttempts || !agg.HasKeys {
		return d.appendTerminalAndComplete(ctx, requestID, agg, data, triggerID, workflow.StatusExternalFail)
	}

	if stored, ok := agg.HasPrepared(nextAttempt); ok {
		if err := d.rebuildProjection(ctx, requestID); err != nil {
			return err
		}
		return d.republishAndComplete(ctx, handlerPollExternalJob, triggerID, requestID, stored)
	}

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeSubmissionPrepared, discriminatorAttempt(nextAttempt))
	if err != nil {
		return fmt.Errorf("handlers: poll: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeSubmissionPrepared, eventlog.SubmissionPreparedData{
		RequestID:    requestID.String(),
		PartitionKey: agg.PartitionKey,
		RowKey:       agg.RowKey,
		Attempt:      nextAttempt,
	})
	if err != nil {
		return fmt.Errorf("handlers: poll: encode retry event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, agg.Version)
	if err != nil {
		return err
	}
	if !result.committed {
		return d.markCompleted(ctx, handlerPollExternalJob, triggerID)
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
	return d.markCompleted(ctx, handlerPollExternalJob, triggerID)
}
