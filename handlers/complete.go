package handlers

import (
	"context"
	"fmt"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

const handlerCompleteRequest = "CompleteRequest"

// CompleteRequest reacts to job.terminal.v1 (spec.md §4.8): it writes the
// terminal outcome back to the intake row and appends request.completed.v1.
func (d *Deps) CompleteRequest(ctx context.Context, trigger eventlog.Event) error {
	var data eventlog.JobTerminalData
	if err := eventlog.Decode(trigger, &data); err != nil {
		return fmt.Errorf("handlers: complete: decode trigger %s: %w", trigger.ID, err)
	}

	proceed, err := d.beginIdempotent(ctx, handlerCompleteRequest, trigger.ID)
	if err != nil || !proceed {
		return err
	}

	requestID, err := workflow.ParseRequestID(data.RequestID)
	if err != nil {
		d.Log.Warn().Str("requestId", data.RequestID).Err(err).Msg("complete: invalid request id, discarding")
		return d.markCompleted(ctx, handlerCompleteRequest, trigger.ID)
	}
	ctx = withTriggerContext(ctx, trigger, requestID)

	agg, err := d.rehydrate(ctx, requestID)
	if err != nil {
		return err
	}

	// Fail and FailCanRetry both finalize the row as Fail. Poll never
	// emits a terminal FailCanRetry itself; this branch exists only to
	// make the mapping total in case one is ever seen (spec.md §9 open
	// question).
	final := workflow.StatusFail
	if workflow.TerminalStatus(data.TerminalStatus) == workflow.StatusExternalPass {
		final = workflow.StatusPass
	}
	if workflow.TerminalStatus(data.TerminalStatus) == workflow.StatusFailCanRetry {
		d.Log.Warn().Str("requestId", requestID.String()).
			Msg("complete: saw terminal FailCanRetry, a producer bug; coercing to Fail")
	}

	partitionKey, rowKey := agg.PartitionKey, agg.RowKey
	if !agg.HasKeys {
		if pk, rk, err := requestID.Keys(); err == nil {
			partitionKey, rowKey = pk, rk
		}
	}

	if agg.CompletedEvent != nil {
		if err := d.writeIntakeTerminal(ctx, partitionKey, rowKey, final); err != nil {
			return err
		}
		return d.republishAndComplete(ctx, handlerCompleteRequest, trigger.ID, requestID, *agg.CompletedEvent)
	}

	if err := d.writeIntakeTerminal(ctx, partitionKey, rowKey, final); err != nil {
		return err
	}

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeRequestCompleted, "final:"+string(final))
	if err != nil {
		return fmt.Errorf("handlers: complete: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeRequestCompleted, eventlog.RequestCompletedData{
		RequestID:   requestID.String(),
		FinalStatus: string(final),
	})
	if err != nil {
		return fmt.Errorf("handlers: complete: encode event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, agg.Version)
	if err != nil {
		return err
	}
	if !result.committed {
		return d.markCompleted(ctx, handlerCompleteRequest, trigger.ID)
	}

	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeRequestCompleted, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	if err := d.publish(ctx, requestID, storedEvt); err != nil {
		return err
	}
	return d.markCompleted(ctx, handlerCompleteRequest, trigger.ID)
}

func (d *Deps) writeIntakeTerminal(ctx context.Context, partitionKey, rowKey string, final workflow.WorkItemStatus) error {
	intakeStatus := workflow.IntakeFail
	if final == workflow.StatusPass {
		intakeStatus = workflow.IntakePass
	}
	if err := d.Intake.MarkTerminal(ctx, partitionKey, rowKey, intakeStatus); err != nil {
		return fmt.Errorf("handlers: complete: mark intake terminal %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}
