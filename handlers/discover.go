package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcore/workflow/corrctx"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/ports"
	"github.com/flowcore/workflow/workflow"
)

// Discover is the timer-driven entry point (spec.md §4.4): it claims
// eligible intake rows and starts a stream for each.
func (d *Deps) Discover(ctx context.Context) error {
	now := d.Clock.Now().UTC()

	rows, err := d.Intake.GetAvailableUnprocessed(ctx, d.Config.IntakeBatchSize, now)
	if err != nil {
		return fmt.Errorf("handlers: discover: list unprocessed: %w", err)
	}

	for _, row := range rows {
		if err := d.discoverOne(ctx, row, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deps) discoverOne(ctx context.Context, row ports.IntakeRow, now time.Time) error {
	leaseUntil := now.Add(d.Config.LeaseDuration)
	claimed, err := d.Intake.TryClaim(ctx, row, leaseUntil)
	if err != nil {
		return fmt.Errorf("handlers: discover: claim %s/%s: %w", row.PartitionKey, row.RowKey, err)
	}
	if !claimed {
		return nil
	}

	requestID, err := workflow.NewRequestID(row.PartitionKey, row.RowKey)
	if err != nil {
		d.Log.Warn().Str("partitionKey", row.PartitionKey).Str("rowKey", row.RowKey).Err(err).
			Msg("discover: invalid intake keys, skipping")
		return nil
	}

	correlationID := requestID.String()
	ctx = corrctx.With(ctx, correlationID, "")

	id, err := newEventID(ctx, requestID.String(), eventlog.TypeRequestDiscovered, "")
	if err != nil {
		return fmt.Errorf("handlers: discover: event id for %s: %w", requestID, err)
	}

	proposed, err := d.buildProposed(ctx, id, eventlog.TypeRequestDiscovered, eventlog.RequestDiscoveredData{
		RequestID:    requestID.String(),
		PartitionKey: row.PartitionKey,
		RowKey:       row.RowKey,
	})
	if err != nil {
		return fmt.Errorf("handlers: discover: encode event for %s: %w", requestID, err)
	}

	result, err := d.appendOne(ctx, requestID.String(), proposed, 0)
	if err != nil {
		return err
	}
	if !result.committed {
		// expectedVersion=0 losing means the stream already exists: this
		// claim's discovery event was already appended by a prior worker,
		// so there is nothing left to publish (spec.md §4.4 step 5).
		return nil
	}

	if err := d.rebuildProjection(ctx, requestID); err != nil {
		return err
	}

	storedEvt := eventlog.Event{
		ID: id, Type: eventlog.TypeRequestDiscovered, OccurredUTC: proposed.OccurredUTC,
		Data: proposed.Data, CorrelationID: proposed.CorrelationID, CausationID: proposed.CausationID,
		Version: result.version,
	}
	return d.publish(ctx, requestID, storedEvt)
}
