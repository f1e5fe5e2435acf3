package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/workflow"
)

// appendResult distinguishes "this invocation performed the append" from
// "another worker already advanced the stream", the central branch of
// spec.md §9's deterministic-republish discipline.
type appendResult struct {
	committed bool
	version   int
}

// appendOne appends a single proposed event under expectedVersion. A
// concurrency conflict is not an error to the caller: it means another
// worker already won the race, and is reported as committed=false so the
// caller can treat the trigger as handled (spec.md §4.10).
func (d *Deps) appendOne(ctx context.Context, aggregateID string, proposed eventlog.Proposed, expectedVersion int) (appendResult, error) {
	newVersion, err := d.Events.Append(ctx, aggregateID, []eventlog.Proposed{proposed}, intPtr(expectedVersion))
	if err == nil {
		return appendResult{committed: true, version: newVersion}, nil
	}

	var concurrency *eventlog.ConcurrencyError
	if errors.As(err, &concurrency) {
		d.Log.Debug().
			Str("requestId", aggregateID).
			Str("eventType", proposed.Type).
			Msg("append lost race to another worker, treating as handled")
		return appendResult{committed: false}, nil
	}

	return appendResult{}, fmt.Errorf("handlers: append %s to %s: %w", proposed.Type, aggregateID, err)
}

// republishAndComplete republishes the already-stored evt verbatim, with its
// own id, and then marks the trigger completed. Used on the "this was
// already done" paths so that a crash between append and publish is made
// whole by the next delivery (spec.md §9 "Deterministic republish").
func (d *Deps) republishAndComplete(ctx context.Context, handlerName string, triggerEventID string, requestID workflow.RequestID, evt eventlog.Event) error {
	if err := d.publish(ctx, requestID, evt); err != nil {
		return err
	}
	return d.markCompleted(ctx, handlerName, triggerEventID)
}

func (d *Deps) markCompleted(ctx context.Context, handlerName, eventID string) error {
	if err := d.Idempotency.MarkCompleted(ctx, handlerName, eventID); err != nil {
		return fmt.Errorf("handlers: mark %s/%s completed: %w", handlerName, eventID, err)
	}
	return nil
}

// beginIdempotent acquires the per-(handler,eventID) lease that guards
// every handler below Discover (spec.md §4.5's "begins an idempotency
// lease on the triggering event id"). proceed is false whenever the
// caller should return immediately without further work.
func (d *Deps) beginIdempotent(ctx context.Context, handlerName, eventID string) (proceed bool, err error) {
	acquired, alreadyCompleted, err := d.Idempotency.TryBegin(ctx, handlerName, eventID, d.Config.IdempotencyLeaseDuration)
	if err != nil {
		return false, fmt.Errorf("handlers: begin idempotency %s/%s: %w", handlerName, eventID, err)
	}
	if alreadyCompleted {
		return false, nil
	}
	if !acquired {
		// Lease held by a concurrent invocation; the bus will redeliver.
		return false, nil
	}
	return true, nil
}
