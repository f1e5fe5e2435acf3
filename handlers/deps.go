// Package handlers implements the six event-reacting handlers of the
// engine (spec.md §4.4-§4.9) plus the shared deterministic-republish
// discipline (§4.10, §9) they all lean on. Every handler depends only on
// the ports interfaces, never on a concrete adapter, the way the
// teacher's command handlers in examples/ecommerce/stock depend only on
// aggregate.Repository and command.Bus.
package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/flowcore/workflow/clock"
	"github.com/flowcore/workflow/config"
	"github.com/flowcore/workflow/corrctx"
	"github.com/flowcore/workflow/eventid"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/ports"
	"github.com/flowcore/workflow/projection"
	"github.com/flowcore/workflow/workflow"
)

// Deps are the collaborators every handler is built from. A handler is a
// method on *Deps rather than its own struct because all six share the
// exact same dependency set (spec.md §6's six ports plus clock/log/config).
type Deps struct {
	Events       ports.EventStore
	Projections  ports.ProjectionRepository
	Intake       ports.IntakeRepository
	Idempotency  ports.IdempotencyStore
	External     ports.ExternalServiceClient
	Publisher    ports.EventPublisher
	Clock        clock.Clock
	Log          zerolog.Logger
	Config       config.Config
}

// intPtr is a small allocation helper; expectedVersion is carried as *int
// throughout ports.EventStore so that "no check" (nil) is distinguishable
// from "expect an empty stream" (0).
func intPtr(v int) *int { return &v }

// subject returns the wire subject for requestID (spec.md §6).
func subject(requestID workflow.RequestID) string {
	return "/requests/" + requestID.String()
}

// publish wraps Publisher.Publish with the request's wire subject. The
// correlation/causation pair that goes out is the one stored on evt, not
// the ambient pair on ctx.
func (d *Deps) publish(ctx context.Context, requestID workflow.RequestID, evt eventlog.Event) error {
	if err := d.Publisher.Publish(ctx, evt.Type, subject(requestID), evt); err != nil {
		return fmt.Errorf("handlers: publish %s for %s: %w", evt.Type, requestID, err)
	}
	return nil
}

// rebuildProjection re-reads the full stream and upserts the reduced
// projection record, matching the "rebuild-and-save projection from
// stream" step every handler performs after a successful append.
func (d *Deps) rebuildProjection(ctx context.Context, requestID workflow.RequestID) error {
	history, err := d.Events.ReadStream(ctx, requestID.String())
	if err != nil {
		return fmt.Errorf("handlers: read stream %s: %w", requestID, err)
	}
	rec, err := projection.ReduceAll(history, d.Config.PollInterval)
	if err != nil {
		return fmt.Errorf("handlers: reduce stream %s: %w", requestID, err)
	}
	rec.ID = requestID
	rec.RequestID = requestID
	if err := d.Projections.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("handlers: upsert projection %s: %w", requestID, err)
	}
	return nil
}

// rehydrate reads a stream and folds it into an aggregate.
func (d *Deps) rehydrate(ctx context.Context, requestID workflow.RequestID) (*workflow.Aggregate, error) {
	history, err := d.Events.ReadStream(ctx, requestID.String())
	if err != nil {
		return nil, fmt.Errorf("handlers: read stream %s: %w", requestID, err)
	}
	agg, err := workflow.Rehydrate(requestID, history)
	if err != nil {
		return nil, fmt.Errorf("handlers: rehydrate %s: %w", requestID, err)
	}
	return agg, nil
}

// newEventID computes the deterministic id for one handler-authored event,
// reading the correlation/causation pair off ctx (spec.md §4.1, §5).
func newEventID(ctx context.Context, aggregateID, eventType, discriminator string) (string, error) {
	pair := corrctx.From(ctx)
	var disc *string
	if discriminator != "" {
		disc = &discriminator
	}
	return eventid.Deterministic(aggregateID, eventType, pair.CorrelationID, pair.CausationID, disc)
}

// buildProposed constructs a Proposed event stamped with the ambient
// correlation pair and the engine clock's current time.
func (d *Deps) buildProposed(ctx context.Context, id, eventType string, payload any) (eventlog.Proposed, error) {
	pair := corrctx.From(ctx)
	return eventlog.Encode(id, eventType, d.Clock.Now().UTC(), pair.CorrelationID, pair.CausationID, payload)
}
