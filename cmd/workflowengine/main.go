// Command workflowengine wires the six handlers to their ports and runs
// them to completion: two timer-driven handlers on their own tickers, four
// event-triggered handlers subscribed to the single NATS wildcard subject
// every request publishes under, grounded on the teacher's
// examples/ecommerce/stock HandleCommands wiring shape (one dispatch loop,
// cancel-on-context-done, log-and-continue on a single message's error).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/flowcore/workflow/adapters/httpexternal"
	"github.com/flowcore/workflow/adapters/mongoevents"
	"github.com/flowcore/workflow/adapters/mongoidempotency"
	"github.com/flowcore/workflow/adapters/mongointake"
	"github.com/flowcore/workflow/adapters/mongoprojection"
	"github.com/flowcore/workflow/adapters/natspublisher"
	"github.com/flowcore/workflow/clock"
	"github.com/flowcore/workflow/config"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/handlers"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "workflowengine").Logger()

	cfg := config.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := mongoevents.New(mongoevents.Database("workflow"))
	projections := mongoprojection.New(mongoprojection.Database("workflow"))
	intake := mongointake.New(mongointake.Database("workflow"))
	idempotency := mongoidempotency.New(mongoidempotency.Database("workflow"))
	publisher := natspublisher.New(natspublisher.URL(cfg.NATSURL), natspublisher.Source(cfg.EventSource))
	external := httpexternal.New(httpexternal.BaseURL(os.Getenv("WORKFLOW_EXTERNAL_URL")))

	deps := &handlers.Deps{
		Events:      events,
		Projections: projections,
		Intake:      intake,
		Idempotency: idempotency,
		External:    external,
		Publisher:   publisher,
		Clock:       clock.New(),
		Log:         log,
		Config:      cfg,
	}

	if err := run(ctx, deps, publisher, log); err != nil {
		log.Fatal().Err(err).Msg("workflowengine: exited with error")
	}
}

// run starts every timer and subscription loop and blocks until ctx is
// canceled.
func run(ctx context.Context, deps *handlers.Deps, sub subscriber, log zerolog.Logger) error {
	if err := sub.Subscribe(ctx, "*", func(env natspublisher.Envelope) error {
		return dispatch(ctx, deps, log, env)
	}); err != nil {
		return err
	}

	go runTicker(ctx, deps.Clock, deps.Config.DiscoverInterval, log, "Discover", deps.Discover)
	go runTicker(ctx, deps.Clock, deps.Config.SchedulerInterval, log, "ScheduleDuePolls", deps.ScheduleDuePolls)

	<-ctx.Done()
	return nil
}

// subscriber is the slice of *natspublisher.Publisher this command needs;
// named so run can be exercised with a fake in tests without standing up a
// real NATS connection.
type subscriber interface {
	Subscribe(ctx context.Context, subject string, handle func(natspublisher.Envelope) error) error
}

func dispatch(ctx context.Context, deps *handlers.Deps, log zerolog.Logger, env natspublisher.Envelope) error {
	evt, err := env.ToEvent()
	if err != nil {
		log.Warn().Err(err).Str("eventId", env.ID).Msg("dispatch: malformed envelope, dropping")
		return nil
	}

	var handlerErr error
	switch evt.Type {
	case eventlog.TypeRequestDiscovered:
		handlerErr = deps.PrepareSubmission(ctx, evt)
	case eventlog.TypeSubmissionPrepared:
		handlerErr = deps.SubmitJob(ctx, evt)
	case eventlog.TypeJobPollRequested:
		handlerErr = deps.PollExternalJob(ctx, evt)
	case eventlog.TypeJobTerminal:
		handlerErr = deps.CompleteRequest(ctx, evt)
	case eventlog.TypeJobSubmitted, eventlog.TypeRequestCompleted:
		// job.submitted.v1 is consumed only via the projection's
		// nextPollAtUtc (picked up by ScheduleDuePolls); request.completed.v1
		// is the terminal notification itself, nothing reacts to it further.
	default:
		log.Warn().Str("type", evt.Type).Msg("dispatch: unrecognized event type, ignoring")
	}

	if handlerErr != nil {
		log.Error().Err(handlerErr).Str("eventId", evt.ID).Str("type", evt.Type).Msg("handler failed")
	}
	return handlerErr
}

func runTicker(ctx context.Context, clk clock.Clock, interval time.Duration, log zerolog.Logger, name string, fn func(context.Context) error) {
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("handler", name).Msg("timer-driven handler failed")
			}
		}
	}
}
