package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/workflow/clock"
	"github.com/flowcore/workflow/config"
	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/handlers"
	"github.com/flowcore/workflow/testsupport"
	"github.com/flowcore/workflow/workflow"
)

type harness struct {
	deps      *handlers.Deps
	events    *testsupport.EventStore
	projs     *testsupport.ProjectionRepository
	intake    *testsupport.IntakeRepository
	idemp     *testsupport.IdempotencyStore
	external  *testsupport.ExternalServiceClient
	publisher *testsupport.EventPublisher
	clock     *clock.Mock
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	t.Helper()
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	cfg := config.New(opts...)

	h := &harness{
		events:    testsupport.NewEventStore(),
		projs:     testsupport.NewProjectionRepository(),
		intake:    testsupport.NewIntakeRepository(),
		idemp:     testsupport.NewIdempotencyStore(func() time.Time { return mockClock.Now() }),
		external:  testsupport.NewExternalServiceClient(),
		publisher: testsupport.NewEventPublisher(),
		clock:     mockClock,
	}
	h.deps = &handlers.Deps{
		Events:      h.events,
		Projections: h.projs,
		Intake:      h.intake,
		Idempotency: h.idemp,
		External:    h.external,
		Publisher:   h.publisher,
		Clock:       mockClock,
		Log:         zerolog.Nop(),
		Config:      cfg,
	}
	return h
}

func lastEventOfType(t *testing.T, stream []eventlog.Event, eventType string) eventlog.Event {
	t.Helper()
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].Type == eventType {
			return stream[i]
		}
	}
	t.Fatalf("no event of type %s in stream", eventType)
	return eventlog.Event{}
}

// TestScenarioS1_HappyPath walks the full chain from intake to completion
// with the external service succeeding on the first attempt.
func TestScenarioS1_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.intake.Seed("pA", "rK")
	h.external.CreateJobFunc = func(requestID workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
		return "J-001", workflow.StatusCreated, nil
	}
	h.external.StatusSequence["J-001"] = []workflow.TerminalStatus{workflow.StatusExternalPass}

	require.NoError(t, h.deps.Discover(ctx))

	requestID := workflow.RequestID("pA|rK")
	stream, err := h.events.ReadStream(ctx, requestID.String())
	require.NoError(t, err)
	require.Len(t, stream, 1)
	discovered := stream[0]
	require.Equal(t, eventlog.TypeRequestDiscovered, discovered.Type)

	require.NoError(t, h.deps.PrepareSubmission(ctx, discovered))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, 2)
	prepared := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)

	require.NoError(t, h.deps.SubmitJob(ctx, prepared))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, 3)
	submitted := lastEventOfType(t, stream, eventlog.TypeJobSubmitted)

	rec, ok, err := h.projs.Get(ctx, requestID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.NextPollAtUTC)
	require.Equal(t, h.clock.Now().Add(h.deps.Config.PollInterval), *rec.NextPollAtUTC)

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, 4)
	polled := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)
	_ = submitted

	require.NoError(t, h.deps.PollExternalJob(ctx, polled))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, 5)
	terminal := lastEventOfType(t, stream, eventlog.TypeJobTerminal)

	require.NoError(t, h.deps.CompleteRequest(ctx, terminal))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, 6)
	require.Equal(t, eventlog.TypeRequestCompleted, stream[5].Type)

	rows, err := h.intake.GetAvailableUnprocessed(ctx, 10, h.clock.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, rows)
}

// TestScenarioS2_RetryWithinBudget exercises FailCanRetry on attempt 1
// followed by Pass on attempt 2 (maxSubmitAttempts=3).
func TestScenarioS2_RetryWithinBudget(t *testing.T) {
	h := newHarness(t, config.WithMaxSubmitAttempts(3))
	ctx := context.Background()
	requestID := workflow.RequestID("pA|rK")

	h.intake.Seed("pA", "rK")

	jobByAttempt := map[int]string{1: "J-001", 2: "J-002"}
	h.external.CreateJobFunc = func(rid workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
		return jobByAttempt[attempt], workflow.StatusCreated, nil
	}
	h.external.StatusSequence["J-001"] = []workflow.TerminalStatus{workflow.StatusFailCanRetry}
	h.external.StatusSequence["J-002"] = []workflow.TerminalStatus{workflow.StatusExternalPass}

	require.NoError(t, h.deps.Discover(ctx))
	stream, _ := h.events.ReadStream(ctx, requestID.String())
	discovered := lastEventOfType(t, stream, eventlog.TypeRequestDiscovered)

	require.NoError(t, h.deps.PrepareSubmission(ctx, discovered))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	prepared1 := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)

	require.NoError(t, h.deps.SubmitJob(ctx, prepared1))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	submitted1 := lastEventOfType(t, stream, eventlog.TypeJobSubmitted)

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	poll1 := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)

	require.NoError(t, h.deps.PollExternalJob(ctx, poll1))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	for _, e := range stream {
		require.NotEqual(t, eventlog.TypeJobTerminal, e.Type, "attempt 1 must not reach terminal")
	}
	prepared2 := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)
	var data2 eventlog.SubmissionPreparedData
	require.NoError(t, eventlog.Decode(prepared2, &data2))
	require.Equal(t, 2, data2.Attempt)

	require.NoError(t, h.deps.SubmitJob(ctx, prepared2))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	submitted2 := lastEventOfType(t, stream, eventlog.TypeJobSubmitted)
	var subData2 eventlog.JobSubmittedData
	require.NoError(t, eventlog.Decode(submitted2, &subData2))
	require.Equal(t, "J-002", subData2.ExternalJobID)

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	poll2 := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)

	require.NoError(t, h.deps.PollExternalJob(ctx, poll2))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	terminal := lastEventOfType(t, stream, eventlog.TypeJobTerminal)
	var termData eventlog.JobTerminalData
	require.NoError(t, eventlog.Decode(terminal, &termData))
	require.Equal(t, "Pass", termData.TerminalStatus)
	require.Equal(t, 2, termData.Attempt)

	_ = submitted1
}

// TestScenarioS3_RetryExhaustion exhausts both attempts (maxSubmitAttempts=2)
// and expects Poll to coerce the second FailCanRetry to terminal Fail.
func TestScenarioS3_RetryExhaustion(t *testing.T) {
	h := newHarness(t, config.WithMaxSubmitAttempts(2))
	ctx := context.Background()
	requestID := workflow.RequestID("pA|rK")

	h.intake.Seed("pA", "rK")
	jobByAttempt := map[int]string{1: "J-001", 2: "J-002"}
	h.external.CreateJobFunc = func(rid workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
		return jobByAttempt[attempt], workflow.StatusCreated, nil
	}
	h.external.StatusSequence["J-001"] = []workflow.TerminalStatus{workflow.StatusFailCanRetry}
	h.external.StatusSequence["J-002"] = []workflow.TerminalStatus{workflow.StatusFailCanRetry}

	require.NoError(t, h.deps.Discover(ctx))
	stream, _ := h.events.ReadStream(ctx, requestID.String())
	discovered := lastEventOfType(t, stream, eventlog.TypeRequestDiscovered)
	require.NoError(t, h.deps.PrepareSubmission(ctx, discovered))

	stream, _ = h.events.ReadStream(ctx, requestID.String())
	prepared1 := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)
	require.NoError(t, h.deps.SubmitJob(ctx, prepared1))

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	poll1 := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)
	require.NoError(t, h.deps.PollExternalJob(ctx, poll1))

	stream, _ = h.events.ReadStream(ctx, requestID.String())
	prepared2 := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)
	require.NoError(t, h.deps.SubmitJob(ctx, prepared2))

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	poll2 := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)
	require.NoError(t, h.deps.PollExternalJob(ctx, poll2))

	stream, _ = h.events.ReadStream(ctx, requestID.String())
	terminal := lastEventOfType(t, stream, eventlog.TypeJobTerminal)
	var termData eventlog.JobTerminalData
	require.NoError(t, eventlog.Decode(terminal, &termData))
	require.Equal(t, "Fail", termData.TerminalStatus)
	require.Equal(t, 2, termData.Attempt)

	// Property 6: no more than maxSubmitAttempts distinct attempts appear.
	seen := map[int]bool{}
	for _, e := range stream {
		if e.Type == eventlog.TypeJobSubmitted {
			var d eventlog.JobSubmittedData
			require.NoError(t, eventlog.Decode(e, &d))
			seen[d.Attempt] = true
		}
	}
	require.LessOrEqual(t, len(seen), 2)
}

// TestScenarioS4_DoubleDelivery delivers the same job.pollrequested.v1 id
// twice; the second invocation must not append a new event and must
// republish the existing terminal event (spec.md §8 property 4).
func TestScenarioS4_DoubleDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	requestID := workflow.RequestID("pA|rK")

	h.intake.Seed("pA", "rK")
	h.external.CreateJobFunc = func(rid workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
		return "J-001", workflow.StatusCreated, nil
	}
	h.external.StatusSequence["J-001"] = []workflow.TerminalStatus{workflow.StatusExternalPass}

	require.NoError(t, h.deps.Discover(ctx))
	stream, _ := h.events.ReadStream(ctx, requestID.String())
	discovered := lastEventOfType(t, stream, eventlog.TypeRequestDiscovered)
	require.NoError(t, h.deps.PrepareSubmission(ctx, discovered))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	prepared := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)
	require.NoError(t, h.deps.SubmitJob(ctx, prepared))

	h.clock.Add(h.deps.Config.PollInterval)
	require.NoError(t, h.deps.ScheduleDuePolls(ctx))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	polled := lastEventOfType(t, stream, eventlog.TypeJobPollRequested)

	require.NoError(t, h.deps.PollExternalJob(ctx, polled))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	lenAfterFirst := len(stream)
	terminal := lastEventOfType(t, stream, eventlog.TypeJobTerminal)
	countBeforeRedelivery := h.publisher.CountByID(terminal.ID)

	// Redeliver the same triggering event id, as if the bus never saw an
	// ack for the first delivery.
	h.idemp.ResetForTest("PollExternalJob", polled.ID)
	require.NoError(t, h.deps.PollExternalJob(ctx, polled))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, lenAfterFirst, "stream length must be unchanged by redelivery")

	require.Greater(t, h.publisher.CountByID(terminal.ID), countBeforeRedelivery, "redelivery must republish the stored terminal event")
}

// TestScenarioS5_ConcurrentClaim simulates two Discover workers racing on
// the same intake row: exactly one tryClaim succeeds, and the loser's
// concurrency conflict on append(v=0) is swallowed.
func TestScenarioS5_ConcurrentClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	requestID := workflow.RequestID("pA|rK")

	h.intake.Seed("pA", "rK")
	rows, err := h.intake.GetAvailableUnprocessed(ctx, 10, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]

	leaseUntil := h.clock.Now().Add(h.deps.Config.LeaseDuration)
	claimedFirst, err := h.intake.TryClaim(ctx, row, leaseUntil)
	require.NoError(t, err)
	require.True(t, claimedFirst)

	// Second worker observed the same (now-stale) row view and loses the
	// ETag-conditioned claim.
	claimedSecond, err := h.intake.TryClaim(ctx, row, leaseUntil)
	require.NoError(t, err)
	require.False(t, claimedSecond)

	// The winner's lease lapses before it appends; Discover reclaims the
	// row and wins append(v=0).
	h.clock.Add(h.deps.Config.LeaseDuration)
	require.NoError(t, h.deps.Discover(ctx))

	// A later worker reclaims the row after another lapse and loses
	// append(v=0); its concurrency conflict is swallowed.
	h.clock.Add(h.deps.Config.LeaseDuration)
	require.NoError(t, h.deps.Discover(ctx))
	stream, err := h.events.ReadStream(ctx, requestID.String())
	require.NoError(t, err)
	require.Len(t, stream, 1, "exactly one discovered event regardless of claim races")
}

// TestScenarioS6_CrashAfterAppendBeforePublish simulates SubmitJob
// appending job.submitted.v1 and then the bus redelivering the triggering
// submission.prepared.v1 before the worker ever reruns naturally: the
// handler must find hasSubmitted(attempt)=true and republish rather than
// append again.
func TestScenarioS6_CrashAfterAppendBeforePublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	requestID := workflow.RequestID("pA|rK")

	h.intake.Seed("pA", "rK")
	h.external.CreateJobFunc = func(rid workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
		return "J-001", workflow.StatusCreated, nil
	}

	require.NoError(t, h.deps.Discover(ctx))
	stream, _ := h.events.ReadStream(ctx, requestID.String())
	discovered := lastEventOfType(t, stream, eventlog.TypeRequestDiscovered)
	require.NoError(t, h.deps.PrepareSubmission(ctx, discovered))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	prepared := lastEventOfType(t, stream, eventlog.TypeSubmissionPrepared)

	require.NoError(t, h.deps.SubmitJob(ctx, prepared))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	lenAfterFirst := len(stream)
	submitted := lastEventOfType(t, stream, eventlog.TypeJobSubmitted)

	// Simulate the idempotency record never being marked complete, as if
	// the process crashed after append but before MarkCompleted, and
	// redeliver the same trigger.
	h.idemp.ResetForTest("SubmitJob", prepared.ID)
	require.NoError(t, h.deps.SubmitJob(ctx, prepared))
	stream, _ = h.events.ReadStream(ctx, requestID.String())
	require.Len(t, stream, lenAfterFirst, "no duplicate job.submitted.v1 on redelivery")
	require.GreaterOrEqual(t, h.publisher.CountByID(submitted.ID), 1)
}
