// Package ports declares the narrow contracts the engine consumes from
// its storage, transport, and external-service collaborators. Handlers
// depend only on these interfaces; concrete adapters live under
// adapters/.
package ports

import (
	"context"
	"time"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/projection"
	"github.com/flowcore/workflow/workflow"
)

// EventStore is the append-only per-stream event log.
type EventStore interface {
	// Append writes events to aggregateID atomically with respect to the
	// stream's version metadata. If expectedVersion is non-nil, the append
	// fails with *eventlog.ConcurrencyError when the stream's current
	// version does not match, or when an event id already exists in the
	// stream. Returns the stream's version after the append.
	Append(ctx context.Context, aggregateID string, events []eventlog.Proposed, expectedVersion *int) (newVersion int, err error)

	// ReadStream returns every event for aggregateID ordered by Version
	// ascending. A stream with no events returns an empty, non-nil slice.
	ReadStream(ctx context.Context, aggregateID string) ([]eventlog.Event, error)
}

// ProjectionRepository is the derived read model store.
type ProjectionRepository interface {
	Upsert(ctx context.Context, rec projection.Record) error
	Get(ctx context.Context, requestID workflow.RequestID) (projection.Record, bool, error)
	GetDueForPoll(ctx context.Context, now time.Time, take int) ([]projection.Record, error)
}

// IntakeRow mirrors spec.md §3's IntakeRow.
type IntakeRow struct {
	PartitionKey string
	RowKey       string
	Status       workflow.IntakeStatus
	LeaseUntil   time.Time
	ETag         string
}

// IntakeRepository is the external intake store.
type IntakeRepository interface {
	// GetAvailableUnprocessed returns up to take rows eligible for claim as
	// of now: status Unprocessed or InProgress, with leaseUntil <= now.
	GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]IntakeRow, error)

	// TryClaim attempts an ETag-conditioned transition of row to InProgress
	// with the given lease. Returns false (no error) on ETag mismatch.
	TryClaim(ctx context.Context, row IntakeRow, leaseUntil time.Time) (bool, error)

	// MarkTerminal unconditionally writes the row's final status.
	MarkTerminal(ctx context.Context, partitionKey, rowKey string, status workflow.IntakeStatus) error
}

// IdempotencyStore guards handler invocations by triggering event id.
type IdempotencyStore interface {
	// TryBegin attempts to acquire a lease for (handler, eventID). Returns
	// false if another lease is held and unexpired. A caller that already
	// marked this (handler, eventID) Completed gets alreadyCompleted=true.
	TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (acquired, alreadyCompleted bool, err error)

	MarkCompleted(ctx context.Context, handler, eventID string) error
}

// ExternalServiceClient is the remote asynchronous job service.
type ExternalServiceClient interface {
	// CreateJob is idempotent on (requestID, attempt): repeated calls with
	// the same pair return the same jobID.
	CreateJob(ctx context.Context, requestID workflow.RequestID, attempt int) (jobID string, status workflow.TerminalStatus, err error)

	GetStatus(ctx context.Context, jobID string) (workflow.TerminalStatus, error)
}

// EventPublisher is the outbound integration-event bus.
type EventPublisher interface {
	// Publish delivers at-least-once. subject is "/requests/{requestId}".
	Publish(ctx context.Context, eventType, subject string, evt eventlog.Event) error
}
