// Package testsupport provides in-memory implementations of every port
// (ports.EventStore, ports.ProjectionRepository, ports.IntakeRepository,
// ports.IdempotencyStore, ports.ExternalServiceClient,
// ports.EventPublisher), for use in handler tests. This mirrors the
// teacher's eventstore.New()/eventbus.New() in-memory test doubles
// (contrib/auth/granter_test.go's NewGrantTest wiring), adapted to the
// engine's own six ports instead of goes's generic event bus/store.
package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flowcore/workflow/eventlog"
	"github.com/flowcore/workflow/ports"
	"github.com/flowcore/workflow/projection"
	"github.com/flowcore/workflow/workflow"
)

// EventStore is an in-memory ports.EventStore.
type EventStore struct {
	mu      sync.Mutex
	streams map[string][]eventlog.Event
	seq     map[string]int
}

// NewEventStore constructs an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{streams: make(map[string][]eventlog.Event), seq: make(map[string]int)}
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, events []eventlog.Proposed, expectedVersion *int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	current := s.seq[aggregateID]
	if expectedVersion != nil && *expectedVersion != current {
		return 0, &eventlog.ConcurrencyError{StreamID: aggregateID, ExpectedVersion: *expectedVersion, ActualVersion: current}
	}

	existing := s.streams[aggregateID]
	for _, e := range events {
		for _, have := range existing {
			if have.ID == e.ID {
				return 0, &eventlog.ConcurrencyError{StreamID: aggregateID, ExpectedVersion: current, ActualVersion: current}
			}
		}
	}

	for _, e := range events {
		current++
		existing = append(existing, eventlog.Event{
			ID:            e.ID,
			Type:          e.Type,
			OccurredUTC:   e.OccurredUTC,
			Data:          e.Data,
			CorrelationID: e.CorrelationID,
			CausationID:   e.CausationID,
			Version:       current,
		})
	}

	s.streams[aggregateID] = existing
	s.seq[aggregateID] = current
	return current, nil
}

func (s *EventStore) ReadStream(ctx context.Context, aggregateID string) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src := s.streams[aggregateID]
	out := make([]eventlog.Event, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ProjectionRepository is an in-memory ports.ProjectionRepository.
type ProjectionRepository struct {
	mu   sync.Mutex
	recs map[workflow.RequestID]projection.Record
}

func NewProjectionRepository() *ProjectionRepository {
	return &ProjectionRepository{recs: make(map[workflow.RequestID]projection.Record)}
}

func (p *ProjectionRepository) Upsert(ctx context.Context, rec projection.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.recs[rec.RequestID]; ok && rec.LastAppliedEventVersion < existing.LastAppliedEventVersion {
		return nil
	}
	p.recs[rec.RequestID] = rec
	return nil
}

func (p *ProjectionRepository) Get(ctx context.Context, requestID workflow.RequestID) (projection.Record, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recs[requestID]
	return rec, ok, nil
}

func (p *ProjectionRepository) GetDueForPoll(ctx context.Context, now time.Time, take int) ([]projection.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []projection.Record
	for _, rec := range p.recs {
		if rec.Status != workflow.StatusInProgress {
			continue
		}
		if rec.NextPollAtUTC == nil || rec.NextPollAtUTC.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RequestID < due[j].RequestID })
	if len(due) > take {
		due = due[:take]
	}
	return due, nil
}

// IntakeRepository is an in-memory ports.IntakeRepository.
type IntakeRepository struct {
	mu   sync.Mutex
	rows map[[2]string]*intakeRow
}

type intakeRow struct {
	status     workflow.IntakeStatus
	leaseUntil time.Time
	etag       int
}

func NewIntakeRepository() *IntakeRepository {
	return &IntakeRepository{rows: make(map[[2]string]*intakeRow)}
}

// Seed inserts a row in the Unprocessed state, for test setup.
func (r *IntakeRepository) Seed(partitionKey, rowKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[[2]string{partitionKey, rowKey}] = &intakeRow{status: workflow.IntakeUnprocessed}
}

func (r *IntakeRepository) GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]ports.IntakeRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ports.IntakeRow
	for k, row := range r.rows {
		eligible := (row.status == workflow.IntakeUnprocessed || row.status == workflow.IntakeInProgress) &&
			!row.leaseUntil.After(now)
		if !eligible {
			continue
		}
		out = append(out, ports.IntakeRow{
			PartitionKey: k[0],
			RowKey:       k[1],
			Status:       row.status,
			LeaseUntil:   row.leaseUntil,
			ETag:         strconv.Itoa(row.etag),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionKey != out[j].PartitionKey {
			return out[i].PartitionKey < out[j].PartitionKey
		}
		return out[i].RowKey < out[j].RowKey
	})
	if len(out) > take {
		out = out[:take]
	}
	return out, nil
}

func (r *IntakeRepository) TryClaim(ctx context.Context, row ports.IntakeRow, leaseUntil time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{row.PartitionKey, row.RowKey}
	current, ok := r.rows[key]
	if !ok {
		return false, nil
	}
	if strconv.Itoa(current.etag) != row.ETag {
		return false, nil
	}
	current.status = workflow.IntakeInProgress
	current.leaseUntil = leaseUntil
	current.etag++
	return true, nil
}

func (r *IntakeRepository) MarkTerminal(ctx context.Context, partitionKey, rowKey string, status workflow.IntakeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{partitionKey, rowKey}
	row, ok := r.rows[key]
	if !ok {
		row = &intakeRow{}
		r.rows[key] = row
	}
	row.status = status
	row.etag++
	return nil
}

// IdempotencyStore is an in-memory ports.IdempotencyStore.
type IdempotencyStore struct {
	mu      sync.Mutex
	leases  map[string]time.Time
	done    map[string]bool
	nowFunc func() time.Time
}

func NewIdempotencyStore(nowFunc func() time.Time) *IdempotencyStore {
	return &IdempotencyStore{leases: make(map[string]time.Time), done: make(map[string]bool), nowFunc: nowFunc}
}

func (s *IdempotencyStore) TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := handler + "/" + eventID
	if s.done[key] {
		return false, true, nil
	}
	now := s.nowFunc()
	if until, held := s.leases[key]; held && until.After(now) {
		return false, false, nil
	}
	s.leases[key] = now.Add(lease)
	return true, false, nil
}

func (s *IdempotencyStore) MarkCompleted(ctx context.Context, handler, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[handler+"/"+eventID] = true
	return nil
}

// ResetForTest clears the completed/leased state for (handler, eventID),
// simulating a crash that occurred before MarkCompleted was ever recorded.
func (s *IdempotencyStore) ResetForTest(handler, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := handler + "/" + eventID
	delete(s.done, key)
	delete(s.leases, key)
}

// ExternalServiceClient is a scripted in-memory ports.ExternalServiceClient.
// CreateJob results come from CreateJobFunc and GetStatus results are
// scripted per job and call index, so tests can drive the S1-S6 scenarios
// deterministically.
type ExternalServiceClient struct {
	mu sync.Mutex

	// CreateJobFunc, if set, is called for every CreateJob invocation.
	CreateJobFunc func(requestID workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error)
	// StatusSequence maps jobID to a queue of statuses returned by
	// successive GetStatus calls; the last entry repeats once exhausted.
	StatusSequence map[string][]workflow.TerminalStatus

	calls map[string]int
}

func NewExternalServiceClient() *ExternalServiceClient {
	return &ExternalServiceClient{StatusSequence: make(map[string][]workflow.TerminalStatus), calls: make(map[string]int)}
}

func (c *ExternalServiceClient) CreateJob(ctx context.Context, requestID workflow.RequestID, attempt int) (string, workflow.TerminalStatus, error) {
	if c.CreateJobFunc == nil {
		return "", "", fmt.Errorf("testsupport: CreateJobFunc not configured")
	}
	return c.CreateJobFunc(requestID, attempt)
}

func (c *ExternalServiceClient) GetStatus(ctx context.Context, jobID string) (workflow.TerminalStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seq := c.StatusSequence[jobID]
	if len(seq) == 0 {
		return "", fmt.Errorf("testsupport: no status sequence configured for job %s", jobID)
	}
	idx := c.calls[jobID]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	c.calls[jobID]++
	return seq[idx], nil
}

// EventPublisher is an in-memory ports.EventPublisher that records every
// publish for assertion.
type EventPublisher struct {
	mu        sync.Mutex
	Published []PublishedEvent
}

// PublishedEvent is one recorded Publish call.
type PublishedEvent struct {
	EventType string
	Subject   string
	Event     eventlog.Event
}

func NewEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

func (p *EventPublisher) Publish(ctx context.Context, eventType, subject string, evt eventlog.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, PublishedEvent{EventType: eventType, Subject: subject, Event: evt})
	return nil
}

// CountByID returns how many times an event with id was published, for
// double-delivery assertions (spec.md §8 property 4).
func (p *EventPublisher) CountByID(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pub := range p.Published {
		if pub.Event.ID == id {
			n++
		}
	}
	return n
}
