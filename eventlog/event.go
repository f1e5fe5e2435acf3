// Package eventlog defines the wire-level event shape stored in the
// append-only per-stream event log (spec.md §3's StoredEvent/EventToAppend)
// and the closed catalog of event payloads the engine emits.
//
// The payload is carried as opaque JSON (encoding/json.RawMessage):
// handlers that need to inspect a stored event's payload decode it on
// demand rather than the store knowing about a closed set of Go types,
// per spec.md §9 "JSON payload opacity".
package eventlog

import (
	"encoding/json"
	"time"
)

// Event is an immutable, already-appended event with its assigned
// per-stream version.
type Event struct {
	ID            string
	Type          string
	OccurredUTC   time.Time
	Data          json.RawMessage
	CorrelationID *string
	CausationID   *string
	Version       int
}

// Proposed is an event not yet appended: same shape as Event minus the
// store-assigned Version.
type Proposed struct {
	ID            string
	Type          string
	OccurredUTC   time.Time
	Data          json.RawMessage
	CorrelationID *string
	CausationID   *string
}

// Encode marshals v as JSON and returns a Proposed event with that payload.
func Encode(id, eventType string, occurredUTC time.Time, correlationID, causationID *string, v any) (Proposed, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Proposed{}, err
	}
	return Proposed{
		ID:            id,
		Type:          eventType,
		OccurredUTC:   occurredUTC,
		Data:          data,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}, nil
}

// Decode unmarshals e's payload into v.
func Decode(e Event, v any) error {
	return json.Unmarshal(e.Data, v)
}

// ConcurrencyError is returned by EventStore.Append when expectedVersion
// does not match the stream's current version, or a duplicate event id
// collides within the stream. It is never user-visible: handlers treat it
// as "another worker already advanced this stream" (spec.md §7).
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConcurrencyError) Error() string {
	return "eventlog: concurrency conflict on stream " + e.StreamID
}
