// Package eventid computes the deterministic event identifiers used
// throughout the workflow engine so that retries of the same causal trigger
// collide to the same physical event instead of appending duplicates.
package eventid

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrEmptyAggregateID is returned when aggregateID is blank.
var ErrEmptyAggregateID = errors.New("eventid: aggregateID must not be empty")

// ErrEmptyEventType is returned when eventType is blank.
var ErrEmptyEventType = errors.New("eventid: eventType must not be empty")

// sep is a control character that cannot appear in any of the hashed
// fields (aggregate ids, event type names, uuids, and free-form
// discriminators never contain it), so joining fields with it cannot
// produce a collision between e.g. ("a", "bc") and ("ab", "c").
const sep = "\x1f"

// Deterministic computes a URL-safe identifier from the given fields. The
// same inputs always produce the same output; a different discriminator
// always produces a different output. aggregateID and eventType must be
// non-empty. correlationID, causationID, and discriminator are optional;
// a missing value is normalized to the empty string before hashing.
func Deterministic(aggregateID, eventType string, correlationID, causationID, discriminator *string) (string, error) {
	if strings.TrimSpace(aggregateID) == "" {
		return "", ErrEmptyAggregateID
	}
	if strings.TrimSpace(eventType) == "" {
		return "", ErrEmptyEventType
	}

	var b strings.Builder
	b.WriteString(aggregateID)
	b.WriteString(sep)
	b.WriteString(eventType)
	b.WriteString(sep)
	b.WriteString(deref(correlationID))
	b.WriteString(sep)
	b.WriteString(deref(causationID))
	b.WriteString(sep)
	b.WriteString(deref(discriminator))

	sum := sha256.Sum256([]byte(b.String()))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
