// Package workflow holds the core domain identifiers of the engine:
// RequestID (spec.md §3) and the WorkItemStatus enum it is tracked under.
package workflow

import (
	"errors"
	"strings"
)

// ErrInvalidRequestID is returned when a RequestID cannot be parsed or
// constructed: it must contain exactly one "|" separator with a non-empty
// partition key and row key on either side.
var ErrInvalidRequestID = errors.New("workflow: invalid request id")

// RequestID is the canonical workflow identifier, "{partitionKey}|{rowKey}",
// and doubles as the aggregate stream id.
type RequestID string

// NewRequestID constructs a RequestID from intake keys.
func NewRequestID(partitionKey, rowKey string) (RequestID, error) {
	if partitionKey == "" || rowKey == "" {
		return "", ErrInvalidRequestID
	}
	if strings.Contains(partitionKey, "|") || strings.Contains(rowKey, "|") {
		return "", ErrInvalidRequestID
	}
	return RequestID(partitionKey + "|" + rowKey), nil
}

// ParseRequestID parses a RequestID out of any payload field that carries
// one as a plain string.
func ParseRequestID(s string) (RequestID, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidRequestID
	}
	return RequestID(s), nil
}

// String returns the canonical string form.
func (id RequestID) String() string { return string(id) }

// Keys splits the RequestID back into its partition key and row key.
func (id RequestID) Keys() (partitionKey, rowKey string, err error) {
	parts := strings.SplitN(string(id), "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrInvalidRequestID
	}
	return parts[0], parts[1], nil
}

// WorkItemStatus is the status of a work item as tracked by the aggregate
// and the projection.
type WorkItemStatus string

const (
	StatusInProgress WorkItemStatus = "InProgress"
	StatusPass       WorkItemStatus = "Pass"
	StatusFail       WorkItemStatus = "Fail"
)

// IsTerminal reports whether status is Pass or Fail.
func (s WorkItemStatus) IsTerminal() bool {
	return s == StatusPass || s == StatusFail
}

// IntakeStatus is the status of a row in the intake store (spec.md §3).
type IntakeStatus string

const (
	IntakeUnprocessed IntakeStatus = "Unprocessed"
	IntakeInProgress  IntakeStatus = "InProgress"
	IntakePass        IntakeStatus = "Pass"
	IntakeFail        IntakeStatus = "Fail"
)

// TerminalStatus is the outcome reported by the external service's
// getStatus call, spec.md §3's job.terminal.v1 payload enum plus the two
// non-terminal external statuses from spec.md §6.
type TerminalStatus string

const (
	StatusCreated      TerminalStatus = "Created"
	StatusInprogress   TerminalStatus = "Inprogress"
	StatusExternalPass TerminalStatus = "Pass"
	StatusExternalFail TerminalStatus = "Fail"
	StatusFailCanRetry TerminalStatus = "FailCanRetry"
)
