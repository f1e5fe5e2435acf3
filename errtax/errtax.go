// Package errtax defines the error taxonomy shared by every handler and
// adapter (spec.md §7): transient I/O, concurrency conflicts, validation
// failures, bounded-retry exhaustion, and internal invariant violations.
// Adapters wrap the underlying cause with one of these sentinels so
// handlers can classify failures with errors.Is instead of string matching,
// mirroring the teacher's own sentinel-error style
// (aggregate/repository.ErrVersionNotFound).
package errtax

import "errors"

var (
	// Transient marks a failure that should be retried by the trigger
	// runtime (bus redelivery or the next timer tick): network errors,
	// timeouts, 5xx responses from the external service.
	Transient = errors.New("transient failure")

	// Concurrency marks an optimistic-version mismatch or a duplicate
	// event id on append. Not user-visible; the handler treats it as
	// "another worker already advanced this stream".
	Concurrency = errors.New("concurrency conflict")

	// Validation marks a malformed payload, an empty identifier, or an
	// aggregate missing required keys. Handlers log a warning and mark
	// their idempotency record completed; the trigger is discarded.
	Validation = errors.New("validation failure")

	// RetryExhausted marks a FailCanRetry outcome with no attempts
	// remaining; the caller coerces this into a terminal Fail.
	RetryExhausted = errors.New("retry budget exhausted")

	// InvariantViolation marks corruption that requires operator
	// intervention (e.g. a stored event payload that fails to
	// deserialize). Callers propagate this rather than swallowing it.
	InvariantViolation = errors.New("invariant violation")
)

// Wrap attaches sentinel as the classification of cause while preserving
// cause in the error chain, so both errors.Is(err, sentinel) and the
// original message are available.
func Wrap(sentinel error, cause error) error {
	if cause == nil {
		return nil
	}
	return &classified{sentinel: sentinel, cause: cause}
}

type classified struct {
	sentinel error
	cause    error
}

func (c *classified) Error() string {
	return c.sentinel.Error() + ": " + c.cause.Error()
}

func (c *classified) Unwrap() []error {
	return []error{c.sentinel, c.cause}
}
