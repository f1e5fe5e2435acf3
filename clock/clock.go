// Package clock abstracts wall-clock access so the timer-driven schedulers
// and handlers in this engine can be tested deterministically, instead of
// calling time.Now() directly. The teacher has no such abstraction (it
// always uses wall time); this is an enrichment pulled from the
// joeycumines-go-utilpkg pack, which depends on github.com/benbjohnson/clock
// for the same reason.
package clock

import "github.com/benbjohnson/clock"

// Clock reports the current time. The Mock returned by NewMock lets a test
// advance time explicitly instead of sleeping.
type Clock = clock.Clock

// Mock is a controllable Clock for tests.
type Mock = clock.Mock

// New returns the real, wall-clock Clock.
func New() Clock {
	return clock.New()
}

// NewMock returns a Mock Clock initialized to the Unix epoch.
func NewMock() *Mock {
	return clock.NewMock()
}
