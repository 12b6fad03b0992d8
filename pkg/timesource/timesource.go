// Package timesource provides the single timestamp function used anywhere
// envelopes are stamped. No other part of this repository may format a
// time.Time into the wire timestamp format directly.
package timesource

import (
	"regexp"
	"time"
)

// Layout is the wire format: UTC, millisecond precision, literal Z.
const Layout = "2006-01-02T15:04:05.000Z"

// Pattern is the regex schema validation enforces against the timestamp
// field. It matches Layout's shape exactly.
var Pattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// Source produces wire-format timestamps. The zero value uses the real
// clock; tests substitute a fixed Clock for determinism.
type Source struct {
	// Clock returns the current instant. Defaults to time.Now when nil.
	Clock func() time.Time
}

// Default is the Source every production caller should share.
var Default = &Source{}

// Now returns the current UTC time in wire format using the default Source.
func Now() string {
	return Default.Now()
}

// Now returns the current UTC time in wire format.
func (s *Source) Now() string {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Format(Layout)
}
