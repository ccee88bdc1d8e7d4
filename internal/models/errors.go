package models

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrStateConflict is the root of all state conflicts: stale snapshots and
// concurrent lifecycle calls on the same draft.
var ErrStateConflict = errors.New("state conflict")

var (
	// ErrStaleSnapshot marks a snapshot older than one already applied.
	ErrStaleSnapshot = fmt.Errorf("stale snapshot: %w", ErrStateConflict)
	// ErrBusy marks a lifecycle call rejected because another is in flight.
	ErrBusy = fmt.Errorf("busy, retry: %w", ErrStateConflict)
)

// TransportError is a network, timeout, or HTTP status failure.
type TransportError struct {
	Op     string
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed record in a streamed response.
type ProtocolError struct {
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	line := e.Line
	if len(line) > 80 {
		n := 80
		for n > 0 && !utf8.RuneStart(line[n]) {
			n--
		}
		line = line[:n] + "..."
	}
	return fmt.Sprintf("malformed record %q: %v", line, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
