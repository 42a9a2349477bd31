package bitswap

import (
	"fmt"

	"github.com/amaydixit11/dagswap/internal/query"
)

// EventType distinguishes progress from completion
type EventType int

const (
	EventProgress EventType = iota
	EventComplete
)

func (t EventType) String() string {
	if t == EventComplete {
		return "complete"
	}
	return "progress"
}

// Event is reported on the manager's event stream. Events of one query
// arrive in order and Complete is always its last.
type Event struct {
	Type EventType
	ID   query.ID

	// Missing is the number of blocks the query still needs (Progress)
	Missing int

	// Err is nil on success, or wraps ErrExhausted or ErrStoreFailure (Complete)
	Err error
}

func (e Event) String() string {
	if e.Type == EventProgress {
		return fmt.Sprintf("query %s: %d missing", e.ID, e.Missing)
	}
	if e.Err != nil {
		return fmt.Sprintf("query %s: failed: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("query %s: complete", e.ID)
}
