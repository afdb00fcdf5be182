package parley

import "fmt"

// ============================================================================
// Error Taxonomy
// ============================================================================
//
// CacheError    local storage failed; recovered locally, logged, never surfaced.
// RemoteError   the backend call failed; writes roll back, reads serve stale.
// ChannelError  the realtime channel failed; retried with backoff, Terminal
//               once the attempt budget is spent.
// ConsistencyError  observed state diverged from a mutation's expected image.

// CacheError wraps a local store failure. The sync manager treats these as
// cache misses and keeps going.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// RemoteError wraps a failed backend call. Status is the HTTP status code
// when one was received, zero otherwise.
type RemoteError struct {
	Op     string
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ChannelError wraps a realtime channel failure. Terminal means the reconnect
// budget is exhausted and no further automatic attempt will be made until
// Connect is called again.
type ChannelError struct {
	Op       string
	Attempts int
	Terminal bool
	Err      error
}

func (e *ChannelError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("channel %s: terminal after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ConsistencyError reports that the state seen while rolling a mutation back
// no longer matched the image that mutation wrote. The per-entity queue makes
// this unreachable for queued mutations; it is logged if it ever shows up.
type ConsistencyError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency %s %s: %s", e.Entity, e.ID, e.Reason)
}
