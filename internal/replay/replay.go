// Package replay defines the cross-service replay protocol (spec.md §4.5):
// a downstream service, after loading its own snapshot and local WAL, asks
// its upstream to stream records past the downstream's cursor so it can
// re-derive the state it could not reconstruct locally.
//
// The contract is the same whether the upstream lives in the same process
// (the only deployment this module implements) or behind a local RPC
// channel — callers only see the Upstream interface.
package replay

// StopErr is a sentinel a callback can return to end a stream early without
// that being treated as a failure. Upstreams must honor it synchronously:
// no further records are produced once it is returned.
var StopErr = stopSignal{}

type stopSignal struct{}

func (stopSignal) Error() string { return "replay: stop requested" }

// Stop is the callback signature upstream replay drives. Returning StopErr
// (or any error) ends the stream; StopErr specifically is not propagated to
// the caller of Replay as a failure.
type Stop[T any] func(item T) error

// Bound optionally caps a replay at an upper id/seq, inclusive. The zero
// Bound (Bound == false) means "stream to the end of what upstream
// currently has".
type Bound struct {
	To    uint64
	Bound bool
}

// Upstream is the interface a downstream service consumes to cascade its
// recovery onto an upstream service. Implementations live in ubscore
// (Service.Replay, streaming ValidOrder) and matching (Service.Replay,
// streaming Trade).
type Upstream[T any] interface {
	// Replay streams items whose ordering key is >= from, in strictly
	// ascending order, honoring an optional upper bound, until the stream
	// is exhausted or fn returns a non-nil error (including StopErr).
	Replay(from uint64, bound Bound, fn Stop[T]) error
}

// Drain runs an Upstream to completion into a slice, treating StopErr the
// same as a clean end. It exists for tests and for recovery paths that want
// "just give me everything past X" without hand-rolling a callback.
func Drain[T any](u Upstream[T], from uint64, bound Bound) ([]T, error) {
	var out []T
	err := u.Replay(from, bound, func(item T) error {
		out = append(out, item)
		return nil
	})
	if err != nil && err != StopErr {
		return out, err
	}
	return out, nil
}
