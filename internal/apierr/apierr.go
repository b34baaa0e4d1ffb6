// Package apierr defines the error kinds the runtime reports to callers.
//
// These are kinds, not types: every error returned by the engine wraps one
// of the sentinels below via fmt.Errorf("...: %w", ...) so callers can
// classify failures with errors.Is while still getting a normal Go error
// value. NotFound conditions that callers can tolerate are reported as
// (nil, nil) rather than an error — see each package's doc comment for
// which lookups behave that way.
package apierr

import "errors"

var (
	// ErrNotFound means a world/agent/chat/message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation means the caller supplied a bad input: empty name,
	// non-numeric turn limit, malformed MCP JSON, etc. Never persisted.
	ErrValidation = errors.New("validation failed")

	// ErrConflict means an operation collided with existing state, e.g.
	// importing a world id that already exists.
	ErrConflict = errors.New("conflict")

	// ErrStorage means a persistence I/O failure. Atomic-write guarantees
	// mean storage never observes partial state; the caller may retry.
	ErrStorage = errors.New("storage error")

	// ErrProvider means an LLM adapter failed (network, auth, malformed
	// response). Reported via sse{error} as well as the pipeline return.
	ErrProvider = errors.New("provider error")

	// ErrTimeout means the LLM pipeline exceeded its wall-clock budget.
	// Same surface as ErrProvider with a distinct reason code.
	ErrTimeout = errors.New("timeout")
)

// RefreshWarning is non-fatal: a subscription refresh or listener rebind
// partially failed. The triggering mutation still succeeds; the warning
// string is attached to its result rather than returned as an error.
type RefreshWarning struct {
	Message string
}

func (w *RefreshWarning) Error() string { return w.Message }

// NewRefreshWarning builds a RefreshWarning, or returns nil if msg is empty
// so callers can assign the result directly to a result field.
func NewRefreshWarning(msg string) *RefreshWarning {
	if msg == "" {
		return nil
	}
	return &RefreshWarning{Message: msg}
}
