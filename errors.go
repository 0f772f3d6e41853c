package agentpilot

import (
	"errors"
	"strconv"
)

// Sentinel errors for session operations.
var (
	// ErrUnavailable indicates the agent binary cannot be started
	// (not found on PATH, not executable).
	ErrUnavailable = errors.New("agentpilot: agent unavailable")

	// ErrTerminated indicates the session was terminated
	// (process killed, connection closed).
	ErrTerminated = errors.New("agentpilot: session terminated")

	// ErrAlreadyInitialized indicates initialize (or session creation) was
	// called twice over the same connection.
	ErrAlreadyInitialized = errors.New("agentpilot: already initialized")

	// ErrNoSession indicates a prompt or cancel was issued before a
	// session was negotiated.
	ErrNoSession = errors.New("agentpilot: no active session")

	// ErrDisposed indicates an operation was attempted after Dispose.
	ErrDisposed = errors.New("agentpilot: session disposed")

	// ErrSessionNotFound indicates a session/load failed because the agent
	// does not know the requested session id.
	ErrSessionNotFound = errors.New("agentpilot: session not found")
)

// ExitError represents an agent subprocess that exited with a non-zero
// status. Wraps the underlying error so consumers can errors.As to
// *exec.ExitError for OS-level detail.
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "agentpilot: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the chain has none.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
