// Package mcperr defines the typed error taxonomy surfaced by every public
// operation in the bridge. Every error below satisfies the error interface
// and carries enough structure for errors.As dispatch, per the "typed
// reason and human-readable message" requirement on public operations.
package mcperr

import "fmt"

// ConfigurationError is returned synchronously by StartServer when its
// config fails validation or its id is already in use. It is never
// retried.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: field %q: %s", e.Field, e.Message)
}

// InstallError wraps a failed package-manager invocation.
type InstallError struct {
	Package  string
	ExitCode int
	Stderr   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install failed for %q (exit %d): %s", e.Package, e.ExitCode, e.Stderr)
}

// SpawnError wraps an OS-level failure to create a child process.
type SpawnError struct {
	Command string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn failed for %q: %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// ExecutableNotFoundError is returned when the spawner cannot locate a
// runnable entry point for a package.
type ExecutableNotFoundError struct {
	Package string
}

func (e *ExecutableNotFoundError) Error() string {
	return fmt.Sprintf("executable not found for package %q", e.Package)
}

// ProtocolError wraps a JSON-RPC level failure (invalid JSON, unknown
// method, bad params) surfaced to a caller rather than written back on
// the wire as a response object.
type ProtocolError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// TransportError covers a closed connection or broken pipe. It drives
// crash handling on the owning server.
type TransportError struct {
	ServerID string
	Cause    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on server %q: %v", e.ServerID, e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// TimeoutError is returned when a deadline expires before an operation
// completes.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s", e.Operation)
}

// RateLimitedError carries an upstream Retry-After hint so the retry
// layer can honor it as a delay floor.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfterSeconds)
}

// CrashError wraps an unexpected child process exit and drives the
// Manager's restart policy.
type CrashError struct {
	Reason string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("server crashed: %s", e.Reason)
}

// ResourceLimitError reports a memory or queue-length threshold
// violation. It is informational; the Manager decides what to do.
type ResourceLimitError struct {
	ServerID string
	Limit    string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("server %q exceeded resource limit: %s", e.ServerID, e.Limit)
}

// NotFoundError indicates a lookup by id found nothing, used for
// idempotent not_found results (e.g. StopServer on an unknown id).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// CircuitOpenError is returned by a breaker-wrapped call while the
// circuit is open; the wrapped callable was never invoked.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open", e.Name)
}

// CapabilityNotFoundError is returned by the router when no server
// advertises the requested capability.
type CapabilityNotFoundError struct {
	Capability string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("capability %q not found", e.Capability)
}

// UnknownTaskTypeError is returned by the router when a
// (capability, task_type) pair has no entry in the tool-mapping table.
type UnknownTaskTypeError struct {
	Capability string
	TaskType   string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("unknown task type %q for capability %q", e.TaskType, e.Capability)
}
