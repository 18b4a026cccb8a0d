// Package errors holds the sentinel and typed errors shared across
// taskmaster. Typed errors carry run context (file, stage, change request,
// HTTP status) and unwrap to a sentinel, so callers test with Is:
//
//	err := errors.NewStateError("failed to load state", errors.ErrStateCorrupted).WithPath(path)
//	errors.Is(err, errors.ErrStateCorrupted) // true
//
// Host and engine errors also record whether retrying can help; the fault
// guard's classifier reads that flag.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-exported so callers need a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	New  = errors.New
	Join = errors.Join
)

// State directory.
var (
	ErrStateNotFound     = New("state not found")
	ErrStateExists       = New("state already exists")
	ErrStateCorrupted    = New("state file corrupted")
	ErrInvalidTransition = New("invalid status transition")
	ErrSessionLocked     = New("session is locked by another process")
)

// Plan and scheduling.
var (
	ErrPlanNotFound    = New("plan not found")
	ErrNoTasks         = New("no tasks found in plan")
	ErrTaskNotFound    = New("task not found")
	ErrDependencyCycle = New("dependency cycle detected")
)

// Collaborators and the fault guard.
var (
	ErrMergeConflict   = New("merge conflict")
	ErrEngineInit      = New("engine initialization failed")
	ErrCircuitOpen     = New("circuit breaker is open")
	ErrTooManyFailures = New("too many consecutive failures")
	ErrSessionStalled  = New("work session stalled")
)

// General conditions.
var (
	ErrTimeout      = New("operation timed out")
	ErrCanceled     = New("operation canceled")
	ErrInvalidInput = New("invalid input")
)

// cause is embedded by every typed error. Is delegates to the wrapped
// error so typed errors match their sentinel.
type cause struct {
	message   string
	err       error
	retryable bool
}

func (c *cause) Unwrap() error { return c.err }

func (c *cause) Is(target error) bool {
	return c.err != nil && errors.Is(c.err, target)
}

// IsRetryable reports whether trying again can succeed.
func (c *cause) IsRetryable() bool { return c.retryable }

// render produces "<kind> [k=v, ...]: message: cause".
func (c *cause) render(kind string, fields ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	var set []string
	for _, f := range fields {
		if f != "" {
			set = append(set, f)
		}
	}
	if len(set) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(set, ", "))
	}
	if c.message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(c.message)
	}
	if c.err != nil {
		fmt.Fprintf(&b, ": %v", c.err)
	}
	return b.String()
}

func field(name, value string) string {
	if value == "" {
		return ""
	}
	return name + "=" + value
}

func intField(name string, value int) string {
	if value == 0 {
		return ""
	}
	return fmt.Sprintf("%s=%d", name, value)
}

// StateError is a failure in the state directory: persistence, recovery,
// transition validation or locking.
type StateError struct {
	cause
	Path   string
	Status string
}

// NewStateError creates a StateError wrapping err.
func NewStateError(message string, err error) *StateError {
	return &StateError{cause: cause{message: message, err: err}}
}

// WithPath records the file involved.
func (e *StateError) WithPath(path string) *StateError {
	e.Path = path
	return e
}

// WithStatus records the run status at the time of the failure.
func (e *StateError) WithStatus(status string) *StateError {
	e.Status = status
	return e
}

func (e *StateError) Error() string {
	return e.render("state error", field("path", e.Path), field("status", e.Status))
}

func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.cause.Is(target)
}

// WorkflowError is a failure while driving a change request.
type WorkflowError struct {
	cause
	Stage         string
	ChangeRequest int
}

// NewWorkflowError creates a WorkflowError wrapping err.
func NewWorkflowError(message string, err error) *WorkflowError {
	return &WorkflowError{cause: cause{message: message, err: err}}
}

// WithStage records the workflow stage.
func (e *WorkflowError) WithStage(stage string) *WorkflowError {
	e.Stage = stage
	return e
}

// WithChangeRequest records the change request number.
func (e *WorkflowError) WithChangeRequest(n int) *WorkflowError {
	e.ChangeRequest = n
	return e
}

func (e *WorkflowError) Error() string {
	return e.render("workflow error", field("stage", e.Stage), intField("pr", e.ChangeRequest))
}

func (e *WorkflowError) Is(target error) bool {
	if _, ok := target.(*WorkflowError); ok {
		return true
	}
	return e.cause.Is(target)
}

// EngineError is a failure reported by the work-session engine. It is
// retryable unless marked otherwise.
type EngineError struct {
	cause
	Operation string
	Output    string
}

// NewEngineError creates an EngineError wrapping err.
func NewEngineError(message string, err error) *EngineError {
	return &EngineError{cause: cause{message: message, err: err, retryable: true}}
}

// WithOperation records the engine operation (planning, work, verify).
func (e *EngineError) WithOperation(op string) *EngineError {
	e.Operation = op
	return e
}

// WithOutput records trailing engine output.
func (e *EngineError) WithOutput(out string) *EngineError {
	e.Output = out
	return e
}

// WithRetryable overrides the retry hint.
func (e *EngineError) WithRetryable(r bool) *EngineError {
	e.retryable = r
	return e
}

func (e *EngineError) Error() string {
	msg := e.render("engine error", field("op", e.Operation))
	if e.Output != "" {
		msg += "\nengine output: " + e.Output
	}
	return msg
}

func (e *EngineError) Is(target error) bool {
	if _, ok := target.(*EngineError); ok {
		return true
	}
	return e.cause.Is(target)
}

// HostError is a failure reported by the version-control host.
type HostError struct {
	cause
	Operation  string
	StatusCode int
}

// NewHostError creates a HostError wrapping err.
func NewHostError(message string, err error) *HostError {
	return &HostError{cause: cause{message: message, err: err, retryable: true}}
}

// WithOperation records the host operation.
func (e *HostError) WithOperation(op string) *HostError {
	e.Operation = op
	return e
}

// WithStatusCode records the HTTP status. 429 and 5xx stay retryable, any
// other 4xx is not.
func (e *HostError) WithStatusCode(code int) *HostError {
	e.StatusCode = code
	switch {
	case code == 429 || code >= 500:
		e.retryable = true
	case code >= 400:
		e.retryable = false
	}
	return e
}

func (e *HostError) Error() string {
	return e.render("host error", field("op", e.Operation), intField("status", e.StatusCode))
}

func (e *HostError) Is(target error) bool {
	if _, ok := target.(*HostError); ok {
		return true
	}
	return e.cause.Is(target)
}

// NotFoundError reports a missing resource.
type NotFoundError struct {
	cause
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{cause: cause{message: fmt.Sprintf("%s '%s' not found", resource, id)}, Resource: resource, ID: id}
}

// WithCause sets the wrapped error.
func (e *NotFoundError) WithCause(err error) *NotFoundError {
	e.err = err
	return e
}

func (e *NotFoundError) Error() string { return e.render("") }

func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.cause.Is(target)
}

// AlreadyExistsError reports a resource that must not exist yet.
type AlreadyExistsError struct {
	cause
	Resource string
	ID       string
}

// NewAlreadyExistsError creates an AlreadyExistsError.
func NewAlreadyExistsError(resource, id string) *AlreadyExistsError {
	return &AlreadyExistsError{cause: cause{message: fmt.Sprintf("%s '%s' already exists", resource, id)}, Resource: resource, ID: id}
}

// WithCause sets the wrapped error.
func (e *AlreadyExistsError) WithCause(err error) *AlreadyExistsError {
	e.err = err
	return e
}

func (e *AlreadyExistsError) Error() string { return e.render("") }

func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.cause.Is(target)
}

// ValidationError reports invalid input or an illegal state change. It
// matches ErrInvalidInput.
//
//	errors.NewValidationError("cannot transition").WithField("status").WithValue("success -> working")
type ValidationError struct {
	cause
	Field string
	Value any
}

// NewValidationError creates a ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{cause: cause{message: message}}
}

// WithField names the offending field.
func (e *ValidationError) WithField(name string) *ValidationError {
	e.Field = name
	return e
}

// WithValue records the rejected value.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause sets the wrapped error.
func (e *ValidationError) WithCause(err error) *ValidationError {
	e.err = err
	return e
}

func (e *ValidationError) Error() string {
	value := ""
	if e.Value != nil {
		value = fmt.Sprintf("value=%v", e.Value)
	}
	return e.render("validation error", field("field", e.Field), value)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.cause.Is(target)
}

// TimeoutError reports an operation that ran past its deadline. It matches
// ErrTimeout and is retryable.
type TimeoutError struct {
	cause
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation string, d time.Duration) *TimeoutError {
	return &TimeoutError{cause: cause{retryable: true}, Operation: operation, Duration: d}
}

// WithCause sets the wrapped error.
func (e *TimeoutError) WithCause(err error) *TimeoutError {
	e.err = err
	return e
}

func (e *TimeoutError) Error() string {
	return e.render(fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration))
}

func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.cause.Is(target)
}
