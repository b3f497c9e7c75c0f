package errors

import (
	"errors"
	"runtime"
)

var (
	// ErrProcessModelNotFound signifies that a process model could not be located in the model store.
	ErrProcessModelNotFound = errors.New("process model not found")
	// ErrProcessInstanceNotFound signifies that an instance of a process could not be located.
	ErrProcessInstanceNotFound = errors.New("process instance not found")
	// ErrFlowNodeInstanceNotFound signifies that a persisted flow node instance could not be located.
	ErrFlowNodeInstanceNotFound = errors.New("flow node instance not found")
	// ErrStartEventNotFound signifies that a process model contains no matching start event.
	ErrStartEventNotFound = errors.New("start event not found")
	// ErrUnsupportedFlowNodeType signifies that no handler exists for a BPMN type tag.
	ErrUnsupportedFlowNodeType = errors.New("unsupported flow node type")
	// ErrNotBoundaryEvent signifies that a boundary event was routed through the wrong factory method.
	ErrNotBoundaryEvent = errors.New("flow node is not a boundary event")
	// ErrNoTruthyCondition signifies that no outgoing sequence flow of an exclusive gateway evaluated true and no default flow exists.
	ErrNoTruthyCondition = errors.New("no sequence flow had a truthy condition")
	// ErrTooManyTruthyConditions signifies that more than one outgoing sequence flow of an exclusive gateway evaluated true.
	ErrTooManyTruthyConditions = errors.New("more than one sequence flow had a truthy condition")
	// ErrTaskNotSuspended signifies an attempt to complete a task which is not in a suspended state.
	ErrTaskNotSuspended = errors.New("task is not suspended")
	// ErrTaskAlreadyCompleted signifies a re-delivered completion for a task which already finished.  This is an expected outcome, not a fault.
	ErrTaskAlreadyCompleted = errors.New("task already completed")
	// ErrClaimDenied signifies that the identity lacks the capability for the requested operation.  This is an expected outcome, not a fault.
	ErrClaimDenied = errors.New("claim denied")
	// ErrProcessNotExecutable signifies an attempt to start a process model which is not flagged executable.
	ErrProcessNotExecutable = errors.New("process model is not executable")
	// ErrInterrupted signifies that a handler received a process-wide termination or error signal while in flight.
	ErrInterrupted = errors.New("flow node execution interrupted")
)

// ErrWorkflowFatal signifies that the workflow must terminate: the underlying
// cause is a modeling error which no retry can repair.
type ErrWorkflowFatal struct {
	Err error
}

// Error returns the string version of the ErrWorkflowFatal error.
func (e *ErrWorkflowFatal) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped cause.
func (e *ErrWorkflowFatal) Unwrap() error {
	return e.Err
}

// IsWorkflowFatal reports whether an error is, or wraps, an ErrWorkflowFatal.
func IsWorkflowFatal(err error) bool {
	var wff *ErrWorkflowFatal
	return errors.As(err, &wff)
}

// Fn returns the name of the calling function for error messages.
func Fn() string {
	pc, _, _, ok := runtime.Caller(1)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return fn.Name()
}
