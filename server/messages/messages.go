package messages

import "fmt"

// Event bus topic templates.  Each is parameterized into a concrete topic by
// its companion function.
const (
	ProcessTerminated = "WORKFLOW.State.Process.Terminated.%s"    // ProcessTerminated is the broadcast topic for a process instance terminating.  Parameter: process instance id.
	ProcessErrored    = "WORKFLOW.State.Process.Errored.%s"       // ProcessErrored is the broadcast topic for a process instance erroring.  Parameter: process instance id.
	ProcessFinished   = "WORKFLOW.State.Process.Finished.%s"      // ProcessFinished is the broadcast topic for the last branch of a process instance ending.  Parameter: process instance id.
	MessageTriggered  = "WORKFLOW.Event.Message.%s"               // MessageTriggered is the topic on which external message events arrive.  Parameter: message name.
	SignalTriggered   = "WORKFLOW.Event.Signal.%s"                // SignalTriggered is the topic on which external signal events arrive.  Parameter: signal name.
	TaskComplete      = "WORKFLOW.State.Task.Complete.%s.%s.%s"   // TaskComplete is the per-instance completion topic for suspended tasks.  Parameters: correlation id, process instance id, flow node instance id.
	MessageTriggerAll = "WORKFLOW.Event.Message.>"                // MessageTriggerAll is the wildcard topic matching every message trigger, dotted names included.
	SignalTriggerAll  = "WORKFLOW.Event.Signal.>"                 // SignalTriggerAll is the wildcard topic matching every signal trigger, dotted names included.
)

// ProcessTerminatedTopic returns the termination broadcast topic for a process instance.
func ProcessTerminatedTopic(processInstanceID string) string {
	return fmt.Sprintf(ProcessTerminated, processInstanceID)
}

// ProcessErroredTopic returns the error broadcast topic for a process instance.
func ProcessErroredTopic(processInstanceID string) string {
	return fmt.Sprintf(ProcessErrored, processInstanceID)
}

// ProcessFinishedTopic returns the completion broadcast topic for a process instance.
func ProcessFinishedTopic(processInstanceID string) string {
	return fmt.Sprintf(ProcessFinished, processInstanceID)
}

// MessageTriggeredTopic returns the trigger topic for a named message.
func MessageTriggeredTopic(name string) string {
	return fmt.Sprintf(MessageTriggered, name)
}

// SignalTriggeredTopic returns the trigger topic for a named signal.
func SignalTriggeredTopic(name string) string {
	return fmt.Sprintf(SignalTriggered, name)
}

// TaskCompleteTopic returns the one-shot completion topic for a suspended task.
func TaskCompleteTopic(correlationID, processInstanceID, flowNodeInstanceID string) string {
	return fmt.Sprintf(TaskComplete, correlationID, processInstanceID, flowNodeInstanceID)
}
