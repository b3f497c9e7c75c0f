package model

// BPMN element type tags as they appear in a parsed process model.
const (
	StartEvent             = "startEvent"
	EndEvent               = "endEvent"
	ExclusiveGateway       = "exclusiveGateway"
	ParallelGateway        = "parallelGateway"
	ServiceTask            = "serviceTask"
	UserTask               = "userTask"
	ManualTask             = "manualTask"
	ScriptTask             = "scriptTask"
	SendTask               = "sendTask"
	ReceiveTask            = "receiveTask"
	BoundaryEvent          = "boundaryEvent"
	SubProcess             = "subProcess"
	CallActivity           = "callActivity"
	IntermediateCatchEvent = "intermediateCatchEvent"
	IntermediateThrowEvent = "intermediateThrowEvent"
)

// GatewayDirection describes whether a gateway splits or joins branches.
type GatewayDirection int

const (
	// GatewayDirectionDiverging marks a gateway that splits flow into branches.
	GatewayDirectionDiverging GatewayDirection = iota
	// GatewayDirectionConverging marks a gateway that joins branches.
	GatewayDirectionConverging
)

// EventDefinition carries the name reference of a message, signal or error
// definition attached to an event element.
type EventDefinition struct {
	Name string
}

// TimerDefinition describes a timer start event or timer catch event.
type TimerDefinition struct {
	// Cron holds a cron expression for repeating timer start events.
	Cron string
	// Date holds an ISO8601 date for single-fire timers.
	Date string
	// Duration holds an expression evaluating to an ISO8601 duration or a
	// nanosecond count.
	Duration string
}

// FlowNode is the immutable description of a single BPMN graph element as
// produced by the parsing collaborator.  It is never mutated during
// execution.
type FlowNode struct {
	Id       string
	Name     string
	BpmnType string
	// Incoming and Outgoing reference SequenceFlow ids.
	Incoming []string
	Outgoing []string
	LaneId   string

	// Gateway configuration.
	GatewayDirection              GatewayDirection
	DefaultOutgoingSequenceFlowId string

	// Event definitions, populated according to BpmnType.
	MessageEventDefinition *EventDefinition
	SignalEventDefinition  *EventDefinition
	ErrorEventDefinition   *EventDefinition
	TimerEventDefinition   *TimerDefinition
	// TerminateEndEvent marks an end event which terminates the whole
	// process instance rather than just its own branch.
	TerminateEndEvent bool

	// ScriptTask configuration: expression evaluated against the token
	// payload, merged back under ResultVariable.
	Expression     string
	ResultVariable string

	// ServiceTask configuration: the registered executor name.
	Execute string

	// SubProcess configuration: the embedded graph.
	Process *Process

	// CallActivity configuration: the callee process model id.
	CalledProcessId string

	// BoundaryEvent configuration: the activity the event attaches to.
	AttachedToId string
	// Interrupting boundary events cancel the guarded activity on firing.
	Interrupting bool
}

// SequenceFlow is a directed edge between two flow nodes, optionally guarded
// by a boolean condition expression.
type SequenceFlow struct {
	Id        string
	SourceId  string
	TargetId  string
	Condition string
}

// Lane assigns flow nodes to an organisational role.
type Lane struct {
	Id        string
	Name      string
	FlowNodes []string
}

// LaneSet groups the lanes of a process.
type LaneSet struct {
	Lanes []*Lane
}

// Process is a parsed, executable BPMN process graph.
type Process struct {
	Id            string
	Name          string
	IsExecutable  bool
	FlowNodes     []*FlowNode
	SequenceFlows []*SequenceFlow
	LaneSet       *LaneSet
}

// FlowNodeTable indexes a process graph for quick flow node ID lookups.
func FlowNodeTable(pr *Process) map[string]*FlowNode {
	el := make(map[string]*FlowNode)
	IndexProcessFlowNodes(pr.FlowNodes, el)
	return el
}

// IndexProcessFlowNodes is the recursive part of the index.
func IndexProcessFlowNodes(nodes []*FlowNode, el map[string]*FlowNode) {
	for _, i := range nodes {
		el[i.Id] = i
		if i.Process != nil {
			IndexProcessFlowNodes(i.Process.FlowNodes, el)
		}
	}
}
