package keys

const (
	// FlowNodeName is the key of the currently executing flow node's name.
	FlowNodeName = "fn_name"
	// FlowNodeID is the key for the flow node ID.
	FlowNodeID = "fn_id"
	// FlowNodeType is the key for the BPMN type tag of the flow node.
	FlowNodeType = "fn_type"
	// FlowNodeInstanceID is the key for the persisted execution of a flow node.
	FlowNodeInstanceID = "fni_id"
	// PreviousFlowNodeInstanceID is the key for the preceding execution in the instance chain.
	PreviousFlowNodeInstanceID = "prev_fni_id"
	// ProcessInstanceID is the key for the unique identifier of the executing process instance.
	ProcessInstanceID = "pi_id"
	// ProcessModelID is the key for the process model that the instance was started from.
	ProcessModelID = "pm_id"
	// CorrelationID is the key for the business correlation grouping related instances.
	CorrelationID = "c_id"
	// StartEventID is the key for the start event an instance began at.
	StartEventID = "start_id"
	// Condition is a key for a sequence flow condition expression.
	Condition = "sf_cond"
	// SequenceFlowID is the key for a sequence flow edge id.
	SequenceFlowID = "sf_id"
	// State is a key for the current lifecycle state of a flow node instance.
	State = "fni_state"
	// LifecyclePoint is a key tagging which persistence call produced a log entry.
	LifecyclePoint = "lifecycle"
	// Topic is the key for an event bus topic.
	Topic = "topic"
	// Identity is the key for the identity on whose behalf work is done.
	Identity = "identity"
)
