package model

import "time"

// InstanceState is the lifecycle state of a persisted flow node instance.
type InstanceState string

const (
	InstanceRunning    InstanceState = "running"
	InstanceSuspended  InstanceState = "suspended"
	InstanceFinished   InstanceState = "finished"
	InstanceError      InstanceState = "error"
	InstanceTerminated InstanceState = "terminated"
)

// ProcessToken identifies a running process instance branch and carries the
// payload representing that branch's current data state.  Parallel splits
// create one token per branch sharing the same ProcessInstanceId.
type ProcessToken struct {
	ProcessInstanceId string
	CorrelationId     string
	ProcessModelId    string
	// Payload is the msgpack-encoded variable map for this branch.
	Payload []byte
}

// FlowNodeInstance is one persisted execution of a flow node within a
// process instance.  State snapshots are appended per lifecycle transition,
// never overwritten, so a crashed engine can resume from the last one.
type FlowNodeInstance struct {
	Id                         string
	FlowNodeId                 string
	FlowNodeType               string
	CorrelationId              string
	ProcessModelId             string
	ProcessInstanceId          string
	PreviousFlowNodeInstanceId string
	State                      InstanceState

	TokenOnEnter   []byte
	TokenOnExit    []byte
	TokenOnSuspend []byte
	TokenOnResume  []byte
	Error          string

	// IncomingIds accumulates the previous flow node instance ids of every
	// branch that has arrived at a join gateway so far.
	IncomingIds []string

	CreatedAt  time.Time
	ModifiedAt time.Time
}
