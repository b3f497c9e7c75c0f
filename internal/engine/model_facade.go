package engine

import (
	"fmt"

	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

// ProcessModelFacade is the read-only query surface over one parsed process
// graph.  It indexes the graph once on construction; every query is pure
// navigation with no side effects.
type ProcessModelFacade struct {
	process  *model.Process
	nodes    map[string]*model.FlowNode
	flows    map[string]*model.SequenceFlow
	outgoing map[string][]*model.SequenceFlow
	incoming map[string][]*model.SequenceFlow
}

// NewProcessModelFacade indexes a process graph for navigation.
func NewProcessModelFacade(pr *model.Process) *ProcessModelFacade {
	f := &ProcessModelFacade{
		process:  pr,
		nodes:    make(map[string]*model.FlowNode, len(pr.FlowNodes)),
		flows:    make(map[string]*model.SequenceFlow, len(pr.SequenceFlows)),
		outgoing: make(map[string][]*model.SequenceFlow),
		incoming: make(map[string][]*model.SequenceFlow),
	}
	for _, n := range pr.FlowNodes {
		f.nodes[n.Id] = n
	}
	for _, sf := range pr.SequenceFlows {
		f.flows[sf.Id] = sf
		f.outgoing[sf.SourceId] = append(f.outgoing[sf.SourceId], sf)
		f.incoming[sf.TargetId] = append(f.incoming[sf.TargetId], sf)
	}
	return f
}

// GetProcess returns the underlying process graph.
func (f *ProcessModelFacade) GetProcess() *model.Process { return f.process }

// GetProcessModelId returns the graph's model id.
func (f *ProcessModelFacade) GetProcessModelId() string { return f.process.Id }

// GetStartEvents returns every start event in the graph.
func (f *ProcessModelFacade) GetStartEvents() []*model.FlowNode {
	return f.nodesOfType(model.StartEvent)
}

// GetEndEvents returns every end event in the graph.
func (f *ProcessModelFacade) GetEndEvents() []*model.FlowNode {
	return f.nodesOfType(model.EndEvent)
}

func (f *ProcessModelFacade) nodesOfType(bpmnType string) []*model.FlowNode {
	out := make([]*model.FlowNode, 0)
	for _, n := range f.process.FlowNodes {
		if n.BpmnType == bpmnType {
			out = append(out, n)
		}
	}
	return out
}

// GetStartEventById locates a start event by flow node id.
func (f *ProcessModelFacade) GetStartEventById(id string) (*model.FlowNode, error) {
	n, ok := f.nodes[id]
	if !ok || n.BpmnType != model.StartEvent {
		return nil, fmt.Errorf("start event %s in model %s: %w", id, f.process.Id, errors2.ErrStartEventNotFound)
	}
	return n, nil
}

// GetSingleStartEvent returns the model's start event when exactly one
// plain (no event definition) start event exists.
func (f *ProcessModelFacade) GetSingleStartEvent() (*model.FlowNode, error) {
	var found *model.FlowNode
	for _, n := range f.GetStartEvents() {
		if n.MessageEventDefinition != nil || n.SignalEventDefinition != nil || n.TimerEventDefinition != nil {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("model %s has more than one plain start event: %w", f.process.Id, errors2.ErrStartEventNotFound)
		}
		found = n
	}
	if found == nil {
		return nil, fmt.Errorf("model %s has no plain start event: %w", f.process.Id, errors2.ErrStartEventNotFound)
	}
	return found, nil
}

// GetFlowNodeById returns a flow node by id.
func (f *ProcessModelFacade) GetFlowNodeById(id string) (*model.FlowNode, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("flow node %s in model %s: %w", id, f.process.Id, errors2.ErrProcessModelNotFound)
	}
	return n, nil
}

// GetOutgoingSequenceFlowsFor returns the edges leaving a flow node, in
// declaration order.
func (f *ProcessModelFacade) GetOutgoingSequenceFlowsFor(flowNodeID string) []*model.SequenceFlow {
	return f.outgoing[flowNodeID]
}

// GetIncomingSequenceFlowsFor returns the edges entering a flow node.
func (f *ProcessModelFacade) GetIncomingSequenceFlowsFor(flowNodeID string) []*model.SequenceFlow {
	return f.incoming[flowNodeID]
}

// GetNextFlowNodesFor returns the targets of a node's outgoing edges.
func (f *ProcessModelFacade) GetNextFlowNodesFor(node *model.FlowNode) ([]*model.FlowNode, error) {
	flows := f.outgoing[node.Id]
	out := make([]*model.FlowNode, 0, len(flows))
	for _, sf := range flows {
		t, ok := f.nodes[sf.TargetId]
		if !ok {
			return nil, fmt.Errorf("sequence flow %s targets unknown node %s: %w", sf.Id, sf.TargetId, &errors2.ErrWorkflowFatal{Err: errors2.ErrProcessModelNotFound})
		}
		out = append(out, t)
	}
	return out, nil
}

// GetPreviousFlowNodesFor returns the sources of a node's incoming edges.
// A parallel join's completeness check is defined against this set.
func (f *ProcessModelFacade) GetPreviousFlowNodesFor(node *model.FlowNode) ([]*model.FlowNode, error) {
	flows := f.incoming[node.Id]
	out := make([]*model.FlowNode, 0, len(flows))
	for _, sf := range flows {
		s, ok := f.nodes[sf.SourceId]
		if !ok {
			return nil, fmt.Errorf("sequence flow %s sourced from unknown node %s: %w", sf.Id, sf.SourceId, &errors2.ErrWorkflowFatal{Err: errors2.ErrProcessModelNotFound})
		}
		out = append(out, s)
	}
	return out, nil
}

// GetBoundaryEventsFor returns the boundary events attached to an activity.
func (f *ProcessModelFacade) GetBoundaryEventsFor(flowNodeID string) []*model.FlowNode {
	out := make([]*model.FlowNode, 0)
	for _, n := range f.process.FlowNodes {
		if n.BpmnType == model.BoundaryEvent && n.AttachedToId == flowNodeID {
			out = append(out, n)
		}
	}
	return out
}

// GetLaneForFlowNode returns the lane a flow node belongs to, or nil when the
// model has no lanes or the node is unassigned.
func (f *ProcessModelFacade) GetLaneForFlowNode(flowNodeID string) *model.Lane {
	if f.process.LaneSet == nil {
		return nil
	}
	for _, lane := range f.process.LaneSet.Lanes {
		for _, id := range lane.FlowNodes {
			if id == flowNodeID {
				return lane
			}
		}
	}
	return nil
}

// GetSubProcessModelFacade returns a facade scoped to a sub process's
// embedded graph.
func (f *ProcessModelFacade) GetSubProcessModelFacade(node *model.FlowNode) (*ProcessModelFacade, error) {
	if node.BpmnType != model.SubProcess || node.Process == nil {
		return nil, fmt.Errorf("flow node %s has no embedded process: %w", node.Id, &errors2.ErrWorkflowFatal{Err: errors2.ErrProcessModelNotFound})
	}
	return NewProcessModelFacade(node.Process), nil
}
