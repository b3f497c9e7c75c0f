package engine

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"gitlab.com/meridian-workflow/meridian/model"
)

// FlowNodeResult is one flow node's contribution to a branch's token history.
type FlowNodeResult struct {
	FlowNodeId string
	Result     map[string]any
}

// ProcessTokenFacade owns the current and historical payload values produced
// by each flow node for one execution branch of a process instance.  Parallel
// splits fork it, one copy per branch; joins merge the branch copies back
// together.
type ProcessTokenFacade struct {
	mx                sync.Mutex
	processInstanceId string
	correlationId     string
	processModelId    string
	results           []FlowNodeResult
	current           map[string]any
}

// NewProcessTokenFacade creates a token facade seeded with the instance's
// start payload.
func NewProcessTokenFacade(processInstanceID, correlationID, processModelID string, initial map[string]any) *ProcessTokenFacade {
	cur := make(map[string]any)
	maps.Copy(cur, initial)
	return &ProcessTokenFacade{
		processInstanceId: processInstanceID,
		correlationId:     correlationID,
		processModelId:    processModelID,
		results:           make([]FlowNodeResult, 0),
		current:           cur,
	}
}

// ProcessInstanceId returns the owning process instance id.
func (f *ProcessTokenFacade) ProcessInstanceId() string { return f.processInstanceId }

// CorrelationId returns the business correlation id.
func (f *ProcessTokenFacade) CorrelationId() string { return f.correlationId }

// ProcessModelId returns the process model the instance was started from.
func (f *ProcessTokenFacade) ProcessModelId() string { return f.processModelId }

// AddResultForFlowNode records a flow node's output and merges it into the
// current payload.
func (f *ProcessTokenFacade) AddResultForFlowNode(flowNodeID string, result map[string]any) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.results = append(f.results, FlowNodeResult{FlowNodeId: flowNodeID, Result: result})
	maps.Copy(f.current, result)
}

// SetResultForFlowNode replaces the current payload with result and records
// it against the flow node.  Used when an external completion supplies the
// whole payload.
func (f *ProcessTokenFacade) SetResultForFlowNode(flowNodeID string, result map[string]any) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.results = append(f.results, FlowNodeResult{FlowNodeId: flowNodeID, Result: result})
	f.current = make(map[string]any)
	maps.Copy(f.current, result)
}

// GetAllResults returns the ordered per-flow-node result history.
func (f *ProcessTokenFacade) GetAllResults() []FlowNodeResult {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]FlowNodeResult, len(f.results))
	copy(out, f.results)
	return out
}

// CurrentPayload returns a copy of the branch's current data state.  This is
// the evaluation scope for sequence flow conditions.
func (f *ProcessTokenFacade) CurrentPayload() map[string]any {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make(map[string]any, len(f.current))
	maps.Copy(out, f.current)
	return out
}

// OldTokenFormat returns the payload in the historical shape: the per-node
// history keyed under "history" with the latest result under "current".
func (f *ProcessTokenFacade) OldTokenFormat() map[string]any {
	f.mx.Lock()
	defer f.mx.Unlock()
	history := make(map[string]any, len(f.results))
	var current any
	for _, r := range f.results {
		history[r.FlowNodeId] = r.Result
		current = r.Result
	}
	return map[string]any{
		"history": history,
		"current": current,
	}
}

// NewTokenFormat returns the payload in the flat shape: each node's result
// keyed by its flow node id alongside the merged current payload.
func (f *ProcessTokenFacade) NewTokenFormat() map[string]any {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make(map[string]any, len(f.results)+1)
	for _, r := range f.results {
		out[r.FlowNodeId] = r.Result
	}
	cur := make(map[string]any, len(f.current))
	maps.Copy(cur, f.current)
	out["current"] = cur
	return out
}

// CreateProcessToken snapshots the branch state into a persistable token.
func (f *ProcessTokenFacade) CreateProcessToken(ctx context.Context) (*model.ProcessToken, error) {
	v := model.NewVars()
	v.Vals = f.CurrentPayload()
	b, err := v.Encode(ctx)
	if err != nil {
		return nil, fmt.Errorf("create process token: %w", err)
	}
	return &model.ProcessToken{
		ProcessInstanceId: f.processInstanceId,
		CorrelationId:     f.correlationId,
		ProcessModelId:    f.processModelId,
		Payload:           b,
	}, nil
}

// Fork returns an independent copy for a new parallel branch.
func (f *ProcessTokenFacade) Fork() *ProcessTokenFacade {
	f.mx.Lock()
	defer f.mx.Unlock()
	nf := &ProcessTokenFacade{
		processInstanceId: f.processInstanceId,
		correlationId:     f.correlationId,
		processModelId:    f.processModelId,
		results:           make([]FlowNodeResult, len(f.results)),
		current:           make(map[string]any, len(f.current)),
	}
	copy(nf.results, f.results)
	maps.Copy(nf.current, f.current)
	return nf
}

// Merge folds another branch's results into this facade.  Later entries win
// on key collisions, mirroring arrival order at a join.
func (f *ProcessTokenFacade) Merge(other *ProcessTokenFacade) {
	for _, r := range other.GetAllResults() {
		f.AddResultForFlowNode(r.FlowNodeId, r.Result)
	}
}
