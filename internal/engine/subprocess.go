package engine

import (
	"context"
	"fmt"

	"github.com/segmentio/ksuid"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
)

// GraphRunner drives a token through a process graph and returns when every
// branch has drained.  The executor implements it; subprocess and call
// activity handlers use it to run their inner graphs synchronously.
type GraphRunner interface {
	RunGraph(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, first *model.FlowNode, previousInstanceID string) error
}

// subProcessHandler runs an embedded subgraph to completion on a forked
// token, then merges the fork's results back and continues.
type subProcessHandler struct {
	*handlerBase
	factory *HandlerFactory
}

func (h *subProcessHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
		sub, err := m.GetSubProcessModelFacade(h.flowNode)
		if err != nil {
			return nil, err
		}
		start, err := sub.GetSingleStartEvent()
		if err != nil {
			return nil, err
		}
		logx.FromContext(ctx).Info("entering subprocess", keys.FlowNodeID, h.flowNode.Id)
		child := t.Fork()
		if err := h.factory.runner.RunGraph(ctx, child, sub, identity, start, h.instanceID); err != nil {
			return nil, fmt.Errorf("subprocess %s: %w", h.flowNode.Id, err)
		}
		t.Merge(child)
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// callActivityHandler starts the called process model as a child process
// instance, waits for it to finish, and merges its final payload under the
// activity's id.
type callActivityHandler struct {
	*handlerBase
	factory *HandlerFactory
}

func (h *callActivityHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
		pr, err := h.factory.models.Get(ctx, h.flowNode.CalledProcessId)
		if err != nil {
			return nil, fmt.Errorf("call activity %s: %w", h.flowNode.Id, err)
		}
		if !pr.IsExecutable {
			return nil, fmt.Errorf("call activity %s calls %s: %w", h.flowNode.Id, pr.Id, errors2.ErrProcessNotExecutable)
		}
		cm := NewProcessModelFacade(pr)
		start, err := cm.GetSingleStartEvent()
		if err != nil {
			return nil, err
		}
		childID := ksuid.New().String()
		logx.FromContext(ctx).Info("calling process",
			keys.FlowNodeID, h.flowNode.Id,
			keys.ProcessModelID, pr.Id,
			keys.ProcessInstanceID, childID)
		child := NewProcessTokenFacade(childID, t.CorrelationId(), pr.Id, t.CurrentPayload())
		if err := h.factory.runner.RunGraph(ctx, child, cm, identity, start, h.instanceID); err != nil {
			return nil, fmt.Errorf("call activity %s: %w", h.flowNode.Id, err)
		}
		t.AddResultForFlowNode(h.flowNode.Id, child.CurrentPayload())
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}
