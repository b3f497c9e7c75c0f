package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
)

// exclusiveGatewayHandler routes the token onto exactly one outgoing flow.
// Conditions are evaluated in declaration order against the current token
// payload.  Anything other than exactly one truthy non-default condition,
// or zero truthy with a default flow present, is a modeling error and
// therefore fatal.
type exclusiveGatewayHandler struct {
	*handlerBase
	exprEngine expression.Engine
}

func (h *exclusiveGatewayHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		if h.flowNode.GatewayDirection == model.GatewayDirectionConverging {
			// converging exclusive gateways pass each token straight through
			return m.GetNextFlowNodesFor(h.flowNode)
		}
		flow, err := h.selectFlow(ctx, t, m)
		if err != nil {
			return nil, err
		}
		logx.FromContext(ctx).Info("exclusive gateway routed",
			keys.FlowNodeID, h.flowNode.Id, keys.SequenceFlowID, flow.Id)
		target, err := m.GetFlowNodeById(flow.TargetId)
		if err != nil {
			return nil, &errors2.ErrWorkflowFatal{Err: fmt.Errorf("sequence flow %s target: %w", flow.Id, err)}
		}
		return []*model.FlowNode{target}, nil
	})
}

func (h *exclusiveGatewayHandler) selectFlow(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade) (*model.SequenceFlow, error) {
	payload := t.CurrentPayload()
	var truthy []*model.SequenceFlow
	var defaultFlow *model.SequenceFlow
	for _, flow := range m.GetOutgoingSequenceFlowsFor(h.flowNode.Id) {
		if flow.Id == h.flowNode.DefaultOutgoingSequenceFlowId {
			defaultFlow = flow
			continue
		}
		ok, err := h.conditionTruthy(ctx, flow, payload)
		if err != nil {
			return nil, err
		}
		if ok {
			truthy = append(truthy, flow)
		}
	}
	switch {
	case len(truthy) == 1:
		return truthy[0], nil
	case len(truthy) > 1:
		return nil, &errors2.ErrWorkflowFatal{Err: fmt.Errorf(
			"gateway %s: flows %s and %s both truthy: %w",
			h.flowNode.Id, truthy[0].Id, truthy[1].Id, errors2.ErrTooManyTruthyConditions)}
	case defaultFlow != nil:
		return defaultFlow, nil
	default:
		return nil, &errors2.ErrWorkflowFatal{Err: fmt.Errorf(
			"gateway %s: %w", h.flowNode.Id, errors2.ErrNoTruthyCondition)}
	}
}

func (h *exclusiveGatewayHandler) conditionTruthy(ctx context.Context, flow *model.SequenceFlow, payload map[string]any) (bool, error) {
	if flow.Condition == "" {
		return true, nil
	}
	ok, err := expression.Eval[bool](ctx, h.exprEngine, flow.Condition, payload)
	if err != nil {
		return false, fmt.Errorf("evaluate condition on flow %s: %w", flow.Id, err)
	}
	return ok, nil
}

// parallelSplitGatewayHandler fans the token out onto every outgoing flow.
type parallelSplitGatewayHandler struct {
	*handlerBase
}

func (h *parallelSplitGatewayHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		next, err := m.GetNextFlowNodesFor(h.flowNode)
		if err != nil {
			return nil, err
		}
		logx.FromContext(ctx).Info("parallel split",
			keys.FlowNodeID, h.flowNode.Id, "branches", len(next))
		return next, nil
	})
}

// parallelJoinGatewayHandler synchronises converging branches.  All branches
// of one process instance share a single handler keyed on a deterministic
// flow node instance id, so every arrival appends to the same persisted
// accumulator row.  The handler advances exactly once, from whichever
// arrival completes the set; that decision is made inside the store's
// update closure, so concurrent arrivals and restarts cannot double-fire.
type parallelJoinGatewayHandler struct {
	*handlerBase

	aggMx sync.Mutex
	agg   *ProcessTokenFacade
}

// Execute satisfies FlowNodeHandler; the previous instance id recorded is
// the one captured at creation.  The executor calls Arrive directly to
// attribute each arrival to its own branch.
func (h *parallelJoinGatewayHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.Arrive(ctx, t, m, identity, h.previousID)
}

// Arrive records one branch reaching the join.  It returns nil next nodes
// for every arrival except the completing one.
func (h *parallelJoinGatewayHandler) Arrive(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity, previousInstanceID string) ([]*model.FlowNode, error) {
	ctx, log := logx.ContextWith(ctx, "engine.parallelJoin")
	if h.interrupted.Load() {
		return nil, h.interruptError()
	}
	h.beforeExecute(ctx, t)

	merged := h.mergeArrival(t)
	token, err := encodeTokenPayload(ctx, merged)
	if err != nil {
		return nil, err
	}
	fni := h.newInstance(t, token)
	fni.PreviousFlowNodeInstanceId = previousInstanceID

	prev, err := m.GetPreviousFlowNodesFor(h.flowNode)
	if err != nil {
		return nil, err
	}
	advanced, incoming, err := h.persistence.RecordJoinArrival(ctx, fni, len(prev))
	if err != nil {
		if errors.Is(err, errors2.ErrInterrupted) {
			h.interrupted.Store(true)
			return nil, h.interruptError()
		}
		return nil, fmt.Errorf("record join arrival at %s: %w", h.flowNode.Id, err)
	}
	if h.interrupted.Load() {
		return nil, h.interruptError()
	}
	if !advanced {
		h.setState(model.InstanceRunning)
		log.Info("join waiting", keys.FlowNodeID, h.flowNode.Id,
			"arrived", len(incoming), "expected", len(prev))
		return nil, nil
	}

	// the join's own result is the aggregate keyed by flow node id, so the
	// outgoing branch can address each converged branch's contribution
	aggregate := make(map[string]any)
	for _, r := range merged.GetAllResults() {
		aggregate[r.FlowNodeId] = r.Result
	}
	merged.SetResultForFlowNode(h.flowNode.Id, aggregate)
	exitToken, err := encodeTokenPayload(ctx, merged)
	if err != nil {
		return nil, err
	}
	if err := h.persistence.PersistOnExit(ctx, h.instanceID, exitToken); err != nil {
		return nil, err
	}
	h.setState(model.InstanceFinished)
	h.afterExecute()
	log.Info("join complete", keys.FlowNodeID, h.flowNode.Id, "arrived", len(incoming))
	return m.GetNextFlowNodesFor(h.flowNode)
}

// Aggregate returns the token facade holding every merged branch result.
// The executor continues the outgoing branch with it after the join fires.
func (h *parallelJoinGatewayHandler) Aggregate() *ProcessTokenFacade {
	h.aggMx.Lock()
	defer h.aggMx.Unlock()
	return h.agg
}

func (h *parallelJoinGatewayHandler) mergeArrival(t *ProcessTokenFacade) *ProcessTokenFacade {
	h.aggMx.Lock()
	defer h.aggMx.Unlock()
	if h.agg == nil {
		h.agg = t.Fork()
		return h.agg
	}
	h.agg.Merge(t)
	return h.agg
}
