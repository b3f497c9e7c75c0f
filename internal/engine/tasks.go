package engine

import (
	"context"
	"fmt"

	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/model"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

// BusinessError is a deliberate, modelled failure raised by task code.  The
// executor matches its Code against error boundary events; an unmatched
// business error fails the branch like any other error.
type BusinessError struct {
	Code    string
	Message string
	Payload map[string]any
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("business error %s: %s", e.Code, e.Message)
}

// waitStateBase is the shared behaviour of tasks that suspend pending an
// external completion addressed to their own flow node instance.
type waitStateBase struct {
	*handlerBase
}

func (h *waitStateBase) awaitCompletion(ctx context.Context, t *ProcessTokenFacade) ([]*model.FlowNode, error) {
	topic := messages.TaskCompleteTopic(t.CorrelationId(), t.ProcessInstanceId(), h.instanceID)
	logx.FromContext(ctx).Info("task suspended",
		keys.FlowNodeID, h.flowNode.Id,
		keys.FlowNodeInstanceID, h.instanceID,
		keys.Topic, topic)
	return nil, h.suspend(ctx, t, topic, func(cctx context.Context, msg *eventbus.Message) {
		payload, err := decodePayload(cctx, msg.Data)
		if err != nil {
			logx.FromContext(cctx).Error("decode task completion payload", "error", err)
			payload = map[string]any{}
		}
		if h.resume != nil {
			h.resume(cctx, h.instanceID, payload)
		}
	})
}

func (h *waitStateBase) Resume(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, result map[string]any) ([]*model.FlowNode, error) {
	return h.resumeWith(ctx, t, m, result)
}

// userTaskHandler suspends until a person completes the task.
type userTaskHandler struct {
	waitStateBase
}

func (h *userTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, _ *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		return h.awaitCompletion(ctx, t)
	})
}

// manualTaskHandler suspends until the manual step is confirmed done.
type manualTaskHandler struct {
	waitStateBase
}

func (h *manualTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, _ *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		return h.awaitCompletion(ctx, t)
	})
}

// serviceTaskHandler runs registered application code inline.  A service
// task with no registered executor becomes an external task: it suspends
// like a wait-state and an outside worker completes it.
type serviceTaskHandler struct {
	waitStateBase
	executor   ServiceTaskExecutor
	registered bool
}

func (h *serviceTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		if !h.registered {
			logx.FromContext(ctx).Info("service task has no executor, awaiting external completion",
				keys.FlowNodeID, h.flowNode.Id, keys.FlowNodeName, h.flowNode.Execute)
			return h.awaitCompletion(ctx, t)
		}
		result, err := h.executor(ctx, t.CurrentPayload())
		if err != nil {
			return nil, fmt.Errorf("service task %s: %w", h.flowNode.Execute, err)
		}
		t.AddResultForFlowNode(h.flowNode.Id, result)
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// scriptTaskHandler evaluates its expression against the token payload and
// stores the result under the configured variable name.
type scriptTaskHandler struct {
	*handlerBase
	exprEngine expression.Engine
}

func (h *scriptTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		result, err := expression.EvalAny(ctx, h.exprEngine, h.flowNode.Expression, t.CurrentPayload())
		if err != nil {
			return nil, fmt.Errorf("script task %s: %w", h.flowNode.Id, err)
		}
		if h.flowNode.ResultVariable != "" {
			t.AddResultForFlowNode(h.flowNode.Id, map[string]any{h.flowNode.ResultVariable: result})
		}
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// sendTaskHandler publishes its message with the current token payload and
// continues without waiting.
type sendTaskHandler struct {
	*handlerBase
}

func (h *sendTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		if h.flowNode.MessageEventDefinition == nil {
			return nil, fmt.Errorf("send task %s has no message definition", h.flowNode.Id)
		}
		b, err := encodeTokenPayload(ctx, t)
		if err != nil {
			return nil, err
		}
		if err := h.bus.Publish(ctx, messages.MessageTriggeredTopic(h.flowNode.MessageEventDefinition.Name), b); err != nil {
			return nil, fmt.Errorf("send task %s publish: %w", h.flowNode.Id, err)
		}
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// receiveTaskHandler suspends until its message is published, then resumes
// with the message payload merged into the token.
type receiveTaskHandler struct {
	*handlerBase
}

func (h *receiveTaskHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, _ *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		if h.flowNode.MessageEventDefinition == nil {
			return nil, fmt.Errorf("receive task %s has no message definition", h.flowNode.Id)
		}
		topic := messages.MessageTriggeredTopic(h.flowNode.MessageEventDefinition.Name)
		logx.FromContext(ctx).Info("receive task waiting",
			keys.FlowNodeID, h.flowNode.Id, keys.Topic, topic)
		return nil, h.suspend(ctx, t, topic, func(cctx context.Context, msg *eventbus.Message) {
			payload, err := decodePayload(cctx, msg.Data)
			if err != nil {
				logx.FromContext(cctx).Error("decode receive task payload", "error", err)
				payload = map[string]any{}
			}
			if h.resume != nil {
				h.resume(cctx, h.instanceID, payload)
			}
		})
	})
}

func (h *receiveTaskHandler) Resume(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, result map[string]any) ([]*model.FlowNode, error) {
	return h.resumeWith(ctx, t, m, result)
}
