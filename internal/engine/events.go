package engine

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/model"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

// startEventHandler passes the inbound token through unchanged.  Any payload
// carried by a triggering message or timer has already been merged into the
// token facade by the caller.
type startEventHandler struct {
	*handlerBase
}

func (h *startEventHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// endEventHandler ends one branch.  A plain end event simply returns no next
// nodes.  A terminate end event broadcasts process termination, an error end
// event broadcasts a process error, and a message end event publishes its
// message with the final token payload.
type endEventHandler struct {
	*handlerBase
}

func (h *endEventHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, _ *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		log := logx.FromContext(ctx)
		switch {
		case h.flowNode.TerminateEndEvent:
			log.Info("terminate end event reached", keys.ProcessInstanceID, t.ProcessInstanceId())
			if err := h.bus.Publish(ctx, messages.ProcessTerminatedTopic(t.ProcessInstanceId()), nil); err != nil {
				return nil, fmt.Errorf("publish process terminated: %w", err)
			}
		case h.flowNode.ErrorEventDefinition != nil:
			env := &processErrorEnvelope{Message: h.flowNode.ErrorEventDefinition.Name, Payload: t.CurrentPayload()}
			b, err := msgpack.Marshal(env)
			if err != nil {
				return nil, fmt.Errorf("encode process error: %w", err)
			}
			log.Info("error end event reached", keys.ProcessInstanceID, t.ProcessInstanceId())
			if err := h.bus.Publish(ctx, messages.ProcessErroredTopic(t.ProcessInstanceId()), b); err != nil {
				return nil, fmt.Errorf("publish process errored: %w", err)
			}
		case h.flowNode.MessageEventDefinition != nil:
			b, err := encodeTokenPayload(ctx, t)
			if err != nil {
				return nil, err
			}
			if err := h.bus.Publish(ctx, messages.MessageTriggeredTopic(h.flowNode.MessageEventDefinition.Name), b); err != nil {
				return nil, fmt.Errorf("publish end event message: %w", err)
			}
		}
		return nil, nil
	})
}

// intermediateThrowEventHandler publishes its message or signal with the
// current token payload and continues immediately.
type intermediateThrowEventHandler struct {
	*handlerBase
}

func (h *intermediateThrowEventHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		b, err := encodeTokenPayload(ctx, t)
		if err != nil {
			return nil, err
		}
		switch {
		case h.flowNode.MessageEventDefinition != nil:
			if err := h.bus.Publish(ctx, messages.MessageTriggeredTopic(h.flowNode.MessageEventDefinition.Name), b); err != nil {
				return nil, fmt.Errorf("publish throw message: %w", err)
			}
		case h.flowNode.SignalEventDefinition != nil:
			if err := h.bus.Publish(ctx, messages.SignalTriggeredTopic(h.flowNode.SignalEventDefinition.Name), b); err != nil {
				return nil, fmt.Errorf("publish throw signal: %w", err)
			}
		}
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}

// intermediateCatchEventHandler suspends until its message or signal is
// published, then resumes with the event payload merged into the token.
type intermediateCatchEventHandler struct {
	*handlerBase
}

func (h *intermediateCatchEventHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		topic, err := h.catchTopic()
		if err != nil {
			return nil, err
		}
		logx.FromContext(ctx).Info("catch event waiting",
			keys.FlowNodeID, h.flowNode.Id, keys.Topic, topic)
		return nil, h.suspend(ctx, t, topic, func(cctx context.Context, msg *eventbus.Message) {
			payload, derr := decodePayload(cctx, msg.Data)
			if derr != nil {
				logx.FromContext(cctx).Error("decode catch event payload", "error", derr)
				payload = map[string]any{}
			}
			if h.resume != nil {
				h.resume(cctx, h.instanceID, payload)
			}
		})
	})
}

func (h *intermediateCatchEventHandler) Resume(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, result map[string]any) ([]*model.FlowNode, error) {
	return h.resumeWith(ctx, t, m, result)
}

func (h *intermediateCatchEventHandler) catchTopic() (string, error) {
	switch {
	case h.flowNode.MessageEventDefinition != nil:
		return messages.MessageTriggeredTopic(h.flowNode.MessageEventDefinition.Name), nil
	case h.flowNode.SignalEventDefinition != nil:
		return messages.SignalTriggeredTopic(h.flowNode.SignalEventDefinition.Name), nil
	default:
		return "", fmt.Errorf("catch event %s has no message or signal definition", h.flowNode.Id)
	}
}

// boundaryEventHandler carries the token out of a failed or signalled
// activity onto the boundary flow.  The triggering payload, for error
// boundaries the business error detail, is merged by the executor before
// this handler runs.
type boundaryEventHandler struct {
	*handlerBase
}

func (h *boundaryEventHandler) Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error) {
	return h.execute(ctx, t, m, identity, func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, _ Identity) ([]*model.FlowNode, error) {
		logx.FromContext(ctx).Info("boundary event fired",
			keys.FlowNodeID, h.flowNode.Id, keys.FlowNodeName, h.flowNode.Name)
		return m.GetNextFlowNodesFor(h.flowNode)
	})
}
