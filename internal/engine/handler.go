package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

// FlowNodeHandler executes one flow node for one incoming token.  Execute
// returns the next flow nodes to visit: zero for end events and suspended
// wait-states, one for normal flow, N for gateway splits.
type FlowNodeHandler interface {
	FlowNode() *model.FlowNode
	FlowNodeInstanceId() string
	State() model.InstanceState
	Execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error)
}

// Resumable is implemented by wait-state handlers which suspend pending an
// external signal and later continue with its result.
type Resumable interface {
	FlowNodeHandler
	Resume(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, result map[string]any) ([]*model.FlowNode, error)
}

// startFunc is the type-specific part of a handler's lifecycle.
type startFunc func(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity) ([]*model.FlowNode, error)

// processErrorEnvelope is the payload carried on the process errored topic.
type processErrorEnvelope struct {
	Message string
	Payload map[string]any
}

// handlerBase carries the lifecycle state machine shared by every handler:
// NotStarted → Running → {Suspended ⇄ Running} → {Finished | Errored |
// Terminated}.  The interrupted flag is the safety mechanism against races
// between completion and a process-wide termination or error broadcast: it
// is checked at the top of every (re-)entrant call, and once set no result
// is ever emitted.
// ResumeFunc hands a completion result for a suspended flow node instance
// back to the executor so the branch can continue.
type ResumeFunc func(ctx context.Context, flowNodeInstanceID string, result map[string]any)

type handlerBase struct {
	flowNode    *model.FlowNode
	instanceID  string
	previousID  string
	persistence *FlowNodePersistenceFacade
	bus         eventbus.Bus
	resume      ResumeFunc
	// detached handlers skip the process-wide broadcast subscriptions.
	// End events are detached: a terminate end event publishes the very
	// broadcast the subscription listens on and must not interrupt itself.
	detached bool

	mx           sync.Mutex
	state        model.InstanceState
	interruptErr error
	subs         []eventbus.Subscription

	interrupted atomic.Bool
	subscribed  atomic.Bool
}

// FlowNode returns the graph element this handler is bound to.
func (h *handlerBase) FlowNode() *model.FlowNode { return h.flowNode }

// FlowNodeInstanceId returns the persisted execution id.
func (h *handlerBase) FlowNodeInstanceId() string { return h.instanceID }

// State returns the current lifecycle state.
func (h *handlerBase) State() model.InstanceState {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.state
}

func (h *handlerBase) setState(s model.InstanceState) {
	h.mx.Lock()
	h.state = s
	h.mx.Unlock()
}

func (h *handlerBase) interruptError() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.interruptErr == nil {
		return errors2.ErrInterrupted
	}
	return h.interruptErr
}

// execute runs the uniform lifecycle around a type-specific startExecution.
func (h *handlerBase) execute(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, start startFunc) ([]*model.FlowNode, error) {
	ctx, log := logx.ContextWith(ctx, "engine."+h.flowNode.BpmnType)
	if h.interrupted.Load() {
		return nil, h.interruptError()
	}
	h.beforeExecute(ctx, t)

	token, err := encodeTokenPayload(ctx, t)
	if err != nil {
		h.afterExecute()
		return nil, err
	}
	fni := h.newInstance(t, token)
	if err := h.persistence.PersistOnEnter(ctx, fni); err != nil {
		h.afterExecute()
		return nil, err
	}
	h.setState(model.InstanceRunning)

	next, err := start(ctx, t, m, identity)

	if h.interrupted.Load() {
		// termination or process error arrived mid-flight and has already
		// been persisted by the broadcast callback; discard the result.
		return nil, h.interruptError()
	}
	if err != nil {
		errToken, encErr := encodeTokenPayload(ctx, t)
		if encErr != nil {
			log.Error("encode token for onError", "error", encErr)
		}
		if perr := h.persistence.PersistOnError(ctx, h.instanceID, errToken, err); perr != nil {
			log.Error("persist onError", "error", perr)
		}
		h.setState(model.InstanceError)
		h.afterExecute()
		return nil, fmt.Errorf("execute %s %s: %w", h.flowNode.BpmnType, h.flowNode.Id, err)
	}
	if h.State() == model.InstanceSuspended {
		// the suspension point: control yields to the caller with no next
		// node; subscriptions stay live so cancellation still reaches us.
		return nil, nil
	}

	exitToken, err := encodeTokenPayload(ctx, t)
	if err != nil {
		h.afterExecute()
		return nil, err
	}
	if err := h.persistence.PersistOnExit(ctx, h.instanceID, exitToken); err != nil {
		h.afterExecute()
		return nil, err
	}
	h.setState(model.InstanceFinished)
	h.afterExecute()
	return next, nil
}

// beforeExecute installs the process-wide termination and error listeners.
// The subscription guard keeps this idempotent for handlers that are
// re-entered once per branch arrival.
func (h *handlerBase) beforeExecute(ctx context.Context, t *ProcessTokenFacade) {
	if h.detached || !h.subscribed.CompareAndSwap(false, true) {
		return
	}
	piid := t.ProcessInstanceId()
	ts, err := h.bus.SubscribeOnce(messages.ProcessTerminatedTopic(piid), func(cctx context.Context, _ *eventbus.Message) {
		h.onTerminated(cctx, t)
	})
	if err != nil {
		logx.FromContext(ctx).Error("subscribe to termination", "error", err)
	}
	es, err := h.bus.SubscribeOnce(messages.ProcessErroredTopic(piid), func(cctx context.Context, msg *eventbus.Message) {
		h.onProcessErrored(cctx, t, msg)
	})
	if err != nil {
		logx.FromContext(ctx).Error("subscribe to process error", "error", err)
	}
	h.mx.Lock()
	h.subs = append(h.subs, ts, es)
	h.mx.Unlock()
}

// afterExecute removes the cross-cutting listeners.  Unsubscribe is
// idempotent, so calling this from several exit paths is safe.
func (h *handlerBase) afterExecute() {
	h.mx.Lock()
	subs := h.subs
	h.mx.Unlock()
	for _, s := range subs {
		if s == nil {
			continue
		}
		_ = s.Unsubscribe()
	}
}

func (h *handlerBase) onTerminated(ctx context.Context, t *ProcessTokenFacade) {
	if !h.interrupted.CompareAndSwap(false, true) {
		return
	}
	h.mx.Lock()
	h.interruptErr = errors2.ErrInterrupted
	h.mx.Unlock()
	token, err := encodeTokenPayload(ctx, t)
	if err != nil {
		logx.FromContext(ctx).Error("encode token for onTerminate", "error", err)
	}
	if err := h.persistence.PersistOnTerminate(ctx, h.instanceID, token); err != nil {
		logx.FromContext(ctx).Error("persist onTerminate", "error", err)
	}
	h.setState(model.InstanceTerminated)
	h.afterExecute()
}

func (h *handlerBase) onProcessErrored(ctx context.Context, t *ProcessTokenFacade, msg *eventbus.Message) {
	if !h.interrupted.CompareAndSwap(false, true) {
		return
	}
	env := &processErrorEnvelope{}
	if err := msgpack.Unmarshal(msg.Data, env); err != nil {
		env.Message = "process errored"
	}
	cause := fmt.Errorf("process error received: %s", env.Message)
	h.mx.Lock()
	h.interruptErr = cause
	h.mx.Unlock()
	// the signal's carried payload becomes the token for the error record
	v := model.NewVars()
	v.Vals = env.Payload
	token, err := v.Encode(ctx)
	if err != nil {
		logx.FromContext(ctx).Error("encode error payload", "error", err)
	}
	if err := h.persistence.PersistOnError(ctx, h.instanceID, token, cause); err != nil {
		logx.FromContext(ctx).Error("persist onError from broadcast", "error", err)
	}
	h.setState(model.InstanceError)
	h.afterExecute()
}

// suspend persists the suspension point and registers the one-shot external
// completion subscription.  onSignal runs when the signal arrives, possibly
// long after this handler object is gone; the persisted row is what resume
// reconstruction relies on.
func (h *handlerBase) suspend(ctx context.Context, t *ProcessTokenFacade, topic string, onSignal eventbus.Handler) error {
	token, err := encodeTokenPayload(ctx, t)
	if err != nil {
		return err
	}
	if err := h.persistence.PersistOnSuspend(ctx, h.instanceID, token); err != nil {
		return err
	}
	h.setState(model.InstanceSuspended)
	sub, err := h.bus.SubscribeOnce(topic, func(cctx context.Context, msg *eventbus.Message) {
		if h.interrupted.Load() {
			return
		}
		onSignal(cctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe for completion on %s: %w", topic, err)
	}
	h.mx.Lock()
	h.subs = append(h.subs, sub)
	h.mx.Unlock()
	return nil
}

// resumeWith is the shared resume path of the wait-state family: persist
// onResume, merge the completion result into the token, persist onExit and
// hand back the next nodes.
func (h *handlerBase) resumeWith(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, result map[string]any) ([]*model.FlowNode, error) {
	if h.interrupted.Load() {
		return nil, h.interruptError()
	}
	token, err := encodeTokenPayload(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := h.persistence.PersistOnResume(ctx, h.instanceID, token); err != nil {
		return nil, err
	}
	h.setState(model.InstanceRunning)
	t.AddResultForFlowNode(h.flowNode.Id, result)
	exitToken, err := encodeTokenPayload(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := h.persistence.PersistOnExit(ctx, h.instanceID, exitToken); err != nil {
		return nil, err
	}
	h.setState(model.InstanceFinished)
	h.afterExecute()
	return m.GetNextFlowNodesFor(h.flowNode)
}

func (h *handlerBase) newInstance(t *ProcessTokenFacade, token []byte) *model.FlowNodeInstance {
	return &model.FlowNodeInstance{
		Id:                         h.instanceID,
		FlowNodeId:                 h.flowNode.Id,
		FlowNodeType:               h.flowNode.BpmnType,
		CorrelationId:              t.CorrelationId(),
		ProcessModelId:             t.ProcessModelId(),
		ProcessInstanceId:          t.ProcessInstanceId(),
		PreviousFlowNodeInstanceId: h.previousID,
		TokenOnEnter:               token,
	}
}

func encodeTokenPayload(ctx context.Context, t *ProcessTokenFacade) ([]byte, error) {
	v := model.NewVars()
	v.Vals = t.CurrentPayload()
	b, err := v.Encode(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode token payload: %w", err)
	}
	return b, nil
}

func decodePayload(ctx context.Context, b []byte) (map[string]any, error) {
	v := model.NewVars()
	if err := v.Decode(ctx, b); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v.Vals, nil
}
