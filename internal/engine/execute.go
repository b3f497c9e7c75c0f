package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/ksuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

// ExecuteProcessService drives tokens through process models.  Starting a
// process spawns one goroutine per concurrent branch; branches synchronise
// at parallel joins, park on wait-states, and report process completion on
// the event bus when the last one ends.
type ExecuteProcessService struct {
	store       storage.FlowNodeInstanceStore
	models      storage.ProcessModelStore
	persistence *FlowNodePersistenceFacade
	bus         eventbus.Bus
	factory     *HandlerFactory
	claims      ClaimCheck
	tracer      trace.Tracer

	mx      sync.Mutex
	waiting map[string]*parkedWait
}

// parkedWait is a suspended handler kept in memory so an in-process
// completion can continue its branch without a store round trip.  After a
// restart the persisted flow node instance is the only source of truth and
// resumption reconstructs everything from it instead.
type parkedWait struct {
	handler  Resumable
	t        *ProcessTokenFacade
	m        *ProcessModelFacade
	identity Identity
	scope    *runScope
	node     *model.FlowNode
}

// runScope tracks the live branches of one graph execution.  A parked
// wait-state keeps its branch's count until resumed or released, so Wait
// returns only when the graph has truly drained.
type runScope struct {
	piid string
	wg   sync.WaitGroup

	mx   sync.Mutex
	err  error
	subs []eventbus.Subscription
}

func (s *runScope) fail(err error) {
	s.mx.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mx.Unlock()
}

func (s *runScope) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// NewExecuteProcessService wires the executor and installs itself as the
// factory's resume sink.
func NewExecuteProcessService(store storage.FlowNodeInstanceStore, models storage.ProcessModelStore, persistence *FlowNodePersistenceFacade, bus eventbus.Bus, factory *HandlerFactory, claims ClaimCheck) *ExecuteProcessService {
	s := &ExecuteProcessService{
		store:       store,
		models:      models,
		persistence: persistence,
		bus:         bus,
		factory:     factory,
		claims:      claims,
		tracer:      otel.Tracer("meridian/engine"),
		waiting:     make(map[string]*parkedWait),
	}
	factory.SetResumeFunc(s.resumeFromSignal)
	factory.SetRunner(s)
	return s
}

// RunGraph drives a token through a graph synchronously, returning once
// every branch has drained.  Subprocess and call activity handlers run
// their inner graphs through this on the executor's machinery.
func (s *ExecuteProcessService) RunGraph(ctx context.Context, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, first *model.FlowNode, previousInstanceID string) error {
	scope := s.newScope(t.ProcessInstanceId())
	scope.wg.Add(1)
	s.runBranch(ctx, scope, t, m, identity, first, previousInstanceID)
	scope.wg.Wait()
	for _, sub := range scope.subs {
		_ = sub.Unsubscribe()
	}
	return scope.Err()
}

// RegisterServiceTask binds application code to a service task name.
func (s *ExecuteProcessService) RegisterServiceTask(name string, ex ServiceTaskExecutor) {
	s.factory.RegisterServiceTask(name, ex)
}

// DeployProcessModel validates and stores a process model ready for
// execution.
func (s *ExecuteProcessService) DeployProcessModel(ctx context.Context, pr *model.Process, identity Identity) error {
	if err := s.check(ctx, identity, ClaimStartProcess); err != nil {
		return err
	}
	if err := s.validateExpressions(ctx, pr); err != nil {
		return fmt.Errorf("deploy process model %s: %w", pr.Id, err)
	}
	if err := s.models.Put(ctx, pr); err != nil {
		return fmt.Errorf("deploy process model %s: %w", pr.Id, err)
	}
	return nil
}

// validateExpressions compiles every condition and script expression the
// model carries and records the variables each one mentions.  A condition
// that does not compile can never route a token, so it is rejected at
// deploy time rather than mid-instance.
func (s *ExecuteProcessService) validateExpressions(ctx context.Context, pr *model.Process) error {
	log := logx.FromContext(ctx)
	for _, flow := range pr.SequenceFlows {
		if flow.Condition == "" {
			continue
		}
		vars, err := expression.GetVariables(ctx, s.factory.exprEngine, flow.Condition)
		if err != nil {
			return fmt.Errorf("condition on sequence flow %s: %w", flow.Id, err)
		}
		log.Debug("condition variables", keys.SequenceFlowID, flow.Id,
			keys.Condition, flow.Condition, "variables", variableNames(vars))
	}
	for _, node := range pr.FlowNodes {
		if node.Expression == "" {
			continue
		}
		vars, err := expression.GetVariables(ctx, s.factory.exprEngine, node.Expression)
		if err != nil {
			return fmt.Errorf("expression on flow node %s: %w", node.Id, err)
		}
		log.Debug("expression variables", keys.FlowNodeID, node.Id, "variables", variableNames(vars))
	}
	return nil
}

func variableNames(vars []expression.Variable) []string {
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	return names
}

// StartProcessInstance launches a process model asynchronously and returns
// the new process instance id.  An empty startEventID selects the model's
// single plain start event; an empty correlationID gets a generated one.
func (s *ExecuteProcessService) StartProcessInstance(ctx context.Context, processModelID, startEventID, correlationID string, vars map[string]any, identity Identity) (string, error) {
	ctx, span := s.tracer.Start(ctx, "StartProcessInstance")
	defer span.End()
	ctx, log := logx.ContextWith(ctx, "engine.execute")
	if err := s.check(ctx, identity, ClaimStartProcess); err != nil {
		return "", err
	}
	pr, err := s.models.Get(ctx, processModelID)
	if err != nil {
		return "", fmt.Errorf("start process %s: %w", processModelID, err)
	}
	if !pr.IsExecutable {
		return "", fmt.Errorf("start process %s: %w", processModelID, errors2.ErrProcessNotExecutable)
	}
	m := NewProcessModelFacade(pr)
	var start *model.FlowNode
	if startEventID == "" {
		start, err = m.GetSingleStartEvent()
	} else {
		start, err = m.GetStartEventById(startEventID)
	}
	if err != nil {
		return "", err
	}
	piid := ksuid.New().String()
	if correlationID == "" {
		correlationID = ksuid.New().String()
	}
	t := NewProcessTokenFacade(piid, correlationID, processModelID, vars)
	log.Info("starting process instance",
		keys.ProcessModelID, processModelID,
		keys.ProcessInstanceID, piid,
		keys.CorrelationID, correlationID,
		keys.StartEventID, start.Id)
	scope := s.newScope(piid)
	scope.wg.Add(1)
	bctx := context.WithoutCancel(ctx)
	go func() {
		s.runBranch(bctx, scope, t, m, identity, start, "")
		s.finishScope(bctx, scope)
	}()
	return piid, nil
}

// TerminateProcessInstance broadcasts termination.  The broadcast wins any
// race with in-flight completions; suspended instances with no live handler
// are marked terminated directly from the store.
func (s *ExecuteProcessService) TerminateProcessInstance(ctx context.Context, processInstanceID string, identity Identity) error {
	if err := s.check(ctx, identity, ClaimStartProcess); err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, messages.ProcessTerminatedTopic(processInstanceID), nil); err != nil {
		return fmt.Errorf("terminate %s: %w", processInstanceID, err)
	}
	suspended, err := s.store.GetSuspended(ctx, processInstanceID)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", processInstanceID, err)
	}
	for _, fni := range suspended {
		if s.hasParked(fni.Id) {
			continue // its live handler hears the broadcast
		}
		if err := s.persistence.PersistOnTerminate(ctx, fni.Id, fni.TokenOnSuspend); err != nil {
			logx.FromContext(ctx).Error("terminate suspended instance",
				keys.FlowNodeInstanceID, fni.Id, "error", err)
		}
	}
	return nil
}

// CompleteWaitingTask completes a suspended wait-state with a result and
// continues its branch.  It favours the live parked handler; after a crash
// it rebuilds the execution context from the persisted instance alone.
func (s *ExecuteProcessService) CompleteWaitingTask(ctx context.Context, flowNodeInstanceID string, result map[string]any, identity Identity) error {
	ctx, span := s.tracer.Start(ctx, "CompleteWaitingTask")
	defer span.End()
	if err := s.check(ctx, identity, ClaimCompleteTask); err != nil {
		return err
	}
	return s.resumeInstance(ctx, flowNodeInstanceID, result, identity)
}

// GetWaitingTasks lists the suspended flow node instances of a process
// instance.
func (s *ExecuteProcessService) GetWaitingTasks(ctx context.Context, processInstanceID string, identity Identity) ([]*model.FlowNodeInstance, error) {
	if err := s.check(ctx, identity, ClaimReadModels); err != nil {
		return nil, err
	}
	fnis, err := s.store.GetSuspended(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("get waiting tasks for %s: %w", processInstanceID, err)
	}
	return fnis, nil
}

// GetProcessHistory returns the recorded flow node instances of a process
// instance in creation order.
func (s *ExecuteProcessService) GetProcessHistory(ctx context.Context, processInstanceID string, identity Identity) ([]*model.FlowNodeInstance, error) {
	if err := s.check(ctx, identity, ClaimReadModels); err != nil {
		return nil, err
	}
	fnis, err := s.store.GetByProcessInstance(ctx, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("get history for %s: %w", processInstanceID, err)
	}
	return fnis, nil
}

func (s *ExecuteProcessService) check(ctx context.Context, identity Identity, claim string) error {
	ok, err := s.claims.Allowed(ctx, identity, claim)
	if err != nil {
		return fmt.Errorf("claim check %s: %w", claim, err)
	}
	if !ok {
		logx.FromContext(ctx).Warn("claim denied", keys.Identity, identity.Subject, "claim", claim)
		return fmt.Errorf("claim %s for %s: %w", claim, identity.Subject, errors2.ErrClaimDenied)
	}
	return nil
}

// runBranch walks one token through the graph until the branch ends,
// suspends, or fails.  It owns one count on the scope and hands it off to a
// parked wait on suspension.
func (s *ExecuteProcessService) runBranch(ctx context.Context, scope *runScope, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, node *model.FlowNode, previousInstanceID string) {
	for {
		if scope.Err() != nil {
			// termination or a process error landed while the previous node
			// ran; the broadcast already recorded the outcome, so the walk
			// stops here instead of entering the next flow node
			scope.wg.Done()
			return
		}
		handler, err := s.factory.Create(t.ProcessInstanceId(), node, previousInstanceID)
		if err != nil {
			s.failBranch(ctx, scope, t, err)
			return
		}
		var next []*model.FlowNode
		if join, ok := handler.(*parallelJoinGatewayHandler); ok {
			next, err = join.Arrive(ctx, t, m, identity, previousInstanceID)
			if err == nil && next != nil {
				t = join.Aggregate()
			}
		} else {
			next, err = handler.Execute(ctx, t, m, identity)
		}
		if err != nil {
			next, previousInstanceID, err = s.routeError(ctx, scope, t, m, identity, handler, node, err)
			if err != nil {
				s.failBranch(ctx, scope, t, err)
				return
			}
		} else {
			previousInstanceID = handler.FlowNodeInstanceId()
		}
		if handler.State() == model.InstanceSuspended {
			s.park(handler, t, m, identity, scope, node)
			return // the parked wait now owns the scope count
		}
		if len(next) == 1 {
			node = next[0]
			continue
		}
		s.dispatchNext(ctx, scope, t, m, identity, previousInstanceID, next)
		return
	}
}

// dispatchNext consumes the caller's scope count: zero next ends the
// branch, more than one fans out onto forked token facades.
func (s *ExecuteProcessService) dispatchNext(ctx context.Context, scope *runScope, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, previousInstanceID string, next []*model.FlowNode) {
	switch len(next) {
	case 0:
		scope.wg.Done()
	case 1:
		s.runBranch(ctx, scope, t, m, identity, next[0], previousInstanceID)
	default:
		for _, n := range next {
			scope.wg.Add(1)
			go s.runBranch(ctx, scope, t.Fork(), m, identity, n, previousInstanceID)
		}
		scope.wg.Done()
	}
}

// routeError converts a business error into boundary event flow when the
// failed activity carries a matching error boundary.  Everything else,
// including workflow-fatal modeling errors, is returned for the branch to
// fail with.
func (s *ExecuteProcessService) routeError(ctx context.Context, scope *runScope, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, handler FlowNodeHandler, node *model.FlowNode, cause error) ([]*model.FlowNode, string, error) {
	if errors.Is(cause, errors2.ErrInterrupted) {
		return nil, "", cause
	}
	var be *BusinessError
	if !errors.As(cause, &be) {
		return nil, "", cause
	}
	boundary := s.matchBoundary(m, node, be.Code)
	if boundary == nil {
		return nil, "", cause
	}
	logx.FromContext(ctx).Info("routing business error to boundary event",
		keys.FlowNodeID, node.Id, "code", be.Code, "boundary", boundary.Id)
	t.AddResultForFlowNode(node.Id, be.Payload)
	bh, err := s.factory.CreateForBoundaryEvent(boundary, handler.FlowNodeInstanceId())
	if err != nil {
		return nil, "", err
	}
	next, err := bh.Execute(ctx, t, m, identity)
	if err != nil {
		return nil, "", err
	}
	return next, bh.FlowNodeInstanceId(), nil
}

func (s *ExecuteProcessService) matchBoundary(m *ProcessModelFacade, node *model.FlowNode, code string) *model.FlowNode {
	var catchAll *model.FlowNode
	for _, b := range m.GetBoundaryEventsFor(node.Id) {
		if b.ErrorEventDefinition == nil {
			continue
		}
		if b.ErrorEventDefinition.Name == code {
			return b
		}
		if b.ErrorEventDefinition.Name == "" && catchAll == nil {
			catchAll = b
		}
	}
	return catchAll
}

// failBranch ends a branch on an unroutable error.  Interruptions were
// already broadcast by whoever caused them; anything else becomes a process
// error broadcast so sibling branches stop too.
func (s *ExecuteProcessService) failBranch(ctx context.Context, scope *runScope, t *ProcessTokenFacade, err error) {
	scope.fail(err)
	if !errors.Is(err, errors2.ErrInterrupted) {
		logx.Err(ctx, "branch failed", err, keys.ProcessInstanceID, scope.piid)
		s.broadcastProcessError(ctx, t, err)
	}
	scope.wg.Done()
}

func (s *ExecuteProcessService) broadcastProcessError(ctx context.Context, t *ProcessTokenFacade, cause error) {
	env := &processErrorEnvelope{Message: cause.Error(), Payload: t.CurrentPayload()}
	b, err := msgpack.Marshal(env)
	if err != nil {
		logx.FromContext(ctx).Error("encode process error broadcast", "error", err)
		b = nil
	}
	if err := s.bus.Publish(ctx, messages.ProcessErroredTopic(t.ProcessInstanceId()), b); err != nil {
		logx.FromContext(ctx).Error("publish process error", "error", err)
	}
}

// newScope creates the branch accounting for one graph run and arranges for
// process-wide termination or error to release any parked waits, so Wait
// cannot hang on a process that will never resume.
func (s *ExecuteProcessService) newScope(processInstanceID string) *runScope {
	scope := &runScope{piid: processInstanceID}
	ts, err := s.bus.SubscribeOnce(messages.ProcessTerminatedTopic(processInstanceID), func(cctx context.Context, _ *eventbus.Message) {
		scope.fail(errors2.ErrInterrupted)
		s.releaseWaits(scope)
	})
	if err == nil {
		scope.subs = append(scope.subs, ts)
	}
	es, err := s.bus.SubscribeOnce(messages.ProcessErroredTopic(processInstanceID), func(cctx context.Context, _ *eventbus.Message) {
		scope.fail(fmt.Errorf("process %s errored", processInstanceID))
		s.releaseWaits(scope)
	})
	if err == nil {
		scope.subs = append(scope.subs, es)
	}
	return scope
}

// finishScope waits for the graph to drain, then reports the outcome.  The
// suspended check covers resumed-after-restart scopes, which only see the
// tail of the graph and must not declare a still-waiting process finished.
func (s *ExecuteProcessService) finishScope(ctx context.Context, scope *runScope) {
	scope.wg.Wait()
	s.factory.DiscardJoins(scope.piid)
	for _, sub := range scope.subs {
		_ = sub.Unsubscribe()
	}
	log := logx.FromContext(ctx)
	if err := scope.Err(); err != nil {
		log.Info("process instance ended abnormally",
			keys.ProcessInstanceID, scope.piid, "error", err)
		return
	}
	suspended, err := s.store.GetSuspended(ctx, scope.piid)
	if err != nil {
		log.Error("check suspended instances", keys.ProcessInstanceID, scope.piid, "error", err)
		return
	}
	if len(suspended) > 0 {
		log.Info("process instance waiting on suspended tasks",
			keys.ProcessInstanceID, scope.piid, "suspended", len(suspended))
		return
	}
	if err := s.bus.Publish(ctx, messages.ProcessFinishedTopic(scope.piid), nil); err != nil {
		log.Error("publish process finished", keys.ProcessInstanceID, scope.piid, "error", err)
	}
	log.Info("process instance finished", keys.ProcessInstanceID, scope.piid)
}

func (s *ExecuteProcessService) park(handler FlowNodeHandler, t *ProcessTokenFacade, m *ProcessModelFacade, identity Identity, scope *runScope, node *model.FlowNode) {
	r, ok := handler.(Resumable)
	if !ok {
		scope.wg.Done()
		return
	}
	s.mx.Lock()
	s.waiting[handler.FlowNodeInstanceId()] = &parkedWait{
		handler: r, t: t, m: m, identity: identity, scope: scope, node: node,
	}
	s.mx.Unlock()
}

func (s *ExecuteProcessService) hasParked(flowNodeInstanceID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.waiting[flowNodeInstanceID]
	return ok
}

func (s *ExecuteProcessService) takeParked(flowNodeInstanceID string) (*parkedWait, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	pw, ok := s.waiting[flowNodeInstanceID]
	if ok {
		delete(s.waiting, flowNodeInstanceID)
	}
	return pw, ok
}

func (s *ExecuteProcessService) releaseWaits(scope *runScope) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for id, pw := range s.waiting {
		if pw.scope == scope {
			delete(s.waiting, id)
			scope.wg.Done()
		}
	}
}

// resumeFromSignal is the factory-installed sink for bus-delivered
// completions of catch events, receive tasks and externally completed
// service tasks.
func (s *ExecuteProcessService) resumeFromSignal(ctx context.Context, flowNodeInstanceID string, result map[string]any) {
	if err := s.resumeInstance(ctx, flowNodeInstanceID, result, Identity{Subject: "system"}); err != nil {
		logx.Err(ctx, "resume from signal", err, keys.FlowNodeInstanceID, flowNodeInstanceID)
	}
}

func (s *ExecuteProcessService) resumeInstance(ctx context.Context, flowNodeInstanceID string, result map[string]any, identity Identity) error {
	ctx, log := logx.ContextWith(ctx, "engine.execute")
	if pw, ok := s.takeParked(flowNodeInstanceID); ok {
		next, err := pw.handler.Resume(ctx, pw.t, pw.m, result)
		if err != nil {
			s.failBranch(ctx, pw.scope, pw.t, err)
			return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
		}
		log.Info("task completed", keys.FlowNodeInstanceID, flowNodeInstanceID)
		bctx := context.WithoutCancel(ctx)
		go s.dispatchNext(bctx, pw.scope, pw.t, pw.m, pw.identity, pw.handler.FlowNodeInstanceId(), next)
		return nil
	}
	return s.resumeFromStore(ctx, flowNodeInstanceID, result, identity)
}

// resumeFromStore rebuilds a suspended wait-state purely from its persisted
// row, the crash recovery path.
func (s *ExecuteProcessService) resumeFromStore(ctx context.Context, flowNodeInstanceID string, result map[string]any, identity Identity) error {
	log := logx.FromContext(ctx)
	fni, err := s.store.GetByID(ctx, flowNodeInstanceID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	switch fni.State {
	case model.InstanceSuspended:
	case model.InstanceFinished:
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, errors2.ErrTaskAlreadyCompleted)
	default:
		return fmt.Errorf("resume %s in state %s: %w", flowNodeInstanceID, fni.State, errors2.ErrTaskNotSuspended)
	}
	pr, err := s.models.Get(ctx, fni.ProcessModelId)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	m := NewProcessModelFacade(pr)
	node, err := m.GetFlowNodeById(fni.FlowNodeId)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	payload, err := decodePayload(ctx, fni.TokenOnSuspend)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	t := NewProcessTokenFacade(fni.ProcessInstanceId, fni.CorrelationId, fni.ProcessModelId, payload)
	handler, err := s.factory.CreateForResume(node, fni.Id, fni.PreviousFlowNodeInstanceId)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	next, err := handler.Resume(ctx, t, m, result)
	if err != nil {
		return fmt.Errorf("resume %s: %w", flowNodeInstanceID, err)
	}
	log.Info("task completed after recovery", keys.FlowNodeInstanceID, flowNodeInstanceID)
	scope := s.newScope(fni.ProcessInstanceId)
	scope.wg.Add(1)
	bctx := context.WithoutCancel(ctx)
	go func() {
		s.dispatchNext(bctx, scope, t, m, identity, handler.FlowNodeInstanceId(), next)
		s.finishScope(bctx, scope)
	}()
	return nil
}
