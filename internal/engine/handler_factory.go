package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/ksuid"
	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

// ServiceTaskExecutor is application code bound to a service task name.  It
// receives the current token payload and returns the task result to merge.
type ServiceTaskExecutor func(ctx context.Context, vars map[string]any) (map[string]any, error)

// HandlerFactory builds the correct FlowNodeHandler for a flow node.  It is
// also the owner of the parallel join registry: converging parallel gateways
// must hand every arriving branch to the same handler instance, so joins are
// cached under a deterministic key until the process instance ends.
type HandlerFactory struct {
	persistence *FlowNodePersistenceFacade
	bus         eventbus.Bus
	exprEngine  expression.Engine
	models      storage.ProcessModelStore
	runner      GraphRunner

	mx        sync.Mutex
	joins     map[string]*parallelJoinGatewayHandler
	executors map[string]ServiceTaskExecutor
	resumeFn  ResumeFunc
}

// SetResumeFunc installs the executor callback suspended handlers use to
// continue their branch when a completion signal arrives on the bus.  Set
// once during service construction, before any handler is created.
func (f *HandlerFactory) SetResumeFunc(fn ResumeFunc) { f.resumeFn = fn }

// NewHandlerFactory returns a factory wired to the given persistence facade,
// event bus, expression engine and process model store.
func NewHandlerFactory(persistence *FlowNodePersistenceFacade, bus eventbus.Bus, exprEngine expression.Engine, models storage.ProcessModelStore) *HandlerFactory {
	return &HandlerFactory{
		persistence: persistence,
		bus:         bus,
		exprEngine:  exprEngine,
		models:      models,
		joins:       make(map[string]*parallelJoinGatewayHandler),
		executors:   make(map[string]ServiceTaskExecutor),
	}
}

// SetRunner installs the graph runner used by subprocess and call activity
// handlers.  Set once during service construction.
func (f *HandlerFactory) SetRunner(r GraphRunner) { f.runner = r }

// RegisterServiceTask binds an executor to a service task name.  Service
// tasks without a registered executor suspend as external tasks instead.
func (f *HandlerFactory) RegisterServiceTask(name string, ex ServiceTaskExecutor) {
	f.mx.Lock()
	f.executors[name] = ex
	f.mx.Unlock()
}

func (f *HandlerFactory) executorFor(name string) (ServiceTaskExecutor, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	ex, ok := f.executors[name]
	return ex, ok
}

// Create returns a handler for flowNode executing under the given process
// instance.  Boundary events are rejected here: they never sit on the normal
// token path and must be created through CreateForBoundaryEvent.
func (f *HandlerFactory) Create(processInstanceID string, flowNode *model.FlowNode, previousInstanceID string) (FlowNodeHandler, error) {
	if flowNode == nil {
		return nil, fmt.Errorf("create handler: %w", &errors2.ErrWorkflowFatal{Err: fmt.Errorf("nil flow node")})
	}
	base := &handlerBase{
		flowNode:    flowNode,
		instanceID:  ksuid.New().String(),
		previousID:  previousInstanceID,
		persistence: f.persistence,
		bus:         f.bus,
		resume:      f.resumeFn,
	}
	switch flowNode.BpmnType {
	case model.StartEvent:
		return &startEventHandler{handlerBase: base}, nil
	case model.EndEvent:
		base.detached = true
		return &endEventHandler{handlerBase: base}, nil
	case model.IntermediateCatchEvent:
		return &intermediateCatchEventHandler{handlerBase: base}, nil
	case model.IntermediateThrowEvent:
		return &intermediateThrowEventHandler{handlerBase: base}, nil
	case model.ExclusiveGateway:
		return &exclusiveGatewayHandler{handlerBase: base, exprEngine: f.exprEngine}, nil
	case model.ParallelGateway:
		if flowNode.GatewayDirection == model.GatewayDirectionConverging {
			return f.joinFor(processInstanceID, flowNode, previousInstanceID), nil
		}
		return &parallelSplitGatewayHandler{handlerBase: base}, nil
	case model.UserTask:
		return &userTaskHandler{waitStateBase: waitStateBase{handlerBase: base}}, nil
	case model.ManualTask:
		return &manualTaskHandler{waitStateBase: waitStateBase{handlerBase: base}}, nil
	case model.ServiceTask:
		ex, registered := f.executorFor(flowNode.Execute)
		return &serviceTaskHandler{waitStateBase: waitStateBase{handlerBase: base}, executor: ex, registered: registered}, nil
	case model.ScriptTask:
		return &scriptTaskHandler{handlerBase: base, exprEngine: f.exprEngine}, nil
	case model.SendTask:
		return &sendTaskHandler{handlerBase: base}, nil
	case model.ReceiveTask:
		return &receiveTaskHandler{handlerBase: base}, nil
	case model.SubProcess:
		return &subProcessHandler{handlerBase: base, factory: f}, nil
	case model.CallActivity:
		return &callActivityHandler{handlerBase: base, factory: f}, nil
	case model.BoundaryEvent:
		return nil, fmt.Errorf("create handler for %s: %w", flowNode.Id, errors2.ErrNotBoundaryEvent)
	default:
		return nil, fmt.Errorf("create handler for %s: %w", flowNode.Id,
			&errors2.ErrWorkflowFatal{Err: fmt.Errorf("type %q: %w", flowNode.BpmnType, errors2.ErrUnsupportedFlowNodeType)})
	}
}

// CreateForBoundaryEvent builds a handler for a boundary event attached to a
// failed or signalled activity.
func (f *HandlerFactory) CreateForBoundaryEvent(flowNode *model.FlowNode, previousInstanceID string) (FlowNodeHandler, error) {
	if flowNode == nil || flowNode.BpmnType != model.BoundaryEvent {
		return nil, errors2.ErrNotBoundaryEvent
	}
	return &boundaryEventHandler{handlerBase: &handlerBase{
		flowNode:    flowNode,
		instanceID:  ksuid.New().String(),
		previousID:  previousInstanceID,
		persistence: f.persistence,
		bus:         f.bus,
	}}, nil
}

// CreateForResume rebuilds a wait-state handler around an already-persisted
// suspended flow node instance, the crash recovery path.  Only the
// wait-state family can be resumed.
func (f *HandlerFactory) CreateForResume(flowNode *model.FlowNode, instanceID, previousInstanceID string) (Resumable, error) {
	base := &handlerBase{
		flowNode:    flowNode,
		instanceID:  instanceID,
		previousID:  previousInstanceID,
		persistence: f.persistence,
		bus:         f.bus,
		resume:      f.resumeFn,
		state:       model.InstanceSuspended,
	}
	switch flowNode.BpmnType {
	case model.UserTask:
		return &userTaskHandler{waitStateBase: waitStateBase{handlerBase: base}}, nil
	case model.ManualTask:
		return &manualTaskHandler{waitStateBase: waitStateBase{handlerBase: base}}, nil
	case model.ServiceTask:
		return &serviceTaskHandler{waitStateBase: waitStateBase{handlerBase: base}}, nil
	case model.ReceiveTask:
		return &receiveTaskHandler{handlerBase: base}, nil
	case model.IntermediateCatchEvent:
		return &intermediateCatchEventHandler{handlerBase: base}, nil
	default:
		return nil, fmt.Errorf("resume %s of type %s: %w", instanceID, flowNode.BpmnType, errors2.ErrTaskNotSuspended)
	}
}

// joinFor returns the single join handler for a converging parallel gateway
// within one process instance.  The flow node instance id is derived from
// the process instance and gateway ids so that every branch, including one
// arriving after a restart, lands on the same persisted accumulator row.
func (f *HandlerFactory) joinFor(processInstanceID string, flowNode *model.FlowNode, previousInstanceID string) *parallelJoinGatewayHandler {
	key := processInstanceID + "-" + flowNode.Id
	f.mx.Lock()
	defer f.mx.Unlock()
	if h, ok := f.joins[key]; ok {
		return h
	}
	h := &parallelJoinGatewayHandler{handlerBase: &handlerBase{
		flowNode:    flowNode,
		instanceID:  key,
		previousID:  previousInstanceID,
		persistence: f.persistence,
		bus:         f.bus,
	}}
	f.joins[key] = h
	return h
}

// DiscardJoins drops cached join handlers once a process instance reaches a
// terminal state.
func (f *HandlerFactory) DiscardJoins(processInstanceID string) {
	prefix := processInstanceID + "-"
	f.mx.Lock()
	defer f.mx.Unlock()
	for k := range f.joins {
		if strings.HasPrefix(k, prefix) {
			delete(f.joins, k)
		}
	}
}
