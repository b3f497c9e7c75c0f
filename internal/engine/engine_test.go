package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/model"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

type testEngine struct {
	exec    *ExecuteProcessService
	store   *storage.MemoryFlowNodeInstanceStore
	models  *storage.MemoryProcessModelStore
	bus     *eventbus.MemoryBus
	factory *HandlerFactory
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	store := storage.NewMemoryFlowNodeInstanceStore()
	models, err := storage.NewMemoryProcessModelStore()
	require.NoError(t, err)
	bus := eventbus.NewMemoryBus()
	persistence := NewFlowNodePersistenceFacade(store)
	factory := NewHandlerFactory(persistence, bus, &expression.ExprEngine{}, models)
	exec := NewExecuteProcessService(store, models, persistence, bus, factory, AllowAll{})
	return &testEngine{exec: exec, store: store, models: models, bus: bus, factory: factory}
}

func (e *testEngine) deploy(t *testing.T, pr *model.Process) {
	t.Helper()
	require.NoError(t, e.models.Put(context.Background(), pr))
}

// watchFinished must be called before starting the process so the
// asynchronous completion cannot slip past the subscription.
func (e *testEngine) watchFinished(t *testing.T) chan string {
	t.Helper()
	ch := make(chan string, 8)
	_, err := e.bus.Subscribe(fmt.Sprintf(messages.ProcessFinished, "*"), func(_ context.Context, msg *eventbus.Message) {
		ch <- msg.Topic
	})
	require.NoError(t, err)
	return ch
}

func (e *testEngine) watchErrored(t *testing.T) chan *eventbus.Message {
	t.Helper()
	ch := make(chan *eventbus.Message, 8)
	_, err := e.bus.Subscribe(fmt.Sprintf(messages.ProcessErrored, "*"), func(_ context.Context, msg *eventbus.Message) {
		ch <- msg
	})
	require.NoError(t, err)
	return ch
}

func waitSignal[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// waitSuspended polls until the process instance has exactly n suspended
// flow node instances and returns them.
func (e *testEngine) waitSuspended(t *testing.T, piid string, n int) []*model.FlowNodeInstance {
	t.Helper()
	var out []*model.FlowNodeInstance
	require.Eventually(t, func() bool {
		fnis, err := e.store.GetSuspended(context.Background(), piid)
		if err != nil || len(fnis) != n {
			return false
		}
		out = fnis
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return out
}

func (e *testEngine) history(t *testing.T, piid string) []*model.FlowNodeInstance {
	t.Helper()
	fnis, err := e.store.GetByProcessInstance(context.Background(), piid)
	require.NoError(t, err)
	return fnis
}

func historyFor(fnis []*model.FlowNodeInstance, flowNodeID string) []*model.FlowNodeInstance {
	out := make([]*model.FlowNodeInstance, 0)
	for _, fni := range fnis {
		if fni.FlowNodeId == flowNodeID {
			out = append(out, fni)
		}
	}
	return out
}

func testNode(id, bpmnType string) *model.FlowNode {
	return &model.FlowNode{Id: id, Name: id, BpmnType: bpmnType}
}

func testFlow(id, from, to, condition string) *model.SequenceFlow {
	return &model.SequenceFlow{Id: id, SourceId: from, TargetId: to, Condition: condition}
}

// linearProcess wires the given nodes into a straight line.
func linearProcess(id string, nodes ...*model.FlowNode) *model.Process {
	flows := make([]*model.SequenceFlow, 0, len(nodes)-1)
	for i := 0; i < len(nodes)-1; i++ {
		flows = append(flows, testFlow(fmt.Sprintf("%s-f%d", id, i), nodes[i].Id, nodes[i+1].Id, ""))
	}
	return &model.Process{Id: id, Name: id, IsExecutable: true, FlowNodes: nodes, SequenceFlows: flows}
}
