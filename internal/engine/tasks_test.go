package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/expression"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

func userTaskModel() *model.Process {
	return linearProcess("review",
		testNode("begin", model.StartEvent),
		testNode("approve", model.UserTask),
		testNode("finish", model.EndEvent),
	)
}

func TestUserTaskSuspendsAndResumes(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, userTaskModel())
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "review", "", "", map[string]any{"doc": "d-1"}, Identity{Subject: "tester"})
	require.NoError(t, err)

	suspended := e.waitSuspended(t, piid, 1)
	assert.Equal(t, "approve", suspended[0].FlowNodeId)
	assert.NotEmpty(t, suspended[0].TokenOnSuspend)

	require.NoError(t, e.exec.CompleteWaitingTask(context.Background(), suspended[0].Id, map[string]any{"approved": true}, Identity{Subject: "reviewer"}))
	waitSignal(t, done, "process finished")

	h := e.history(t, piid)
	tasks := historyFor(h, "approve")
	require.Len(t, tasks, 1)
	assert.Equal(t, model.InstanceFinished, tasks[0].State)
	assert.NotEmpty(t, tasks[0].TokenOnResume)

	ends := historyFor(h, "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.Equal(t, true, payload["approved"])
	assert.Equal(t, "d-1", payload["doc"])
}

func TestCompleteTaskTwiceReturnsAlreadyCompleted(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, userTaskModel())
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "review", "", "", map[string]any{}, Identity{Subject: "tester"})
	require.NoError(t, err)
	suspended := e.waitSuspended(t, piid, 1)

	require.NoError(t, e.exec.CompleteWaitingTask(context.Background(), suspended[0].Id, nil, Identity{Subject: "reviewer"}))
	waitSignal(t, done, "process finished")

	err = e.exec.CompleteWaitingTask(context.Background(), suspended[0].Id, nil, Identity{Subject: "reviewer"})
	assert.ErrorIs(t, err, errors2.ErrTaskAlreadyCompleted)
}

func TestResumeAfterRestartRebuildsFromStore(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, userTaskModel())

	piid, err := e.exec.StartProcessInstance(context.Background(), "review", "", "", map[string]any{"doc": "d-2"}, Identity{Subject: "tester"})
	require.NoError(t, err)
	suspended := e.waitSuspended(t, piid, 1)

	// a new executor over the same stores stands in for a restarted process:
	// no parked handler, no scope, only the persisted row
	bus2 := eventbus.NewMemoryBus()
	persistence2 := NewFlowNodePersistenceFacade(e.store)
	factory2 := NewHandlerFactory(persistence2, bus2, &expression.ExprEngine{}, e.models)
	exec2 := NewExecuteProcessService(e.store, e.models, persistence2, bus2, factory2, AllowAll{})
	restarted := &testEngine{exec: exec2, store: e.store, models: e.models, bus: bus2, factory: factory2}
	done := restarted.watchFinished(t)

	require.NoError(t, exec2.CompleteWaitingTask(context.Background(), suspended[0].Id, map[string]any{"approved": false}, Identity{Subject: "reviewer"}))
	waitSignal(t, done, "process finished")

	h := e.history(t, piid)
	ends := historyFor(h, "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.Equal(t, false, payload["approved"])
	assert.Equal(t, "d-2", payload["doc"])
}

func TestTerminationBeatsCompletion(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, userTaskModel())

	piid, err := e.exec.StartProcessInstance(context.Background(), "review", "", "", map[string]any{}, Identity{Subject: "tester"})
	require.NoError(t, err)
	suspended := e.waitSuspended(t, piid, 1)

	require.NoError(t, e.exec.TerminateProcessInstance(context.Background(), piid, Identity{Subject: "tester"}))
	require.Eventually(t, func() bool {
		fni, err := e.store.GetByID(context.Background(), suspended[0].Id)
		return err == nil && fni.State == model.InstanceTerminated
	}, 5*time.Second, 5*time.Millisecond)

	err = e.exec.CompleteWaitingTask(context.Background(), suspended[0].Id, nil, Identity{Subject: "reviewer"})
	assert.Error(t, err, "a terminated task must not accept its completion")
}

func TestTerminationStopsRunningBranch(t *testing.T) {
	pr := linearProcess("batch",
		testNode("begin", model.StartEvent),
		testNode("gate", model.ServiceTask),
		testNode("after", model.ServiceTask),
		testNode("finish", model.EndEvent),
	)
	pr.FlowNodes[1].Execute = "gate"
	pr.FlowNodes[2].Execute = "after"

	e := newTestEngine(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	e.exec.RegisterServiceTask("gate", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	var afterRuns atomic.Int64
	e.exec.RegisterServiceTask("after", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		afterRuns.Add(1)
		return nil, nil
	})
	e.deploy(t, pr)
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "batch", "", "", map[string]any{}, Identity{Subject: "tester"})
	require.NoError(t, err)
	waitSignal(t, entered, "gate task entered")

	require.NoError(t, e.exec.TerminateProcessInstance(context.Background(), piid, Identity{Subject: "tester"}))
	require.Eventually(t, func() bool {
		gates := historyFor(e.history(t, piid), "gate")
		return len(gates) == 1 && gates[0].State == model.InstanceTerminated
	}, 5*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case <-done:
		t.Fatal("a terminated instance must not finish")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Zero(t, afterRuns.Load(), "flow nodes past the termination point must not execute")
	assert.Empty(t, historyFor(e.history(t, piid), "after"))
}

func TestInterruptedWaitStateRefusesResume(t *testing.T) {
	e := newTestEngine(t)
	h := &userTaskHandler{waitStateBase: waitStateBase{handlerBase: &handlerBase{
		flowNode:    testNode("approve", model.UserTask),
		instanceID:  "fni-1",
		persistence: NewFlowNodePersistenceFacade(e.store),
		bus:         e.bus,
		state:       model.InstanceSuspended,
	}}}
	h.interrupted.Store(true)

	tf := NewProcessTokenFacade("pi-1", "c-1", "review", nil)
	m := NewProcessModelFacade(userTaskModel())
	_, err := h.Resume(context.Background(), tf, m, map[string]any{"approved": true})
	assert.ErrorIs(t, err, errors2.ErrInterrupted)
}

func TestServiceTaskRunsRegisteredExecutor(t *testing.T) {
	pr := linearProcess("fulfil",
		testNode("begin", model.StartEvent),
		testNode("charge", model.ServiceTask),
		testNode("finish", model.EndEvent),
	)
	pr.FlowNodes[1].Execute = "chargeCard"

	e := newTestEngine(t)
	e.exec.RegisterServiceTask("chargeCard", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		return map[string]any{"charged": vars["amount"]}, nil
	})
	e.deploy(t, pr)
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "fulfil", "", "", map[string]any{"amount": int64(42)}, Identity{Subject: "tester"})
	require.NoError(t, err)
	waitSignal(t, done, "process finished")

	ends := historyFor(e.history(t, piid), "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.EqualValues(t, 42, payload["charged"])
}

func TestUnregisteredServiceTaskBecomesExternal(t *testing.T) {
	pr := linearProcess("fulfil",
		testNode("begin", model.StartEvent),
		testNode("ship", model.ServiceTask),
		testNode("finish", model.EndEvent),
	)
	pr.FlowNodes[1].Execute = "shipOrder"

	e := newTestEngine(t)
	e.deploy(t, pr)
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "fulfil", "", "", map[string]any{}, Identity{Subject: "tester"})
	require.NoError(t, err)
	suspended := e.waitSuspended(t, piid, 1)
	assert.Equal(t, "ship", suspended[0].FlowNodeId)

	// an external worker completes the task over the bus
	tf := NewProcessTokenFacade(piid, suspended[0].CorrelationId, "fulfil", map[string]any{"tracking": "T-9"})
	token, err := tf.CreateProcessToken(context.Background())
	require.NoError(t, err)
	topic := messages.TaskCompleteTopic(suspended[0].CorrelationId, piid, suspended[0].Id)
	require.NoError(t, e.bus.Publish(context.Background(), topic, token.Payload))
	waitSignal(t, done, "process finished")

	ends := historyFor(e.history(t, piid), "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.Equal(t, "T-9", payload["tracking"])
}

func TestScriptTaskStoresResultVariable(t *testing.T) {
	pr := linearProcess("calc",
		testNode("begin", model.StartEvent),
		testNode("total", model.ScriptTask),
		testNode("finish", model.EndEvent),
	)
	pr.FlowNodes[1].Expression = "=net + tax"
	pr.FlowNodes[1].ResultVariable = "gross"

	e := newTestEngine(t)
	e.deploy(t, pr)
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "calc", "", "", map[string]any{"net": int64(100), "tax": int64(19)}, Identity{Subject: "tester"})
	require.NoError(t, err)
	waitSignal(t, done, "process finished")

	ends := historyFor(e.history(t, piid), "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.EqualValues(t, 119, payload["gross"])
}

func TestBusinessErrorRoutesToBoundaryEvent(t *testing.T) {
	boundary := testNode("onDeclined", model.BoundaryEvent)
	boundary.AttachedToId = "charge"
	boundary.ErrorEventDefinition = &model.EventDefinition{Name: "cardDeclined"}
	boundary.Interrupting = true
	pr := &model.Process{
		Id:           "payment",
		IsExecutable: true,
		FlowNodes: []*model.FlowNode{
			testNode("begin", model.StartEvent),
			testNode("charge", model.ServiceTask),
			boundary,
			testNode("paid", model.EndEvent),
			testNode("declined", model.EndEvent),
		},
		SequenceFlows: []*model.SequenceFlow{
			testFlow("f1", "begin", "charge", ""),
			testFlow("f2", "charge", "paid", ""),
			testFlow("f3", "onDeclined", "declined", ""),
		},
	}
	pr.FlowNodes[1].Execute = "chargeCard"

	e := newTestEngine(t)
	e.exec.RegisterServiceTask("chargeCard", func(ctx context.Context, vars map[string]any) (map[string]any, error) {
		return nil, &BusinessError{Code: "cardDeclined", Message: "insufficient funds", Payload: map[string]any{"reason": "funds"}}
	})
	e.deploy(t, pr)
	done := e.watchFinished(t)

	piid, err := e.exec.StartProcessInstance(context.Background(), "payment", "", "", map[string]any{}, Identity{Subject: "tester"})
	require.NoError(t, err)
	waitSignal(t, done, "process finished")

	h := e.history(t, piid)
	assert.Empty(t, historyFor(h, "paid"))
	require.Len(t, historyFor(h, "declined"), 1)
	payload, err := decodePayload(context.Background(), historyFor(h, "declined")[0].TokenOnEnter)
	require.NoError(t, err)
	assert.Equal(t, "funds", payload["reason"])
}
