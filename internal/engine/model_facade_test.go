package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

func TestModelFacadeNavigation(t *testing.T) {
	pr := linearProcess("nav",
		testNode("begin", model.StartEvent),
		testNode("work", model.ServiceTask),
		testNode("finish", model.EndEvent),
	)
	m := NewProcessModelFacade(pr)

	start, err := m.GetSingleStartEvent()
	require.NoError(t, err)
	assert.Equal(t, "begin", start.Id)

	next, err := m.GetNextFlowNodesFor(start)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "work", next[0].Id)

	prev, err := m.GetPreviousFlowNodesFor(next[0])
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Equal(t, "begin", prev[0].Id)
}

func TestModelFacadeSingleStartEventIgnoresTriggeredStarts(t *testing.T) {
	msgStart := testNode("onOrder", model.StartEvent)
	msgStart.MessageEventDefinition = &model.EventDefinition{Name: "orderReceived"}
	pr := &model.Process{
		Id:           "mixed",
		IsExecutable: true,
		FlowNodes: []*model.FlowNode{
			testNode("begin", model.StartEvent),
			msgStart,
			testNode("finish", model.EndEvent),
		},
		SequenceFlows: []*model.SequenceFlow{
			testFlow("f1", "begin", "finish", ""),
			testFlow("f2", "onOrder", "finish", ""),
		},
	}
	m := NewProcessModelFacade(pr)
	start, err := m.GetSingleStartEvent()
	require.NoError(t, err)
	assert.Equal(t, "begin", start.Id)
}

func TestModelFacadeNoPlainStartEvent(t *testing.T) {
	msgStart := testNode("onOrder", model.StartEvent)
	msgStart.MessageEventDefinition = &model.EventDefinition{Name: "orderReceived"}
	pr := &model.Process{Id: "msgonly", IsExecutable: true, FlowNodes: []*model.FlowNode{msgStart}}
	_, err := NewProcessModelFacade(pr).GetSingleStartEvent()
	assert.ErrorIs(t, err, errors2.ErrStartEventNotFound)
}

func TestModelFacadeUnknownFlowTargetIsFatal(t *testing.T) {
	pr := &model.Process{
		Id:           "broken",
		IsExecutable: true,
		FlowNodes:    []*model.FlowNode{testNode("begin", model.StartEvent)},
		SequenceFlows: []*model.SequenceFlow{
			testFlow("f1", "begin", "nowhere", ""),
		},
	}
	m := NewProcessModelFacade(pr)
	start, err := m.GetSingleStartEvent()
	require.NoError(t, err)
	_, err = m.GetNextFlowNodesFor(start)
	assert.True(t, errors2.IsWorkflowFatal(err), "a dangling sequence flow is a modeling error")
}

func TestModelFacadeBoundaryEventsLookup(t *testing.T) {
	boundary := testNode("onFail", model.BoundaryEvent)
	boundary.AttachedToId = "work"
	boundary.ErrorEventDefinition = &model.EventDefinition{Name: "oops"}
	pr := &model.Process{
		Id:           "guarded",
		IsExecutable: true,
		FlowNodes: []*model.FlowNode{
			testNode("begin", model.StartEvent),
			testNode("work", model.ServiceTask),
			boundary,
			testNode("finish", model.EndEvent),
		},
	}
	m := NewProcessModelFacade(pr)
	bs := m.GetBoundaryEventsFor("work")
	require.Len(t, bs, 1)
	assert.Equal(t, "onFail", bs[0].Id)
	assert.Empty(t, m.GetBoundaryEventsFor("begin"))
}
