package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

func storedInstance(id, piid string, state model.InstanceState) *model.FlowNodeInstance {
	return &model.FlowNodeInstance{
		Id:                id,
		FlowNodeId:        "task",
		ProcessInstanceId: piid,
		CorrelationId:     "corr-1",
		State:             state,
	}
}

func TestCreateRejectsDuplicateId(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-1", "pi-1", model.InstanceRunning)))
	err := s.Create(context.Background(), storedInstance("fni-1", "pi-1", model.InstanceRunning))
	assert.ErrorContains(t, err, "duplicate id")
}

func TestUpdateIsAtomicUnderConcurrentWriters(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-1", "pi-1", model.InstanceRunning)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.Update(context.Background(), "fni-1", func(fni *model.FlowNodeInstance) error {
				fni.IncomingIds = append(fni.IncomingIds, "branch")
				return nil
			})
		}(i)
	}
	wg.Wait()

	fni, err := s.GetByID(context.Background(), "fni-1")
	require.NoError(t, err)
	assert.Len(t, fni.IncomingIds, 50, "every append lands under the store lock")
}

func TestUpdateClosureErrorLeavesRowUntouched(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-1", "pi-1", model.InstanceRunning)))
	before, err := s.GetByID(context.Background(), "fni-1")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Update(context.Background(), "fni-1", func(fni *model.FlowNodeInstance) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := s.GetByID(context.Background(), "fni-1")
	require.NoError(t, err)
	assert.Equal(t, before.ModifiedAt, after.ModifiedAt)
}

func TestUpdateUnknownInstance(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	err := s.Update(context.Background(), "missing", func(fni *model.FlowNodeInstance) error { return nil })
	assert.ErrorIs(t, err, errors2.ErrFlowNodeInstanceNotFound)

	_, err = s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, errors2.ErrFlowNodeInstanceNotFound)
}

func TestGetByIDReturnsCopy(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	fni := storedInstance("fni-1", "pi-1", model.InstanceRunning)
	fni.IncomingIds = []string{"a"}
	require.NoError(t, s.Create(context.Background(), fni))

	got, err := s.GetByID(context.Background(), "fni-1")
	require.NoError(t, err)
	got.State = model.InstanceError
	got.IncomingIds[0] = "mutated"

	again, err := s.GetByID(context.Background(), "fni-1")
	require.NoError(t, err)
	assert.Equal(t, model.InstanceRunning, again.State)
	assert.Equal(t, []string{"a"}, again.IncomingIds)
}

func TestQueriesFilterAndOrder(t *testing.T) {
	s := NewMemoryFlowNodeInstanceStore()
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-b", "pi-1", model.InstanceSuspended)))
	time.Sleep(time.Millisecond)
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-a", "pi-1", model.InstanceFinished)))
	require.NoError(t, s.Create(context.Background(), storedInstance("fni-c", "pi-2", model.InstanceSuspended)))

	suspended, err := s.GetSuspended(context.Background(), "pi-1")
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, "fni-b", suspended[0].Id)

	history, err := s.GetByProcessInstance(context.Background(), "pi-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "fni-b", history[0].Id, "history orders by creation time")
	assert.Equal(t, "fni-a", history[1].Id)

	byCorr, err := s.GetByCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Len(t, byCorr, 3)
}

func TestModelStorePutGetList(t *testing.T) {
	s, err := NewMemoryProcessModelStore()
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "order")
	assert.ErrorIs(t, err, errors2.ErrProcessModelNotFound)

	require.NoError(t, s.Put(context.Background(), &model.Process{Id: "order", Name: "v1"}))
	pr, err := s.Get(context.Background(), "order")
	require.NoError(t, err)
	assert.Equal(t, "v1", pr.Name)

	// replacement invalidates the read-through cache
	require.NoError(t, s.Put(context.Background(), &model.Process{Id: "order", Name: "v2"}))
	pr, err = s.Get(context.Background(), "order")
	require.NoError(t, err)
	assert.Equal(t, "v2", pr.Name)

	require.NoError(t, s.Put(context.Background(), &model.Process{Id: "refund"}))
	prs, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, prs, 2)
}
