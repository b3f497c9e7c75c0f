package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
)

type denyAll struct{}

func (denyAll) Allowed(ctx context.Context, identity Identity, claim string) (bool, error) {
	return false, nil
}

func TestClaimDeniedRejectsOperations(t *testing.T) {
	e := newTestEngine(t)
	exec := NewExecuteProcessService(e.store, e.models, NewFlowNodePersistenceFacade(e.store), e.bus, e.factory, denyAll{})

	err := exec.DeployProcessModel(context.Background(), userTaskModel(), Identity{Subject: "nobody"})
	assert.ErrorIs(t, err, errors2.ErrClaimDenied)

	_, err = exec.StartProcessInstance(context.Background(), "review", "", "", nil, Identity{Subject: "nobody"})
	assert.ErrorIs(t, err, errors2.ErrClaimDenied)
}
