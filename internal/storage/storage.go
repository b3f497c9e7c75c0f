package storage

import (
	"context"

	"gitlab.com/meridian-workflow/meridian/model"
)

// FlowNodeInstanceStore is the logical persistence contract for flow node
// lifecycle state.  Writes are append-style snapshots; Update serializes
// read-modify-write sequences under the store's lock, which is what protects
// a join gateway's accumulated branch list from racing arrivals.
type FlowNodeInstanceStore interface {
	// Create persists a new flow node instance in the running state.
	Create(ctx context.Context, fni *model.FlowNodeInstance) error
	// Update applies fn to the stored instance atomically with respect to
	// other Update and Create calls for the same id.
	Update(ctx context.Context, id string, fn func(fni *model.FlowNodeInstance) error) error
	// GetByID returns a copy of the stored instance.
	GetByID(ctx context.Context, id string) (*model.FlowNodeInstance, error)
	// GetSuspended returns all suspended instances for a process instance.
	GetSuspended(ctx context.Context, processInstanceID string) ([]*model.FlowNodeInstance, error)
	// GetByProcessInstance returns the full execution history of a process instance.
	GetByProcessInstance(ctx context.Context, processInstanceID string) ([]*model.FlowNodeInstance, error)
	// GetByCorrelation returns all instances grouped under a correlation id.
	GetByCorrelation(ctx context.Context, correlationID string) ([]*model.FlowNodeInstance, error)
}

// ProcessModelStore holds parsed process models ready for execution.
type ProcessModelStore interface {
	Put(ctx context.Context, pr *model.Process) error
	Get(ctx context.Context, processModelID string) (*model.Process, error)
	List(ctx context.Context) ([]*model.Process, error)
}
