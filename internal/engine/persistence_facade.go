package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/model"
	errors2 "gitlab.com/meridian-workflow/meridian/server/errors"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
)

// FlowNodePersistenceFacade is the durable write path for flow node
// lifecycle transitions.  Every call performs two side effects: the
// authoritative FlowNodeInstance write and a structured audit log entry.
// The log entry is best-effort and never rolls back the durable write.
type FlowNodePersistenceFacade struct {
	store storage.FlowNodeInstanceStore
}

// NewFlowNodePersistenceFacade wraps a flow node instance store.
func NewFlowNodePersistenceFacade(store storage.FlowNodeInstanceStore) *FlowNodePersistenceFacade {
	return &FlowNodePersistenceFacade{store: store}
}

// Store exposes the underlying instance store for resume queries.
func (p *FlowNodePersistenceFacade) Store() storage.FlowNodeInstanceStore {
	return p.store
}

// PersistOnEnter records that a flow node instance began executing.  For
// join gateways this is called once per arriving branch; re-entry appends
// the arrival to the already-persisted row instead of creating a new one.
func (p *FlowNodePersistenceFacade) PersistOnEnter(ctx context.Context, fni *model.FlowNodeInstance) error {
	err := p.store.Update(ctx, fni.Id, func(row *model.FlowNodeInstance) error {
		if fni.PreviousFlowNodeInstanceId != "" && !slices.Contains(row.IncomingIds, fni.PreviousFlowNodeInstanceId) {
			row.IncomingIds = append(row.IncomingIds, fni.PreviousFlowNodeInstanceId)
		}
		row.TokenOnEnter = fni.TokenOnEnter
		return nil
	})
	if errors.Is(err, errors2.ErrFlowNodeInstanceNotFound) {
		fni.State = model.InstanceRunning
		if fni.PreviousFlowNodeInstanceId != "" {
			fni.IncomingIds = []string{fni.PreviousFlowNodeInstanceId}
		}
		err = p.store.Create(ctx, fni)
	}
	if err != nil {
		return fmt.Errorf("%s failed to persist onEnter: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelInfo, "onEnter", fni, fni.TokenOnEnter, nil)
	return nil
}

// RecordJoinArrival atomically records a branch arrival at a join gateway
// and reports whether this arrival completed the join.  The persisted
// accumulated list is the source of truth; the read-append-check sequence
// runs under the store's lock so racing arrivals serialize, and a row
// already driven to terminated or error refuses the arrival.
func (p *FlowNodePersistenceFacade) RecordJoinArrival(ctx context.Context, fni *model.FlowNodeInstance, expected int) (bool, []string, error) {
	if err := p.PersistOnEnter(ctx, fni); err != nil {
		return false, nil, err
	}
	advanced := false
	var incoming []string
	err := p.store.Update(ctx, fni.Id, func(row *model.FlowNodeInstance) error {
		if row.State == model.InstanceTerminated || row.State == model.InstanceError {
			return errors2.ErrInterrupted
		}
		incoming = append([]string(nil), row.IncomingIds...)
		if len(row.IncomingIds) >= expected && row.State != model.InstanceFinished {
			row.State = model.InstanceFinished
			advanced = true
		}
		return nil
	})
	if err != nil {
		return false, nil, fmt.Errorf("%s failed to record join arrival: %w", errors2.Fn(), err)
	}
	return advanced, incoming, nil
}

// PersistOnExit records successful completion with the outgoing payload.
func (p *FlowNodePersistenceFacade) PersistOnExit(ctx context.Context, fniID string, token []byte) error {
	fni, err := p.transition(ctx, fniID, func(row *model.FlowNodeInstance) {
		row.State = model.InstanceFinished
		row.TokenOnExit = token
	})
	if err != nil {
		return fmt.Errorf("%s failed to persist onExit: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelInfo, "onExit", fni, token, nil)
	return nil
}

// PersistOnSuspend records that a wait-state yielded pending an external
// signal.
func (p *FlowNodePersistenceFacade) PersistOnSuspend(ctx context.Context, fniID string, token []byte) error {
	fni, err := p.transition(ctx, fniID, func(row *model.FlowNodeInstance) {
		row.State = model.InstanceSuspended
		row.TokenOnSuspend = token
	})
	if err != nil {
		return fmt.Errorf("%s failed to persist onSuspend: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelInfo, "onSuspend", fni, token, nil)
	return nil
}

// PersistOnResume records that a suspended wait-state received its external
// signal and is running again.
func (p *FlowNodePersistenceFacade) PersistOnResume(ctx context.Context, fniID string, token []byte) error {
	fni, err := p.transition(ctx, fniID, func(row *model.FlowNodeInstance) {
		row.State = model.InstanceRunning
		row.TokenOnResume = token
	})
	if err != nil {
		return fmt.Errorf("%s failed to persist onResume: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelInfo, "onResume", fni, token, nil)
	return nil
}

// PersistOnError records a handler failure before it is re-raised, so the
// audit trail survives regardless of what the caller does next.
func (p *FlowNodePersistenceFacade) PersistOnError(ctx context.Context, fniID string, token []byte, cause error) error {
	fni, err := p.transition(ctx, fniID, func(row *model.FlowNodeInstance) {
		row.State = model.InstanceError
		row.Error = cause.Error()
	})
	if err != nil {
		return fmt.Errorf("%s failed to persist onError: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelError, "onError", fni, token, cause)
	return nil
}

// PersistOnTerminate records a process-wide termination overriding whatever
// state the instance was in, including finished: termination wins races with
// in-flight completions.
func (p *FlowNodePersistenceFacade) PersistOnTerminate(ctx context.Context, fniID string, token []byte) error {
	fni, err := p.transition(ctx, fniID, func(row *model.FlowNodeInstance) {
		row.State = model.InstanceTerminated
	})
	if err != nil {
		return fmt.Errorf("%s failed to persist onTerminate: %w", errors2.Fn(), err)
	}
	p.audit(ctx, slog.LevelWarn, "onTerminate", fni, token, nil)
	return nil
}

func (p *FlowNodePersistenceFacade) transition(ctx context.Context, fniID string, apply func(*model.FlowNodeInstance)) (*model.FlowNodeInstance, error) {
	var snapshot model.FlowNodeInstance
	err := p.store.Update(ctx, fniID, func(row *model.FlowNodeInstance) error {
		apply(row)
		snapshot = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (p *FlowNodePersistenceFacade) audit(ctx context.Context, level slog.Level, point string, fni *model.FlowNodeInstance, token []byte, cause error) {
	log := logx.FromContext(ctx)
	atts := []any{
		slog.String(keys.LifecyclePoint, point),
		slog.String(keys.CorrelationID, fni.CorrelationId),
		slog.String(keys.ProcessModelID, fni.ProcessModelId),
		slog.String(keys.ProcessInstanceID, fni.ProcessInstanceId),
		slog.String(keys.FlowNodeInstanceID, fni.Id),
		slog.String(keys.PreviousFlowNodeInstanceID, fni.PreviousFlowNodeInstanceId),
		slog.String(keys.FlowNodeID, fni.FlowNodeId),
		slog.String(keys.FlowNodeType, fni.FlowNodeType),
		slog.String(keys.State, string(fni.State)),
		slog.Int("token_bytes", len(token)),
	}
	if cause != nil {
		atts = append(atts, slog.String("error", cause.Error()))
	}
	log.Log(ctx, level, "flow node "+point, atts...)
}
