package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relvacode/iso8601"
	"github.com/robfig/cron/v3"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/model"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
)

// TimerStartService schedules timer start events: cron expressions fire
// repeatedly, fixed dates and relative durations fire once.  Models are
// scanned when the service starts; redeploying requires a rescan.
type TimerStartService struct {
	models   storage.ProcessModelStore
	starter  ProcessStarter
	identity Identity
	cron     *cron.Cron

	mx     sync.Mutex
	timers []*time.Timer
}

// NewTimerStartService returns a stopped timer scheduler.
func NewTimerStartService(models storage.ProcessModelStore, starter ProcessStarter) *TimerStartService {
	return &TimerStartService{
		models:   models,
		starter:  starter,
		identity: Identity{Subject: "timer"},
		cron:     cron.New(),
	}
}

// Listen scans the deployed models and schedules every timer start event.
func (t *TimerStartService) Listen(ctx context.Context) error {
	ctx, log := logx.ContextWith(ctx, "engine.timer")
	prs, err := t.models.List(ctx)
	if err != nil {
		return fmt.Errorf("list process models for timers: %w", err)
	}
	for _, pr := range prs {
		if !pr.IsExecutable {
			continue
		}
		m := NewProcessModelFacade(pr)
		for _, se := range m.GetStartEvents() {
			if se.TimerEventDefinition == nil {
				continue
			}
			if err := t.schedule(ctx, pr, se); err != nil {
				log.Error("schedule timer start event",
					keys.ProcessModelID, pr.Id, keys.StartEventID, se.Id, "error", err)
			}
		}
	}
	t.cron.Start()
	return nil
}

// Close stops the cron scheduler and pending one-shot timers.
func (t *TimerStartService) Close() {
	t.cron.Stop()
	t.mx.Lock()
	timers := t.timers
	t.timers = nil
	t.mx.Unlock()
	for _, tm := range timers {
		tm.Stop()
	}
}

func (t *TimerStartService) schedule(ctx context.Context, pr *model.Process, se *model.FlowNode) error {
	td := se.TimerEventDefinition
	fire := t.firer(ctx, pr.Id, se.Id)
	switch {
	case td.Cron != "":
		if _, err := t.cron.AddFunc(td.Cron, fire); err != nil {
			return fmt.Errorf("cron %q: %w", td.Cron, err)
		}
	case td.Date != "":
		at, err := iso8601.ParseString(td.Date)
		if err != nil {
			return fmt.Errorf("date %q: %w", td.Date, err)
		}
		until := time.Until(at)
		if until <= 0 {
			return fmt.Errorf("date %q is in the past", td.Date)
		}
		t.addTimer(time.AfterFunc(until, fire))
	case td.Duration != "":
		d, err := time.ParseDuration(td.Duration)
		if err != nil {
			return fmt.Errorf("duration %q: %w", td.Duration, err)
		}
		t.addTimer(time.AfterFunc(d, fire))
	default:
		return fmt.Errorf("timer definition on %s is empty", se.Id)
	}
	return nil
}

func (t *TimerStartService) addTimer(tm *time.Timer) {
	t.mx.Lock()
	t.timers = append(t.timers, tm)
	t.mx.Unlock()
}

func (t *TimerStartService) firer(ctx context.Context, processModelID, startEventID string) func() {
	bctx := context.WithoutCancel(ctx)
	return func() {
		log := logx.FromContext(bctx)
		piid, err := t.starter.StartProcessInstance(bctx, processModelID, startEventID, "", map[string]any{}, t.identity)
		if err != nil {
			log.Error("timer start failed",
				keys.ProcessModelID, processModelID, keys.StartEventID, startEventID, "error", err)
			return
		}
		log.Info("timer started process instance",
			keys.ProcessModelID, processModelID,
			keys.ProcessInstanceID, piid,
			keys.StartEventID, startEventID)
	}
}
