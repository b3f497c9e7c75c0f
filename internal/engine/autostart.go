package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"gitlab.com/meridian-workflow/meridian/common/eventbus"
	"gitlab.com/meridian-workflow/meridian/common/logx"
	"gitlab.com/meridian-workflow/meridian/internal/storage"
	"gitlab.com/meridian-workflow/meridian/server/errors/keys"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

// ProcessStarter launches process instances.  The executor satisfies it.
type ProcessStarter interface {
	StartProcessInstance(ctx context.Context, processModelID, startEventID, correlationID string, vars map[string]any, identity Identity) (string, error)
}

// AutoStartService watches the message and signal wildcard topics and
// starts every executable process model whose start event names the
// triggering message or signal.  Starts are fire-and-forget: a failing
// start is logged and never blocks delivery to other models.
type AutoStartService struct {
	bus      eventbus.Bus
	models   storage.ProcessModelStore
	starter  ProcessStarter
	identity Identity

	mx   sync.Mutex
	subs []eventbus.Subscription
}

// NewAutoStartService returns a stopped auto-start watcher.
func NewAutoStartService(bus eventbus.Bus, models storage.ProcessModelStore, starter ProcessStarter) *AutoStartService {
	return &AutoStartService{
		bus:      bus,
		models:   models,
		starter:  starter,
		identity: Identity{Subject: "autostart"},
	}
}

// Listen subscribes to the wildcard trigger topics.
func (a *AutoStartService) Listen(ctx context.Context) error {
	ms, err := a.bus.Subscribe(messages.MessageTriggerAll, func(cctx context.Context, msg *eventbus.Message) {
		a.onTrigger(cctx, msg, false)
	})
	if err != nil {
		return fmt.Errorf("subscribe message triggers: %w", err)
	}
	ss, err := a.bus.Subscribe(messages.SignalTriggerAll, func(cctx context.Context, msg *eventbus.Message) {
		a.onTrigger(cctx, msg, true)
	})
	if err != nil {
		_ = ms.Unsubscribe()
		return fmt.Errorf("subscribe signal triggers: %w", err)
	}
	a.mx.Lock()
	a.subs = append(a.subs, ms, ss)
	a.mx.Unlock()
	logx.FromContext(ctx).Info("auto-start listening for message and signal triggers")
	return nil
}

// Close drops the wildcard subscriptions.
func (a *AutoStartService) Close() {
	a.mx.Lock()
	subs := a.subs
	a.subs = nil
	a.mx.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

func (a *AutoStartService) onTrigger(ctx context.Context, msg *eventbus.Message, signal bool) {
	ctx, log := logx.ContextWith(ctx, "engine.autostart")
	name := triggerName(msg.Topic, signal)
	if name == "" || name == "*" || name == ">" {
		log.Warn("dropping trigger with no usable name", keys.Topic, msg.Topic)
		return
	}
	payload, err := decodePayload(ctx, msg.Data)
	if err != nil {
		log.Warn("dropping trigger with undecodable payload", keys.Topic, msg.Topic, "error", err)
		return
	}
	prs, err := a.models.List(ctx)
	if err != nil {
		log.Error("list process models", "error", err)
		return
	}
	for _, pr := range prs {
		if !pr.IsExecutable {
			continue
		}
		m := NewProcessModelFacade(pr)
		for _, se := range m.GetStartEvents() {
			def := se.MessageEventDefinition
			if signal {
				def = se.SignalEventDefinition
			}
			if def == nil {
				continue
			}
			if def.Name == "" {
				log.Warn("dropping unnamed event reference on start event",
					keys.ProcessModelID, pr.Id, keys.StartEventID, se.Id)
				continue
			}
			if def.Name != name {
				continue
			}
			piid, err := a.starter.StartProcessInstance(ctx, pr.Id, se.Id, "", payload, a.identity)
			if err != nil {
				log.Error("auto-start failed",
					keys.ProcessModelID, pr.Id, keys.StartEventID, se.Id, "error", err)
				continue
			}
			log.Info("auto-started process instance",
				keys.ProcessModelID, pr.Id,
				keys.ProcessInstanceID, piid,
				keys.StartEventID, se.Id)
		}
	}
}

func triggerName(topic string, signal bool) string {
	prefix := fmt.Sprintf(messages.MessageTriggered, "")
	if signal {
		prefix = fmt.Sprintf(messages.SignalTriggered, "")
	}
	return strings.TrimPrefix(topic, prefix)
}

var _ ProcessStarter = (*ExecuteProcessService)(nil)
