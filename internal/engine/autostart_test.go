package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/meridian-workflow/meridian/model"
	"gitlab.com/meridian-workflow/meridian/server/messages"
)

func triggeredProcess(id, message, signal string) *model.Process {
	begin := testNode("begin", model.StartEvent)
	if message != "" {
		begin.MessageEventDefinition = &model.EventDefinition{Name: message}
	}
	if signal != "" {
		begin.SignalEventDefinition = &model.EventDefinition{Name: signal}
	}
	return linearProcess(id, begin, testNode("finish", model.EndEvent))
}

func encodedVars(t *testing.T, vals map[string]any) []byte {
	t.Helper()
	v := model.NewVars()
	v.Vals = vals
	b, err := v.Encode(context.Background())
	require.NoError(t, err)
	return b
}

func startAutoStart(t *testing.T, e *testEngine) *AutoStartService {
	t.Helper()
	auto := NewAutoStartService(e.bus, e.models, e.exec)
	require.NoError(t, auto.Listen(context.Background()))
	t.Cleanup(auto.Close)
	return auto
}

func TestMessageTriggerStartsMatchingProcess(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, triggeredProcess("onboarding", "customer.created", ""))
	startAutoStart(t, e)
	done := e.watchFinished(t)

	payload := encodedVars(t, map[string]any{"customer": "c-77"})
	require.NoError(t, e.bus.Publish(context.Background(), messages.MessageTriggeredTopic("customer.created"), payload))
	waitSignal(t, done, "auto-started process to finish")
}

func TestSignalTriggerStartsEveryMatchingModel(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, triggeredProcess("audit", "", "day.closed"))
	e.deploy(t, triggeredProcess("report", "", "day.closed"))
	startAutoStart(t, e)
	done := e.watchFinished(t)

	require.NoError(t, e.bus.Publish(context.Background(), messages.SignalTriggeredTopic("day.closed"), encodedVars(t, map[string]any{})))
	first := waitSignal(t, done, "first triggered process")
	second := waitSignal(t, done, "second triggered process")
	assert.NotEqual(t, first, second, "each model starts its own instance")
}

func TestTriggerIgnoresNonMatchingName(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, triggeredProcess("onboarding", "customer.created", ""))
	startAutoStart(t, e)
	done := e.watchFinished(t)

	require.NoError(t, e.bus.Publish(context.Background(), messages.MessageTriggeredTopic("customer.deleted"), encodedVars(t, map[string]any{})))
	select {
	case topic := <-done:
		t.Fatalf("unexpected process start: %s", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTriggerSkipsNonExecutableModel(t *testing.T) {
	pr := triggeredProcess("draft", "customer.created", "")
	pr.IsExecutable = false

	e := newTestEngine(t)
	e.deploy(t, pr)
	startAutoStart(t, e)
	done := e.watchFinished(t)

	require.NoError(t, e.bus.Publish(context.Background(), messages.MessageTriggeredTopic("customer.created"), encodedVars(t, map[string]any{})))
	select {
	case topic := <-done:
		t.Fatalf("unexpected process start: %s", topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTriggerPayloadReachesProcessVariables(t *testing.T) {
	e := newTestEngine(t)
	e.deploy(t, triggeredProcess("onboarding", "customer.created", ""))
	startAutoStart(t, e)
	done := e.watchFinished(t)

	require.NoError(t, e.bus.Publish(context.Background(), messages.MessageTriggeredTopic("customer.created"),
		encodedVars(t, map[string]any{"customer": "c-77"})))
	topic := waitSignal(t, done, "auto-started process to finish")

	// the completion topic names the instance the trigger started
	piid := strings.TrimPrefix(topic, fmt.Sprintf(messages.ProcessFinished, ""))
	ends := historyFor(e.history(t, piid), "finish")
	require.Len(t, ends, 1)
	payload, err := decodePayload(context.Background(), ends[0].TokenOnEnter)
	require.NoError(t, err)
	assert.Equal(t, "c-77", payload["customer"])
}
