package metrics

import (
	"context"
	"time"

	xerrors "OpenIntent-Chain/internal/errors"
	"OpenIntent-Chain/internal/events"
	"OpenIntent-Chain/internal/router"
	"OpenIntent-Chain/internal/task"
)

var (
	eventsTotal = NewCounter("openintent_events_total",
		"Total number of events observed on the internal event bus, labelled by event type.")
	intentsReceived = NewCounter("openintent_intents_received_total",
		"Total number of intents accepted for processing, labelled by intent type.")
	intentOutcomes = NewCounter("openintent_intents_total",
		"Total number of finished intents, labelled by outcome.")
	errorsTotal = NewCounter("openintent_errors_total",
		"Total number of error events, labelled by source component and error code.")
	agentStatusChanges = NewCounter("openintent_agent_status_changes_total",
		"Total number of agent status transitions, labelled by the new status.")
	adapterCalls = NewCounter("openintent_adapter_calls_total",
		"Total number of adapter invocations, labelled by adapter instance and final status.")
	breakerTransitions = NewCounter("openintent_breaker_transitions_total",
		"Total number of circuit breaker state changes, labelled by adapter and the states involved.")
	probeResults = NewCounter("openintent_probe_results_total",
		"Total number of health probes, labelled by target kind, name and outcome.")
	taskDuration = NewHistogram("openintent_task_duration_seconds",
		"End-to-end duration of completed tasks in seconds.",
		[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60})
)

// Listener consumes event bus traffic and feeds the counter families above.
type Listener struct {
	unsubscribe func()
}

// StartListener subscribes to every event published on the bus. Call Close to
// detach the listener again.
func StartListener(bus *events.Bus) *Listener {
	listener := &Listener{}
	listener.unsubscribe = bus.SubscribeAll(listener.handle)
	return listener
}

// Close detaches the listener from the bus.
func (l *Listener) Close() {
	if l.unsubscribe != nil {
		l.unsubscribe()
	}
}

func (l *Listener) handle(event events.Event) {
	eventsTotal.Inc(Labels{"type": string(event.Type)})

	switch event.Type {
	case events.IntentReceived:
		intentsReceived.Inc(Labels{"type": payloadString(event.Payload, "type")})
	case events.TaskCompleted:
		intentOutcomes.Inc(Labels{"outcome": "completed"})
		if ms, ok := payloadNumber(event.Payload, "duration_ms"); ok {
			taskDuration.Observe(ms / 1000)
		}
	case events.ErrorOccurred:
		source := payloadString(event.Payload, "source")
		code := payloadString(event.Payload, "error_code")
		errorsTotal.Inc(Labels{"source": source, "code": code})
		// Only orchestrator errors terminate an intent; breaker and router
		// sources describe interior failures.
		if source == "orchestrator" {
			intentOutcomes.Inc(Labels{"outcome": outcomeForCode(code)})
		}
	case events.AgentStatusChanged:
		agentStatusChanges.Inc(Labels{"to": payloadString(event.Payload, "to")})
	}
}

// outcomeForCode folds error codes into a small outcome vocabulary to keep
// label cardinality bounded.
func outcomeForCode(code string) string {
	switch code {
	case string(xerrors.CodeTaskTimeout):
		return "timeout"
	case string(xerrors.CodeValidation), string(xerrors.CodeUnsupportedIntent):
		return "rejected"
	default:
		return "failed"
	}
}

func payloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

func payloadNumber(payload map[string]any, key string) (float64, bool) {
	switch value := payload[key].(type) {
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case float64:
		return value, true
	default:
		return 0, false
	}
}

// RecordAdapterCall counts one adapter invocation with its final status.
func RecordAdapterCall(adapter, status string) {
	adapterCalls.Inc(Labels{"adapter": adapter, "status": status})
}

// RecordBreakerTransition counts one circuit breaker state change.
func RecordBreakerTransition(adapter, from, to string) {
	breakerTransitions.Inc(Labels{"adapter": adapter, "from": from, "to": to})
}

// RecordProbe counts one health probe result against a registered agent or
// adapter.
func RecordProbe(target, name string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "fail"
	}
	probeResults.Inc(Labels{"target": target, "name": name, "outcome": outcome})
}

// ObserveRouterStats mirrors live router statistics into sampled series. The
// callback is invoked once per family on every scrape.
func ObserveRouterStats(stats func() router.Stats) {
	if stats == nil {
		return
	}
	RegisterCounterFunc("openintent_router_messages_processed_total",
		"Total number of intent messages the router has finished dispatching.",
		func() []Sample { return []Sample{{Value: float64(stats().ProcessedMessages)}} })
	RegisterCounterFunc("openintent_router_messages_queued_total",
		"Total number of intent messages accepted into the router backlog.",
		func() []Sample { return []Sample{{Value: float64(stats().QueuedMessages)}} })
	RegisterCounterFunc("openintent_router_message_retries_total",
		"Total number of dispatch retries performed by the router.",
		func() []Sample { return []Sample{{Value: float64(stats().Retries)}} })
	RegisterCounterFunc("openintent_router_message_timeouts_total",
		"Total number of messages that exhausted their dispatch deadline.",
		func() []Sample { return []Sample{{Value: float64(stats().Timeouts)}} })
	RegisterCounterFunc("openintent_router_calls_processed_total",
		"Total number of adapter calls completed through the router gate.",
		func() []Sample { return []Sample{{Value: float64(stats().ProcessedCalls)}} })
	RegisterGaugeFunc("openintent_router_active_messages",
		"Number of intent messages currently being dispatched.",
		func() []Sample { return []Sample{{Value: float64(stats().ActiveMessages)}} })
	RegisterGaugeFunc("openintent_router_backlog_depth",
		"Number of intent messages waiting in the router backlog.",
		func() []Sample { return []Sample{{Value: float64(stats().BacklogDepth)}} })
	RegisterGaugeFunc("openintent_router_active_adapter_calls",
		"Number of adapter calls currently in flight.",
		func() []Sample { return []Sample{{Value: float64(stats().ActiveAdapterCalls)}} })
	RegisterGaugeFunc("openintent_router_call_queue_depth",
		"Number of adapter calls queued behind the concurrency gate.",
		func() []Sample { return []Sample{{Value: float64(stats().CallQueueDepth)}} })
}

// ObserveTaskStore exposes task counts per lifecycle state as sampled gauges.
func ObserveTaskStore(store task.Store) {
	if store == nil {
		return
	}
	RegisterGaugeFunc("openintent_tasks",
		"Number of tasks currently recorded per lifecycle state.",
		func() []Sample {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			stats, err := store.Stats(ctx, task.ListOptions{})
			if err != nil {
				return nil
			}
			return []Sample{
				{Labels: Labels{"state": "pending"}, Value: float64(stats.Pending)},
				{Labels: Labels{"state": "queued"}, Value: float64(stats.Queued)},
				{Labels: Labels{"state": "running"}, Value: float64(stats.Running)},
				{Labels: Labels{"state": "completed"}, Value: float64(stats.Completed)},
				{Labels: Labels{"state": "failed"}, Value: float64(stats.Failed)},
				{Labels: Labels{"state": "cancelled"}, Value: float64(stats.Cancelled)},
				{Labels: Labels{"state": "timeout"}, Value: float64(stats.Timeout)},
			}
		})
}
