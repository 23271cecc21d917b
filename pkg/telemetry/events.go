package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Instance  string                 `json:"instance,omitempty"`
	Stage     string                 `json:"stage,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeStageStarted   = "stage.started"
	EventTypeStageCompleted = "stage.completed"
	EventTypeStageFailed    = "stage.failed"
	EventTypeStageTolerated = "stage.tolerated"
	EventTypePhaseChanged   = "phase.changed"
	EventTypePolicyDenied   = "policy.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans lifecycle events out to subscribers. All methods are
// safe on a nil or disabled publisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case ep.buffer <- event:
		return nil
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishStageStarted publishes a stage started event.
func (ep *EventPublisher) PublishStageStarted(instance, stage, name string) error {
	return ep.Publish(Event{
		Type:     EventTypeStageStarted,
		Source:   "driver",
		Instance: instance,
		Stage:    stage,
		Message:  fmt.Sprintf("%s: %s started", instance, name),
		Level:    EventLevelInfo,
	})
}

// PublishStageCompleted publishes a stage completed event.
func (ep *EventPublisher) PublishStageCompleted(instance, stage, name string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeStageCompleted,
		Source:   "driver",
		Instance: instance,
		Stage:    stage,
		Message:  fmt.Sprintf("%s: %s completed", instance, name),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishStageFailed publishes a stage failed event.
func (ep *EventPublisher) PublishStageFailed(instance, stage, name string, exitCode int, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypeStageFailed,
		Source:   "driver",
		Instance: instance,
		Stage:    stage,
		Message:  fmt.Sprintf("%s: %s failed: %s", instance, name, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"exit_code": exitCode,
		},
	})
}

// PublishStageTolerated publishes an event for a failure that was ignored.
func (ep *EventPublisher) PublishStageTolerated(instance, stage, name string, exitCode int) error {
	return ep.Publish(Event{
		Type:     EventTypeStageTolerated,
		Source:   "driver",
		Instance: instance,
		Stage:    stage,
		Message:  fmt.Sprintf("%s: %s failed with exit code %d, continuing", instance, name, exitCode),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"exit_code": exitCode,
		},
	})
}

// PublishPhaseChanged publishes a lifecycle phase transition.
func (ep *EventPublisher) PublishPhaseChanged(instance, oldPhase, newPhase string) error {
	return ep.Publish(Event{
		Type:     EventTypePhaseChanged,
		Source:   "driver",
		Instance: instance,
		Message:  fmt.Sprintf("%s: %s -> %s", instance, oldPhase, newPhase),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"old_phase": oldPhase,
			"new_phase": newPhase,
		},
	})
}

// PublishPolicyDenied publishes an operation refused by policy.
func (ep *EventPublisher) PublishPolicyDenied(instance, operation, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyDenied,
		Source:   "policy",
		Instance: instance,
		Message:  fmt.Sprintf("%s: %s denied: %s", instance, operation, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"operation": operation,
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain what is already buffered before stopping
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls subscribers in order on the calling goroutine so they
// observe events in publication order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByInstance creates a filter that only allows events for one instance.
func FilterByInstance(instance string) EventFilter {
	return func(event Event) bool {
		return event.Instance == instance
	}
}
