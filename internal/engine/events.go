package engine

import (
	"sync"

	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/shared/events"
)

// EventHandler consumes one engine event. Handlers run on their own
// goroutine per event; slow consumers never stall frontier processing.
type EventHandler func(event *events.Event)

// SubscribeAll is the wildcard event type matching every emission.
const SubscribeAll = "*"

// EventEmitter fans engine events out to registered handlers. The Kafka
// bridge and the live ops stream both subscribe here.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	log      logger.Logger
}

// NewEventEmitter creates an emitter with no subscribers.
func NewEventEmitter(log logger.Logger) *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
		log:      log,
	}
}

// On registers a handler for one event type, or for every event when the
// type is SubscribeAll.
func (e *EventEmitter) On(eventType string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (e *EventEmitter) Off(eventType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, eventType)
}

// Emit dispatches the event asynchronously to type and wildcard handlers.
func (e *EventEmitter) Emit(event *events.Event) {
	if event == nil {
		return
	}
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers[event.EventType])+len(e.handlers[SubscribeAll]))
	handlers = append(handlers, e.handlers[event.EventType]...)
	handlers = append(handlers, e.handlers[SubscribeAll]...)
	e.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// emit builds the shared envelope and dispatches it. Marshal failures are
// logged and dropped; events are advisory, never load-bearing.
func (e *Engine) emit(aggregateID, aggregateType, eventType string, payload interface{}) {
	event, err := events.NewEvent(aggregateID, aggregateType, eventType, payload)
	if err != nil {
		e.log.Error("failed to build event", "event_type", eventType, "error", err)
		return
	}
	e.emitter.Emit(event)
}
