package cover

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventDeviceRegistered = "device_registered"
	EventDeviceRemoved    = "device_removed"
	EventDeviceRenamed    = "device_renamed"
	EventMotionStarted    = "motion_started"
	EventPositionSettled  = "position_settled"
	EventCommandFailed    = "command_failed"
)

// Event is a change on one cover. Data is a map keyed by field name for every
// event the manager emits.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DeviceID returns the id of the device the event is about, or "".
func (e Event) DeviceID() string {
	return e.Field("id")
}

// Field returns a string field of Data, or "".
func (e Event) Field(key string) string {
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty matches every type
	fn        EventHandler
}

// EventBus delivers cover events to subscribers in subscription order.
//
// Motion events are emitted from the device's own goroutine. A handler must
// not wait synchronously for a command to the same device.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type and returns the unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event and returns the unsubscribe func.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, fn: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(id) })
	}
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every matching handler synchronously. A panicking handler is
// recovered and logged; the rest still run.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	matched := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			matched = append(matched, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, h := range matched {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "device", event.DeviceID(), "panic", r)
		}
	}()
	h(event)
}
