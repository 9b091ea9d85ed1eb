// Package shared contains common domain types, errors, and events that are
// used across all domain packages.
package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. One event fires per newly observed item when two
// successive snapshots are compared.
const (
	EventNewGrade      EventType = "portal.new_grade"
	EventNewAbsence    EventType = "portal.new_absence"
	EventNewDelay      EventType = "portal.new_delay"
	EventNewEvaluation EventType = "portal.new_evaluation"

	// System events
	EventSyncCompleted EventType = "system.sync_completed"
	EventSyncFailed    EventType = "system.sync_failed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	// For portal events this is the child's name slug.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// EventHandler processes a published event.
type EventHandler func(event Event) error

// EventBus decouples event producers from notification consumers.
type EventBus interface {
	// Subscribe registers a handler for one event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) error

	// Publish delivers an event to all matching handlers.
	Publish(event Event) error

	// Close shuts the bus down.
	Close() error
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
	}
}

// NewItemEvent is emitted when the diff between two snapshots finds an item
// that was not present in the previous cycle. Data holds the formatted item
// fields; its layout depends on the event type.
type NewItemEvent struct {
	BaseEvent
	ChildName string                 `json:"child_name"`
	Data      map[string]interface{} `json:"data"`
}

// Payload implements Event interface.
func (e NewItemEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"child_name": e.ChildName,
		"data":       e.Data,
	}
}

// NewNewItemEvent creates an item event of the given type.
func NewNewItemEvent(eventType EventType, childSlug, childName string, data map[string]interface{}) NewItemEvent {
	return NewItemEvent{
		BaseEvent: NewBaseEvent(eventType, childSlug),
		ChildName: childName,
		Data:      data,
	}
}

// SyncCompletedEvent is emitted after every successful refresh cycle.
type SyncCompletedEvent struct {
	BaseEvent
	Duration  time.Duration `json:"duration"`
	NewGrades int           `json:"new_grades"`
	NewItems  int           `json:"new_items"`
}

// Payload implements Event interface.
func (e SyncCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"duration_ms": e.Duration.Milliseconds(),
		"new_grades":  e.NewGrades,
		"new_items":   e.NewItems,
	}
}

// SyncFailedEvent is emitted when a refresh cycle aborts.
type SyncFailedEvent struct {
	BaseEvent
	Stage  string `json:"stage"` // "auth" or "fetch"
	Reason string `json:"reason"`
}

// Payload implements Event interface.
func (e SyncFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"stage":  e.Stage,
		"reason": e.Reason,
	}
}
