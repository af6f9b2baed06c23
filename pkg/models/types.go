// Package models defines the event hub entities and the SQL store that
// persists them. The database owns all durable state; in-memory copies held
// by the subscriber runtime are caches, not sources of truth.
package models

import (
	"encoding/json"
	"time"
)

// Category tags publishers, event types, subscribers and subscriptions with
// their deployment role. It controls callback resolution and editability.
type Category int16

// Category values, matching the persisted integer set.
const (
	Programmatic Category = 1
	Managed      Category = 2
	System       Category = 999
	Testing      Category = -1
	Unitesting   Category = -2
)

func (c Category) String() string {
	switch c {
	case Programmatic:
		return "Programmatic"
	case Managed:
		return "Managed"
	case System:
		return "System"
	case Testing:
		return "Testing"
	case Unitesting:
		return "Unitesting"
	default:
		return "Unknown"
	}
}

// Status is the processing state of a SubscribedEvent.
type Status int

// Status values, matching the persisted integer set.
const (
	StatusProcessing Status = 0
	StatusSucceed    Status = 1
	StatusFailed     Status = -1
	StatusTimeout    Status = -2
)

func (s Status) String() string {
	switch s {
	case StatusProcessing:
		return "Processing"
	case StatusSucceed:
		return "Succeed"
	case StatusFailed:
		return "Failed"
	case StatusTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is an end state for an attempt.
func (s Status) Terminal() bool {
	return s != StatusProcessing
}

// Channel returns the notification channel name for a publisher/event-type
// pair: "<publisher>.<event_type>".
func Channel(publisher, eventType string) string {
	return publisher + "." + eventType
}

// Publisher is an identity for event origins, created lazily on first
// publish and never destroyed by the runtime.
type Publisher struct {
	Name     string
	Category Category
	Active   bool
	Comments *string
	Created  time.Time
	Modified time.Time
}

// EventType is an event kind owned by a publisher. Sample holds a payload
// snapshot captured on first publish.
type EventType struct {
	Name      string
	Publisher string
	Category  Category
	Active    bool
	Sample    json.RawMessage
	Comments  *string
	Created   time.Time
	Modified  time.Time
}

// Channel returns the notification channel for this event type.
func (t *EventType) Channel() string {
	return Channel(t.Publisher, t.Name)
}

// Event is a single published event. Immutable after insert; ids are dense
// and define the per-event-type dispatch order.
type Event struct {
	ID          int64
	Publisher   string
	EventType   string
	Active      bool
	Source      string
	PublishTime time.Time
	Payload     json.RawMessage
}

// Channel returns the notification channel this event was published on.
func (e *Event) Channel() string {
	return Channel(e.Publisher, e.EventType)
}

// Subscriber is a consumer identity, created lazily on first subscribe.
type Subscriber struct {
	Name     string
	Category Category
	Active   bool
	Comments *string
	Created  time.Time
	Modified time.Time
}

// SubscribedEventType is the durable declaration that a subscriber consumes
// an event type. LastDispatchedEventID is the watermark: the highest event
// id known to have been dispatched for this subscription.
type SubscribedEventType struct {
	ID                 int64
	Subscriber         string
	Publisher          string
	EventType          string
	Category           Category
	ProcessingModuleID *int64
	Parameters         json.RawMessage
	ReplayMissedEvents bool
	ReplayFailedEvents bool

	LastDispatchedEventID *int64
	LastDispatchedTime    *time.Time
	LastListeningTime     *time.Time

	Created  time.Time
	Modified time.Time
}

// Channel returns the notification channel for this subscription.
func (s *SubscribedEventType) Channel() string {
	return Channel(s.Publisher, s.EventType)
}

// IsEditable reports whether the subscription may be modified through the
// console (Managed and Testing rows only).
func (s *SubscribedEventType) IsEditable() bool {
	return s.Category == Managed || s.Category == Testing
}

// SubscribedEvent is the per-delivery state for one (subscriber, event)
// pair. The unique identity row doubles as the cross-process lease: the
// holder with status Processing is the only process allowed to invoke the
// callback, and peers steal it only through the conditional update on
// ProcessTimes.
type SubscribedEvent struct {
	ID               int64
	Subscriber       string
	Publisher        string
	EventType        string
	EventID          int64
	ProcessHost      string
	ProcessPID       *string
	ProcessTimes     int
	ProcessStartTime time.Time
	ProcessEndTime   *time.Time
	Status           Status
	Result           *string
}

// EventProcessingHistory is an append-only snapshot of a prior processing
// attempt, written before the attempt is overwritten by a reprocess.
type EventProcessingHistory struct {
	ID               int64
	SubscribedEvent  int64
	ProcessHost      string
	ProcessPID       *string
	ProcessStartTime time.Time
	ProcessEndTime   *time.Time
	Status           Status
	Result           *string
}

// EventProcessingModule names a processing routine for Managed
// subscriptions. The runtime resolves modules against an in-process
// registry by name; Code is informational.
type EventProcessingModule struct {
	ID         int64
	Name       string
	Code       *string
	Parameters *string
	Comments   *string
	Created    time.Time
	Modified   time.Time
}
