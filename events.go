package gapline

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the change event union. The tag doubles as the single
// top-level key of the serialized payload.
type EventKind string

const (
	EventResourceCreated  EventKind = "ResourceCreated"
	EventResourceUpdated  EventKind = "ResourceUpdated"
	EventResourceDeleted  EventKind = "ResourceDeleted"
	EventRuleAdded        EventKind = "RuleAdded"
	EventRuleUpdated      EventKind = "RuleUpdated"
	EventRuleRemoved      EventKind = "RuleRemoved"
	EventHoldPlaced       EventKind = "HoldPlaced"
	EventHoldReleased     EventKind = "HoldReleased"
	EventBookingConfirmed EventKind = "BookingConfirmed"
	EventBookingCancelled EventKind = "BookingCancelled"
)

// Event is one committed state change. Each variant names the resource whose
// channel carries it.
type Event interface {
	Kind() EventKind
	// Resource returns the id of the resource this event belongs to.
	Resource() string
}

// ResourceCreated records a new resource.
type ResourceCreated struct {
	ID          string  `json:"id"`
	ParentID    *string `json:"parent_id"`
	Name        *string `json:"name"`
	Capacity    int64   `json:"capacity"`
	BufferAfter *int64  `json:"buffer_after"`
}

func (e ResourceCreated) Kind() EventKind  { return EventResourceCreated }
func (e ResourceCreated) Resource() string { return e.ID }

// ResourceUpdated records new attribute values for a resource.
type ResourceUpdated struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Capacity    int64   `json:"capacity"`
	BufferAfter *int64  `json:"buffer_after"`
}

func (e ResourceUpdated) Kind() EventKind  { return EventResourceUpdated }
func (e ResourceUpdated) Resource() string { return e.ID }

// ResourceDeleted records a resource removal.
type ResourceDeleted struct {
	ID string `json:"id"`
}

func (e ResourceDeleted) Kind() EventKind  { return EventResourceDeleted }
func (e ResourceDeleted) Resource() string { return e.ID }

// RuleAdded records a new rule on a resource.
type RuleAdded struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
	Blocking   bool   `json:"blocking"`
}

func (e RuleAdded) Kind() EventKind  { return EventRuleAdded }
func (e RuleAdded) Resource() string { return e.ResourceID }

// RuleUpdated records an in-place rule change.
type RuleUpdated struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
	Blocking   bool   `json:"blocking"`
}

func (e RuleUpdated) Kind() EventKind  { return EventRuleUpdated }
func (e RuleUpdated) Resource() string { return e.ResourceID }

// RuleRemoved records a rule deletion.
type RuleRemoved struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
}

func (e RuleRemoved) Kind() EventKind  { return EventRuleRemoved }
func (e RuleRemoved) Resource() string { return e.ResourceID }

// HoldPlaced records a new hold.
type HoldPlaced struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
	Span       Span   `json:"span"`
	ExpiresAt  int64  `json:"expires_at"`
}

func (e HoldPlaced) Kind() EventKind  { return EventHoldPlaced }
func (e HoldPlaced) Resource() string { return e.ResourceID }

// HoldReleased records a hold release, explicit or reaped.
type HoldReleased struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
}

func (e HoldReleased) Kind() EventKind  { return EventHoldReleased }
func (e HoldReleased) Resource() string { return e.ResourceID }

// BookingConfirmed records a committed booking.
type BookingConfirmed struct {
	ID         string  `json:"id"`
	ResourceID string  `json:"resource_id"`
	Span       Span    `json:"span"`
	Label      *string `json:"label"`
}

func (e BookingConfirmed) Kind() EventKind  { return EventBookingConfirmed }
func (e BookingConfirmed) Resource() string { return e.ResourceID }

// BookingCancelled records a booking deletion.
type BookingCancelled struct {
	ID         string `json:"id"`
	ResourceID string `json:"resource_id"`
}

func (e BookingCancelled) Kind() EventKind  { return EventBookingCancelled }
func (e BookingCancelled) Resource() string { return e.ResourceID }

// MarshalEvent serializes an event as {"<Kind>": payload}. This is the wire
// contract seen by NOTIFY subscribers and the WAL record body.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(map[EventKind]Event{e.Kind(): e})
}

// UnmarshalEvent decodes the single-key envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var envelope map[EventKind]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("event envelope must have exactly one key, got %d", len(envelope))
	}
	for kind, raw := range envelope {
		switch kind {
		case EventResourceCreated:
			var v ResourceCreated
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventResourceUpdated:
			var v ResourceUpdated
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventResourceDeleted:
			var v ResourceDeleted
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventRuleAdded:
			var v RuleAdded
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventRuleUpdated:
			var v RuleUpdated
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventRuleRemoved:
			var v RuleRemoved
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventHoldPlaced:
			var v HoldPlaced
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventHoldReleased:
			var v HoldReleased
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventBookingConfirmed:
			var v BookingConfirmed
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		case EventBookingCancelled:
			var v BookingCancelled
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		default:
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
	}
	return nil, fmt.Errorf("empty event envelope")
}
