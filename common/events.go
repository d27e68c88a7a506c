package common

import (
	"encoding/json"
	"fmt"
)

// Well-known inbound event types. The dispatch table is open for extension;
// these are only the types the built-in handlers register against.
const (
	EventTypePing          = "ping"
	EventTypeJoin          = "chat:join"
	EventTypeLeave         = "chat:leave"
	EventTypeListChannels  = "chat:list_channels"
	EventTypeMessage       = "chat:message"
	EventTypeThreadCreate  = "chat:thread:create"
	EventTypeThreadReply   = "chat:thread:reply"
	EventTypeThreadList    = "chat:thread:list"
	EventTypeTyping        = "chat:typing"
	EventTypeMessageDelete = "chat:message:delete"
	// EventTypePresenceStatus doubles as the reply type
	EventTypePresenceStatus = "presence:status"
)

// Well-known outbound event types
const (
	EventTypeConnected        = "connected"
	EventTypePong             = "pong"
	EventTypeError            = "error"
	EventTypeJoined           = "chat:joined"
	EventTypeLeft             = "chat:left"
	EventTypeChannels         = "chat:channels"
	EventTypeThreadCreated    = "chat:thread:created"
	EventTypeThreadMessages   = "chat:thread:messages"
	EventTypeMessagePending   = "chat:message:pending"
	EventTypeMessageConfirmed = "chat:message:confirmed"
	EventTypeMessageFailed    = "chat:message:failed"
	EventTypeMessageDeleted   = "chat:message:deleted"
	EventTypePresenceOnline   = "presence:online"
	EventTypePresenceOffline  = "presence:offline"
)

// InboundEvent is one client frame after decoding. Data may be nil only for
// keep-alive frames; ValidateInboundEvent enforces the policy.
type InboundEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// OutboundEvent is one server frame prior to encoding. Immutable once built;
// safe to hand to multiple concurrent send operations.
type OutboundEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// NewOutboundEvent define a new outbound event
func NewOutboundEvent(eventType string, data map[string]interface{}) OutboundEvent {
	if data == nil {
		data = map[string]interface{}{}
	}
	return OutboundEvent{Type: eventType, Data: data}
}

// Serialize encode the outbound event as a wire frame
func (e OutboundEvent) Serialize() ([]byte, error) {
	return json.Marshal(&e)
}

// ParseInboundEvent decode one client frame into an InboundEvent
func ParseInboundEvent(frame []byte) (InboundEvent, error) {
	var event InboundEvent
	if err := json.Unmarshal(frame, &event); err != nil {
		return InboundEvent{}, fmt.Errorf("malformed event frame: %w", err)
	}
	return event, nil
}

// ValidateInboundEvent verify an inbound event meets the frame policy.
//
// An event without a type is always rejected. An event without data is
// rejected unless it is a ping and strict mode is off.
func ValidateInboundEvent(event InboundEvent, strict bool) error {
	if len(event.Type) == 0 {
		return fmt.Errorf("invalid event format: missing type")
	}
	if event.Data == nil {
		if !strict && event.Type == EventTypePing {
			return nil
		}
		return fmt.Errorf("invalid event format: missing data for '%s'", event.Type)
	}
	return nil
}

// GetStringField fetch a required string field from an event's data section
func (e InboundEvent) GetStringField(name string) (string, error) {
	raw, ok := e.Data[name]
	if !ok {
		return "", fmt.Errorf("event '%s' missing field '%s'", e.Type, name)
	}
	asString, ok := raw.(string)
	if !ok || len(asString) == 0 {
		return "", fmt.Errorf("event '%s' field '%s' is not a usable string", e.Type, name)
	}
	return asString, nil
}

// GetBoolField fetch a required bool field from an event's data section
func (e InboundEvent) GetBoolField(name string) (bool, error) {
	raw, ok := e.Data[name]
	if !ok {
		return false, fmt.Errorf("event '%s' missing field '%s'", e.Type, name)
	}
	asBool, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("event '%s' field '%s' is not a bool", e.Type, name)
	}
	return asBool, nil
}
