package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// RoomSubjectPrefix prefixes every restaurant room subject.
	RoomSubjectPrefix = "orderdesk.rooms."
	// ControlSubject carries client-to-server room membership messages.
	ControlSubject = "orderdesk.rooms.control"

	EventOrderNew       = "order:new"
	EventOrderUpdate    = "order:update"
	EventOrderCancelled = "order:cancelled"

	EventJoinRestaurant  = "join:restaurant"
	EventLeaveRestaurant = "leave:restaurant"
)

// OrderEvents lists the server-to-client event names.
var OrderEvents = []string{EventOrderNew, EventOrderUpdate, EventOrderCancelled}

// IsOrderEvent reports whether name is one of the server-to-client order events.
func IsOrderEvent(name string) bool {
	for _, e := range OrderEvents {
		if e == name {
			return true
		}
	}
	return false
}

// Envelope is the wire frame for every realtime message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope encodes data into a frame for the named event.
func NewEnvelope(name string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %s payload: %w", name, err)
	}
	return json.Marshal(Envelope{Event: name, Data: raw})
}

// DecodeEnvelope parses a frame and checks the event name is present.
func DecodeEnvelope(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("malformed envelope: missing event name")
	}
	return env, nil
}

// RoomSubject returns the subject a restaurant's order events are published on.
func RoomSubject(restaurantID string) string {
	return RoomSubjectPrefix + sanitizeToken(restaurantID)
}

// sanitizeToken keeps a restaurant id usable as a single subject token.
func sanitizeToken(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(id)
}
