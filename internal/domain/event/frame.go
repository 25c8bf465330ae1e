package event

import "encoding/json"

// Frame is the JSON wrapper every transport writes on the wire:
// {type, timestamp, data}.
type Frame struct {
	Type      Kind   `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// MarshalFrame converts a domain event into its wire representation.
func MarshalFrame(ev Eventer) ([]byte, error) {
	return json.Marshal(Frame{
		Type:      ev.GetKind(),
		ID:        ev.GetID(),
		Timestamp: ev.GetOccurredAt(),
		Data:      ev.GetData(),
	})
}

// MarshalBatch wraps several events into one response body for the
// long-polling transport.
func MarshalBatch(events []Eventer) ([]byte, error) {
	frames := make([]Frame, 0, len(events))
	for _, ev := range events {
		frames = append(frames, Frame{
			Type:      ev.GetKind(),
			ID:        ev.GetID(),
			Timestamp: ev.GetOccurredAt(),
			Data:      ev.GetData(),
		})
	}
	return json.Marshal(struct {
		Events []Frame `json:"events"`
	}{Events: frames})
}
