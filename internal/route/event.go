// Package route is the routing-change fan-out bus: a publisher announcing
// source to destination assignments and one subscriber per streaming endpoint
// applying them, started and stopped by a controller.
package route

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"nvxroute-bus/internal/broker"
)

// ContentType is the content type of every event on the bus
const ContentType = "application/json"

// RoutingChangeEvent announces that a source should be shown on a destination.
// Events carry no identity; receiving one twice reapplies the same route.
type RoutingChangeEvent struct {
	SourceID      int       `json:"sourceId"`
	DestinationID int       `json:"destinationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent builds an event stamped with now in UTC
func NewEvent(sourceID, destinationID int, now time.Time) RoutingChangeEvent {
	return RoutingChangeEvent{
		SourceID:      sourceID,
		DestinationID: destinationID,
		Timestamp:     now.UTC(),
	}
}

// Encode serializes the event to its wire form
func (e RoutingChangeEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// wireEvent detects missing fields, which plain decoding would turn into zeros
type wireEvent struct {
	SourceID      *int       `json:"sourceId"`
	DestinationID *int       `json:"destinationId"`
	Timestamp     *time.Time `json:"timestamp"`
}

// DecodeEvent parses a message body. Errors match broker.ErrMalformedPayload.
func DecodeEvent(body []byte) (RoutingChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return RoutingChangeEvent{}, fmt.Errorf("%w: %w", broker.ErrMalformedPayload, err)
	}

	var missing []error
	if w.SourceID == nil {
		missing = append(missing, errors.New("sourceId is missing"))
	}
	if w.DestinationID == nil {
		missing = append(missing, errors.New("destinationId is missing"))
	}
	if len(missing) > 0 {
		return RoutingChangeEvent{}, fmt.Errorf("%w: %w", broker.ErrMalformedPayload, errors.Join(missing...))
	}

	e := RoutingChangeEvent{SourceID: *w.SourceID, DestinationID: *w.DestinationID}
	if w.Timestamp != nil {
		e.Timestamp = *w.Timestamp
	}
	return e, nil
}

func (e RoutingChangeEvent) String() string {
	return fmt.Sprintf("source %d -> destination %d", e.SourceID, e.DestinationID)
}
