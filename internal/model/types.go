package model

import (
	"fmt"
	"time"
)

// EventRecord is one validated OwnTracks location update. It is built once per
// incoming message and either persisted or discarded; it is never mutated after
// construction. Optional payload fields are pointers so that an absent value
// binds as NULL on insert.
type EventRecord struct {
	User               string         `json:"user"`
	Device             string         `json:"device"`
	Accuracy           *float64       `json:"acc,omitempty"`
	Altitude           *float64       `json:"alt,omitempty"`
	BatteryPercent     *int           `json:"batt,omitempty"`
	CourseOverGround   *float64       `json:"cog,omitempty"`
	Latitude           float64        `json:"lat"`
	Longitude          float64        `json:"lon"`
	RegionRadius       *float64       `json:"rad,omitempty"`
	EventType          *string        `json:"t,omitempty"`
	TrackerID          *string        `json:"tid,omitempty"`
	Timestamp          time.Time      `json:"tst"`
	VerticalAccuracy   *float64       `json:"vac,omitempty"`
	Velocity           *float64       `json:"vel,omitempty"`
	BarometricPressure *float64       `json:"p,omitempty"`
	ConnectionStatus   *string        `json:"conn,omitempty"`
	Raw                map[string]any `json:"raw"`
}

// RejectReason classifies why a message was not turned into an EventRecord.
type RejectReason string

const (
	// MalformedPayload means the payload was not a parseable JSON object.
	MalformedPayload RejectReason = "malformed_payload"
	// MalformedTopic means the topic did not match <prefix>/<user>/<device>.
	MalformedTopic RejectReason = "malformed_topic"
	// NotLocationEvent is a deliberate skip: the payload is valid but its
	// _type is not "location". Not every message under owntracks/# is one.
	NotLocationEvent RejectReason = "not_location_event"
	// InvalidFields means lat, lon, or tst was missing or out of range.
	InvalidFields RejectReason = "invalid_fields"
)

// Rejection carries the reason a message was dropped by the decoder.
type Rejection struct {
	Reason RejectReason
	Cause  error
}

func (r *Rejection) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %s", r.Reason, r.Cause)
	}
	return string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Cause }

// Skip reports whether the rejection is a deliberate skip rather than a
// malformed message.
func (r *Rejection) Skip() bool { return r.Reason == NotLocationEvent }
