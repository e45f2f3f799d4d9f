// Package message defines the payloads shotpipe exposes to its clients.
//
// Events are JSON objects, one per line on streaming transports. Image data is
// always the canonical PNG encoded as standard base64, so a client can embed it
// directly in a data: URL. The same objects travel over gRPC as
// google.protobuf.Struct values.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"go.klb.dev/shotpipe/internal/monitor"
	"go.klb.dev/shotpipe/internal/notify"
)

// Type identifies the kind of event.
type Type string

const (
	TypeImage Type = "image-detected"
	TypeState Type = "monitoring-changed"
)

// Event is a notification as seen by clients.
type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`

	// monitoring-changed
	Monitoring *bool `json:"monitoring,omitempty"`

	// image-detected
	Seq         int64  `json:"seq,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Image       string `json:"image,omitempty"` // base64-encoded PNG
}

// FromImage converts a dispatcher image event.
func FromImage(ev notify.ImageEvent) Event {
	out := Event{
		Type:        TypeImage,
		At:          ev.DetectedAt,
		Seq:         ev.Seq,
		Fingerprint: ev.Fingerprint.String(),
		Image:       ev.Base64(),
	}
	if ev.Image != nil {
		out.Width, out.Height = ev.Image.Width, ev.Image.Height
	}
	return out
}

// FromState converts a dispatcher state event.
func FromState(ev notify.StateEvent) Event {
	on := ev.Monitoring
	return Event{Type: TypeState, At: ev.At, Monitoring: &on}
}

// DecodeImage returns the PNG bytes carried by an image-detected event.
func (e Event) DecodeImage() ([]byte, error) {
	if e.Type != TypeImage {
		return nil, fmt.Errorf("message: %s event carries no image", e.Type)
	}
	return base64.StdEncoding.DecodeString(e.Image)
}

// Encode serialises the event to JSON without a trailing newline.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserialises an event from raw JSON bytes.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("message decode: %w", err)
	}
	return e, nil
}

// ToStruct converts the event for gRPC transport.
func (e Event) ToStruct() (*structpb.Struct, error) {
	return toStruct(e)
}

// EventFromStruct is the inverse of Event.ToStruct.
func EventFromStruct(s *structpb.Struct) (Event, error) {
	var e Event
	err := fromStruct(s, &e)
	return e, err
}

// Status is the answer to "query monitoring state", with counters.
type Status struct {
	Monitoring      bool      `json:"monitoring"`
	ImageCount      int64     `json:"image_count"`
	LastFingerprint string    `json:"last_fingerprint,omitempty"`
	LastDetectedAt  time.Time `json:"last_detected_at,omitzero"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	Backend         string    `json:"backend"`
	IntervalMillis  int64     `json:"interval_ms"`
	Polls           int64     `json:"polls"`
	Unreadable      int64     `json:"unreadable"`
	Ignored         int64     `json:"ignored"`
	Subscribers     int       `json:"subscribers"`
	Dropped         uint64    `json:"dropped"`
}

// StatusFrom assembles a Status from engine and dispatcher counters.
func StatusFrom(st monitor.Stats, subscribers int, dropped uint64) Status {
	out := Status{
		Monitoring:     st.Status == monitor.Monitoring,
		ImageCount:     st.ImageCount,
		LastDetectedAt: st.LastDetectedAt,
		StartedAt:      st.StartedAt,
		Backend:        st.Backend,
		IntervalMillis: st.Interval.Milliseconds(),
		Polls:          st.Polls,
		Unreadable:     st.Unreadable,
		Ignored:        st.Ignored,
		Subscribers:    subscribers,
		Dropped:        dropped,
	}
	if !st.LastFingerprint.IsZero() {
		out.LastFingerprint = st.LastFingerprint.String()
	}
	return out
}

// ToStruct converts the status for gRPC transport.
func (s Status) ToStruct() (*structpb.Struct, error) {
	return toStruct(s)
}

// StatusFromStruct is the inverse of Status.ToStruct.
func StatusFromStruct(s *structpb.Struct) (Status, error) {
	var st Status
	err := fromStruct(s, &st)
	return st, err
}

// toStruct goes through JSON so the struct form matches the HTTP form exactly.
// Struct numbers are doubles: integer counters survive exactly up to 2^53,
// which a 500 ms poll loop would need some hundred million years to reach.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message encode: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("message to struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("message from struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("message decode: %w", err)
	}
	return nil
}
