package detection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/sightline/internal/shared"
)

const (
	SourceSocket = "socket"
	SourcePush   = "push"
)

var (
	errEmptyPayload     = errors.New("empty payload")
	errUnknownShape     = errors.New("unrecognised payload shape")
	errMissingClientID  = errors.New("connected event without client_id")
	errUnknownEventType = errors.New("unknown event type")
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

type wireDetection struct {
	Name       string   `json:"name"`
	Object     string   `json:"object"`
	Label      string   `json:"label"`
	Position   Position `json:"position"`
	Distance   Distance `json:"distance"`
	Confidence *float64 `json:"confidence"`
	Assessment string   `json:"assessment"`
}

type envelope struct {
	ClientID   string          `json:"client_id"`
	Text       string          `json:"text"`
	Error      string          `json:"error"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Threats    []wireDetection `json:"threats"`
	Objects    []wireDetection `json:"objects"`
	Detections []wireDetection `json:"detections"`
}

// Decoder turns raw inbound payloads into events. It holds no per-stream
// state, so one decoder may serve any number of channels.
type Decoder struct {
	now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

// DecodeSocket infers the event variant from the payload shape.
func (d *Decoder) DecodeSocket(payload []byte) (Event, error) {
	return d.decodeShape(SourceSocket, payload)
}

// DecodePush decodes one server-sent event. Named events select the variant
// directly; unnamed ones fall back to shape inference.
func (d *Decoder) DecodePush(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "", "message":
		return d.decodeShape(SourcePush, payload)
	case string(KindConnected):
		env, err := d.unmarshal(SourcePush, payload)
		if err != nil {
			return Event{}, err
		}
		if env.ClientID == "" {
			return Event{}, shared.NewDecodeError(SourcePush, payload, errMissingClientID)
		}
		return Event{Kind: KindConnected, ClientID: env.ClientID, Timestamp: d.timestamp(env.Timestamp)}, nil
	case string(KindDescription):
		env, err := d.unmarshal(SourcePush, payload)
		if err != nil {
			return Event{}, err
		}
		return d.description(env), nil
	case string(KindError):
		env, err := d.unmarshal(SourcePush, payload)
		if err != nil {
			return Event{}, err
		}
		return d.errorEvent(env), nil
	default:
		return Event{}, shared.NewDecodeError(SourcePush, payload, fmt.Errorf("%w: %q", errUnknownEventType, eventType))
	}
}

func (d *Decoder) decodeShape(source string, payload []byte) (Event, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Event{}, shared.NewDecodeError(source, payload, errEmptyPayload)
	}

	if trimmed[0] == '[' {
		var items []wireDetection
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return Event{}, shared.NewDecodeError(source, payload, err)
		}
		return Event{Kind: KindDetections, Timestamp: d.now(), Items: convert(items)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Event{}, shared.NewDecodeError(source, payload, err)
	}

	env, err := d.unmarshal(source, trimmed)
	if err != nil {
		return Event{}, err
	}

	switch {
	case has(fields, "threats", "objects", "detections"):
		items := make([]wireDetection, 0, len(env.Threats)+len(env.Objects)+len(env.Detections))
		items = append(items, env.Threats...)
		items = append(items, env.Detections...)
		items = append(items, env.Objects...)
		return Event{
			Kind:      KindDetections,
			ClientID:  env.ClientID,
			Timestamp: d.timestamp(env.Timestamp),
			Items:     convert(items),
		}, nil
	case has(fields, "text"):
		return d.description(env), nil
	case has(fields, "error"):
		return d.errorEvent(env), nil
	case has(fields, "client_id"):
		return Event{Kind: KindConnected, ClientID: env.ClientID, Timestamp: d.timestamp(env.Timestamp)}, nil
	default:
		return Event{}, shared.NewDecodeError(source, payload, errUnknownShape)
	}
}

func (d *Decoder) unmarshal(source string, payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, shared.NewDecodeError(source, payload, err)
	}
	return env, nil
}

func (d *Decoder) description(env envelope) Event {
	return Event{
		Kind:      KindDescription,
		ClientID:  env.ClientID,
		Text:      env.Text,
		Timestamp: d.timestamp(env.Timestamp),
	}
}

func (d *Decoder) errorEvent(env envelope) Event {
	return Event{
		Kind:      KindError,
		ClientID:  env.ClientID,
		Message:   env.Error,
		Timestamp: d.timestamp(env.Timestamp),
	}
}

func (d *Decoder) timestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return d.now()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return d.now()
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return d.now()
}

func has(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

func convert(items []wireDetection) []Detection {
	out := make([]Detection, 0, len(items))
	for _, w := range items {
		name := firstNonEmpty(w.Name, w.Object, w.Label)
		if name == "" && w.Assessment == "" {
			continue
		}
		confidence := 1.0
		if w.Confidence != nil {
			confidence = *w.Confidence
		}
		position := w.Position
		if position == "" {
			position = PositionCenter
		}
		out = append(out, Detection{
			Name:       name,
			Position:   position,
			Distance:   w.Distance,
			Confidence: confidence,
			Text:       w.Assessment,
		})
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
