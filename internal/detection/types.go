package detection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindConnected   Kind = "connected"
	KindDescription Kind = "description"
	KindDetections  Kind = "detections"
	KindError       Kind = "error"
)

type Position string

const (
	PositionLeft   Position = "left"
	PositionCenter Position = "center"
	PositionRight  Position = "right"
)

func (p *Position) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	*p = ParsePosition(s)
	return nil
}

// ParsePosition maps free-form backend positions onto the three zones.
// Anything unrecognised is treated as straight ahead.
func ParsePosition(s string) Position {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return PositionLeft
	case "right":
		return PositionRight
	default:
		return PositionCenter
	}
}

// Distance is spoken verbatim. Backends send either a preformatted string
// ("2m") or a bare number of metres.
type Distance string

func (d *Distance) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("distance: %w", err)
		}
		*d = Distance(s)
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("distance: %w", err)
	}
	*d = Distance(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func (d Distance) String() string { return string(d) }

type Detection struct {
	Name       string
	Position   Position
	Distance   Distance
	Confidence float64
	// Text is a backend-authored assessment that replaces the generated phrase.
	Text string
}

// Key identifies the detection for cooldown purposes. Threats reported only
// by their assessment are keyed by that text.
func (d Detection) Key() string {
	if d.Name == "" {
		return "threat:" + d.Text
	}
	return d.Name
}

type Event struct {
	Kind      Kind
	ClientID  string
	Text      string
	Timestamp time.Time
	Items     []Detection
	Message   string
}
