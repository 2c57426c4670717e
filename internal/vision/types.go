package vision

import (
	"context"
	"encoding/base64"
	"image"
	"time"
)

const (
	MimeJPEG = "image/jpeg"

	SkipInFlight     = "in_flight"
	SkipNotReady     = "not_ready"
	SkipGrabFailed   = "grab_failed"
	SkipEncodeFailed = "encode_failed"
)

// Camera is the capture device. Open blocks until the device is granted,
// Close stops every active track and must be safe to call more than once.
type Camera interface {
	Open(ctx context.Context) error
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// FrameSink consumes each captured frame exactly once.
type FrameSink interface {
	Send(ctx context.Context, frame *Frame) error
}

type Observer interface {
	FrameCaptured()
	FrameSkipped(reason string)
	FrameSent(latency time.Duration, err error)
}

type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Quality    int
	MimeType   string
	CapturedAt time.Time
}

func (f *Frame) DataURL() string {
	return "data:" + f.MimeType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}
