package vision

import (
	"bytes"
	"image"
	"image/jpeg"
	"strings"
	"testing"
	"time"
)

func TestNewEncoder_Defaults(t *testing.T) {
	e := NewEncoder(0, 0, 0)
	if e.Quality != DefaultQuality || e.MaxWidth != DefaultMaxWidth || e.MaxHeight != DefaultMaxHeight {
		t.Errorf("unexpected defaults: %+v", e)
	}
	if got := NewEncoder(150, 10, 10).Quality; got != DefaultQuality {
		t.Errorf("out of range quality should default, got %d", got)
	}
}

func TestEncoder_Encode(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		wantW int
		wantH int
	}{
		{"within bounds", 320, 240, 320, 240},
		{"landscape downscale", 1280, 720, 640, 360},
		{"portrait downscale", 480, 960, 240, 480},
		{"exact bounds", 640, 480, 640, 480},
	}

	e := NewEncoder(60, 640, 480)
	now := time.Now()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := e.Encode(image.NewRGBA(image.Rect(0, 0, tt.w, tt.h)), now)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			if frame.Width != tt.wantW || frame.Height != tt.wantH {
				t.Errorf("expected %dx%d, got %dx%d", tt.wantW, tt.wantH, frame.Width, frame.Height)
			}
			if frame.MimeType != MimeJPEG {
				t.Errorf("expected %s, got %s", MimeJPEG, frame.MimeType)
			}
			if !frame.CapturedAt.Equal(now) {
				t.Error("capture time not preserved")
			}

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame.Data))
			if err != nil {
				t.Fatalf("output is not a jpeg: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("jpeg is %dx%d", cfg.Width, cfg.Height)
			}
		})
	}
}

func TestEncoder_EncodeEmpty(t *testing.T) {
	if _, err := NewEncoder(0, 0, 0).Encode(image.NewRGBA(image.Rect(0, 0, 0, 0)), time.Now()); err == nil {
		t.Error("expected error for empty image")
	}
	if _, err := NewEncoder(0, 0, 0).Encode(nil, time.Now()); err == nil {
		t.Error("expected error for nil image")
	}
}

func TestFrame_DataURL(t *testing.T) {
	f := &Frame{Data: []byte("abc"), MimeType: MimeJPEG}
	got := f.DataURL()
	if got != "data:image/jpeg;base64,YWJj" {
		t.Errorf("unexpected data url %q", got)
	}
	if !strings.HasPrefix(got, "data:image/jpeg;base64,") {
		t.Error("missing prefix")
	}
}
