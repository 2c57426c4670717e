package vision

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/eleven-am/sightline/internal/shared"
)

const maxSnapshotBytes = 16 << 20

// SnapshotCamera polls a still-image endpoint such as an IP camera or a
// webcam bridge. Each Grab fetches and decodes one image.
type SnapshotCamera struct {
	url    string
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	open bool
}

func NewSnapshotCamera(url string, timeout time.Duration, logger *slog.Logger) *SnapshotCamera {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotCamera{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "snapshot-camera"),
	}
}

// Open probes the endpoint once. A 401 or 403 is a denied grant, anything
// else that fails means the device is unavailable.
func (c *SnapshotCamera) Open(ctx context.Context) error {
	if c.url == "" {
		return &shared.PermissionError{Device: "camera", Err: fmt.Errorf("%w: no camera url configured", shared.ErrCameraUnavailable)}
	}

	img, err := c.fetch(ctx)
	if err != nil {
		return &shared.PermissionError{Device: "camera", Err: err}
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()

	c.logger.Info("camera acquired", "url", c.url, "width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return nil
}

func (c *SnapshotCamera) Grab(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return nil, shared.ErrCameraUnavailable
	}
	return c.fetch(ctx)
}

func (c *SnapshotCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		c.open = false
		c.client.CloseIdleConnections()
		c.logger.Info("camera released")
	}
	return nil
}

func (c *SnapshotCamera) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCameraUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", shared.ErrPermissionDenied, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", shared.ErrCameraUnavailable, resp.StatusCode)
	}

	img, format, err := image.Decode(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	c.logger.Debug("snapshot fetched", "format", format)
	return img, nil
}
