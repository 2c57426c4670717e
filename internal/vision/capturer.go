package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/sightline/internal/shared"
)

const (
	DefaultInterval        = 5 * time.Second
	DefaultFirstFrameDelay = 500 * time.Millisecond
	defaultSendTimeout     = 10 * time.Second
)

var ErrAlreadyRunning = errors.New("capture already running")

type SchedulerConfig struct {
	Camera          Camera
	Sink            FrameSink
	Encoder         Encoder
	FirstFrameDelay time.Duration
	SendTimeout     time.Duration
	Observer        Observer
	Logger          *slog.Logger
}

// Scheduler grabs a frame on every tick and forwards it to the sink. A tick
// that fires while the previous frame is still being sent is skipped, so at
// most one frame is ever in flight.
type Scheduler struct {
	camera          Camera
	sink            FrameSink
	encoder         Encoder
	firstFrameDelay time.Duration
	sendTimeout     time.Duration
	observer        Observer
	logger          *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	inFlight atomic.Bool
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FirstFrameDelay < 0 {
		cfg.FirstFrameDelay = 0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Encoder.Quality == 0 {
		cfg.Encoder = NewEncoder(0, 0, 0)
	}
	return &Scheduler{
		camera:          cfg.Camera,
		sink:            cfg.Sink,
		encoder:         cfg.Encoder,
		firstFrameDelay: cfg.FirstFrameDelay,
		sendTimeout:     cfg.SendTimeout,
		observer:        cfg.Observer,
		logger:          cfg.Logger.With("component", "frame-scheduler"),
	}
}

// Start acquires the camera and begins the capture cycle. A camera that cannot
// be acquired is reported as a *shared.PermissionError and is not retried.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, ready func() bool) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ready == nil {
		ready = func() bool { return true }
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.camera.Open(ctx); err != nil {
		if !shared.IsPermissionError(err) {
			err = &shared.PermissionError{Device: "camera", Err: err}
		}
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.inFlight.Store(false)

	go s.loop(loopCtx, s.done, interval, ready)

	s.logger.Info("frame capture started", "interval", interval)
	return nil
}

// Stop halts the cycle and releases the camera before returning.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done

	if err := s.camera.Close(); err != nil {
		s.logger.Warn("camera release failed", "error", err)
	}
	s.logger.Info("frame capture stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, interval time.Duration, ready func() bool) {
	defer close(done)

	first := time.NewTimer(s.firstFrameDelay)
	defer first.Stop()
	select {
	case <-ctx.Done():
		return
	case <-first.C:
	}
	s.cycle(ctx, ready)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, ready)
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context, ready func() bool) {
	if s.inFlight.Load() {
		s.skip(SkipInFlight)
		return
	}

	img, err := s.camera.Grab(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("frame grab failed", "error", err)
		}
		s.skip(SkipGrabFailed)
		return
	}

	frame, err := s.encoder.Encode(img, time.Now())
	if err != nil {
		s.logger.Warn("frame encode failed", "error", err)
		s.skip(SkipEncodeFailed)
		return
	}
	if s.observer != nil {
		s.observer.FrameCaptured()
	}

	if !ready() {
		s.skip(SkipNotReady)
		return
	}

	s.inFlight.Store(true)
	go s.send(ctx, frame)
}

func (s *Scheduler) send(ctx context.Context, frame *Frame) {
	defer s.inFlight.Store(false)

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	start := time.Now()
	err := s.sink.Send(sendCtx, frame)
	if s.observer != nil {
		s.observer.FrameSent(time.Since(start), err)
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("frame send failed", "error", fmt.Errorf("send frame: %w", err), "bytes", len(frame.Data))
		return
	}
	s.logger.Debug("frame sent", "bytes", len(frame.Data), "width", frame.Width, "height", frame.Height)
}

func (s *Scheduler) skip(reason string) {
	if s.observer != nil {
		s.observer.FrameSkipped(reason)
	}
	s.logger.Debug("frame skipped", "reason", reason)
}
