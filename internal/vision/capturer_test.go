package vision

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/sightline/internal/shared"
)

type fakeCamera struct {
	openErr error

	mu     sync.Mutex
	grabs  int
	closes int
}

func (c *fakeCamera) Open(ctx context.Context) error { return c.openErr }

func (c *fakeCamera) Grab(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	c.grabs++
	c.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grabs, c.closes
}

type fakeSink struct {
	block chan struct{}
	sent  atomic.Int32
}

func (s *fakeSink) Send(ctx context.Context, frame *Frame) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.sent.Add(1)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	captured int
	skipped  map[string]int
	sent     int
}

func (o *countingObserver) FrameCaptured() {
	o.mu.Lock()
	o.captured++
	o.mu.Unlock()
}

func (o *countingObserver) FrameSkipped(reason string) {
	o.mu.Lock()
	if o.skipped == nil {
		o.skipped = make(map[string]int)
	}
	o.skipped[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) FrameSent(time.Duration, error) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *countingObserver) skips(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.skipped[reason]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Camera: &fakeCamera{}, Sink: &fakeSink{}})
	if s.logger == nil {
		t.Error("logger should default")
	}
	if s.sendTimeout != defaultSendTimeout {
		t.Errorf("expected send timeout %v, got %v", defaultSendTimeout, s.sendTimeout)
	}
	if s.encoder.Quality != DefaultQuality {
		t.Errorf("expected quality %d, got %d", DefaultQuality, s.encoder.Quality)
	}
}

func TestScheduler_StartPermissionDenied(t *testing.T) {
	cam := &fakeCamera{openErr: shared.ErrPermissionDenied}
	s := NewScheduler(SchedulerConfig{Camera: cam, Sink: &fakeSink{}, Logger: testLogger()})

	err := s.Start(context.Background(), time.Second, nil)
	if !shared.IsPermissionError(err) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if !errors.Is(err, shared.ErrPermissionDenied) {
		t.Errorf("expected wrapped ErrPermissionDenied, got %v", err)
	}
	if s.Running() {
		t.Error("scheduler should not be running")
	}
	if grabs, _ := cam.counts(); grabs != 0 {
		t.Errorf("expected no grabs, got %d", grabs)
	}
}

func TestScheduler_SendsFramesWhenReady(t *testing.T) {
	cam := &fakeCamera{}
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{Camera: cam, Sink: sink, Logger: testLogger()})

	if err := s.Start(context.Background(), 20*time.Millisecond, func() bool { return true }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return sink.sent.Load() >= 2 })
}

func TestScheduler_DropsFramesWhenNotReady(t *testing.T) {
	cam := &fakeCamera{}
	sink := &fakeSink{}
	obs := &countingObserver{}
	s := NewScheduler(SchedulerConfig{Camera: cam, Sink: sink, Observer: obs, Logger: testLogger()})

	if err := s.Start(context.Background(), 10*time.Millisecond, func() bool { return false }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return obs.skips(SkipNotReady) >= 3 })
	s.Stop()

	if sink.sent.Load() != 0 {
		t.Errorf("expected no frames sent, got %d", sink.sent.Load())
	}
}

func TestScheduler_SkipsWhileInFlight(t *testing.T) {
	cam := &fakeCamera{}
	sink := &fakeSink{block: make(chan struct{})}
	obs := &countingObserver{}
	s := NewScheduler(SchedulerConfig{Camera: cam, Sink: sink, Observer: obs, Logger: testLogger()})

	if err := s.Start(context.Background(), 10*time.Millisecond, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return obs.skips(SkipInFlight) >= 3 })
	if !s.InFlight() {
		t.Error("expected a frame in flight")
	}
	if grabs, _ := cam.counts(); grabs != 1 {
		t.Errorf("expected a single grab while blocked, got %d", grabs)
	}

	close(sink.block)
	waitFor(t, time.Second, func() bool { return sink.sent.Load() >= 2 })
}

func TestScheduler_FirstFrameDelay(t *testing.T) {
	cam := &fakeCamera{}
	sink := &fakeSink{}
	s := NewScheduler(SchedulerConfig{
		Camera:          cam,
		Sink:            sink,
		FirstFrameDelay: 10 * time.Millisecond,
		Logger:          testLogger(),
	})

	if err := s.Start(context.Background(), time.Hour, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return sink.sent.Load() == 1 })
}

func TestScheduler_StopReleasesCamera(t *testing.T) {
	cam := &fakeCamera{}
	s := NewScheduler(SchedulerConfig{Camera: cam, Sink: &fakeSink{}, Logger: testLogger()})

	if err := s.Start(context.Background(), 10*time.Millisecond, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()
	s.Stop()

	if _, closes := cam.counts(); closes != 1 {
		t.Errorf("expected camera closed once, got %d", closes)
	}
	if s.Running() {
		t.Error("scheduler should be stopped")
	}

	grabs, _ := cam.counts()
	time.Sleep(40 * time.Millisecond)
	if after, _ := cam.counts(); after != grabs {
		t.Errorf("grabs continued after Stop: %d -> %d", grabs, after)
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := NewScheduler(SchedulerConfig{Camera: &fakeCamera{}, Sink: &fakeSink{}, Logger: testLogger()})
	if err := s.Start(context.Background(), time.Hour, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background(), time.Hour, nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}
