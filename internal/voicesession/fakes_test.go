package voicesession

import (
	"context"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/shared"
	"github.com/eleven-am/sightline/internal/synthesis"
	"github.com/eleven-am/sightline/internal/transport"
	"github.com/eleven-am/sightline/internal/vision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// fakeSynth holds every utterance open until the test finishes it.
type fakeSynth struct {
	mu        sync.Mutex
	spoken    []string
	spokenAt  []time.Time
	pending   []synthesis.Callbacks
	failedAt  []time.Time
	cancels   int
	err       error
	available bool
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{available: true}
}

func (f *fakeSynth) Speak(text string, cb synthesis.Callbacks) error {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.failedAt = append(f.failedAt, time.Now())
		f.mu.Unlock()
		return err
	}
	f.spoken = append(f.spoken, text)
	f.spokenAt = append(f.spokenAt, time.Now())
	f.pending = append(f.pending, cb)
	f.mu.Unlock()

	if cb.OnStart != nil {
		cb.OnStart()
	}
	return nil
}

func (f *fakeSynth) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeSynth) IsAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeSynth) finishNext() {
	f.mu.Lock()
	if len(f.pending) == 0 {
		f.mu.Unlock()
		return
	}
	cb := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()

	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

func (f *fakeSynth) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func (f *fakeSynth) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSynth) failures() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.failedAt...)
}

func (f *fakeSynth) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

type fakeCamera struct {
	mu      sync.Mutex
	openErr error
	opens   int
	closes  int
}

func (c *fakeCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opens++
	return nil
}

func (c *fakeCamera) Grab(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 16, 12)), nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeCamera) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeChannel struct {
	mu         sync.Mutex
	state      transport.State
	clientID   string
	connectErr error
	gate       chan struct{}
	connects   int
	sent       int
	closes     int
	handlers   []func(detection.Event)
	listeners  []func(transport.State, error)
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	gate := c.gate
	c.mu.Unlock()

	c.setState(transport.StateConnecting, nil)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			err = &shared.TransportError{Op: "connect", Err: ctx.Err()}
		}
	}
	if err != nil {
		c.setState(transport.StateErrored, err)
		return err
	}
	c.setState(transport.StateConnected, nil)
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, frame *vision.Frame) (*transport.Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return &transport.Ack{ClientID: c.clientID, At: time.Now()}, nil
}

func (c *fakeChannel) Subscribe(handler func(detection.Event)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
}

func (c *fakeChannel) OnStateChange(listener func(transport.State, error)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()
}

func (c *fakeChannel) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.setState(transport.StateDisconnected, nil)
	return nil
}

func (c *fakeChannel) setState(state transport.State, err error) {
	c.mu.Lock()
	c.state = state
	listeners := append([]func(transport.State, error){}, c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l(state, err)
	}
}

func (c *fakeChannel) emit(ev detection.Event) {
	c.mu.Lock()
	handlers := append([]func(detection.Event){}, c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *fakeChannel) counts() (connects, sent, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.sent, c.closes
}
