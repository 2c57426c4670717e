package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/vision"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateDisconnected, StateConnecting, StateConnected, StateErrored} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown transport state %q", text)
}

const (
	ModeSocket = "socket"
	ModeSplit  = "split"
)

// Ack is the backend's acceptance of one frame. Detection results never
// arrive on the ack; they come back through the event subscription.
type Ack struct {
	ClientID string
	At       time.Time
	Body     map[string]any
}

// Channel is the bidirectional link to the perception backend.
type Channel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, frame *vision.Frame) (*Ack, error)
	Subscribe(handler func(detection.Event))
	OnStateChange(listener func(State, error))
	State() State
	ClientID() string
	Close() error
}

type Observer interface {
	EventReceived(kind detection.Kind)
	DecodeFailed(source string)
}

type Config struct {
	Mode      string
	SocketURL string
	FrameURL  string
	StreamURL string
	ClientID  string
	Decoder   *detection.Decoder
	Observer  Observer
	Logger    *slog.Logger
}

func New(cfg Config) (Channel, error) {
	switch cfg.Mode {
	case ModeSocket, "":
		if cfg.SocketURL == "" {
			return nil, fmt.Errorf("socket transport requires a socket url")
		}
		return NewSocketChannel(SocketConfig{
			URL:      cfg.SocketURL,
			Decoder:  cfg.Decoder,
			Observer: cfg.Observer,
			Logger:   cfg.Logger,
		}), nil
	case ModeSplit:
		if cfg.FrameURL == "" || cfg.StreamURL == "" {
			return nil, fmt.Errorf("split transport requires frame and stream urls")
		}
		return NewSplitChannel(SplitConfig{
			FrameURL:  cfg.FrameURL,
			StreamURL: cfg.StreamURL,
			ClientID:  cfg.ClientID,
			Decoder:   cfg.Decoder,
			Observer:  cfg.Observer,
			Logger:    cfg.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// hub holds what both channel kinds share: live state, the client id,
// subscribers and decode-failure accounting.
type hub struct {
	logger   *slog.Logger
	decoder  *detection.Decoder
	observer Observer

	mu        sync.RWMutex
	state     State
	clientID  string
	handlers  []func(detection.Event)
	listeners []func(State, error)

	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func newHub(decoder *detection.Decoder, observer Observer, logger *slog.Logger) *hub {
	if decoder == nil {
		decoder = detection.NewDecoder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &hub{
		logger:   logger,
		decoder:  decoder,
		observer: observer,
		limiter:  rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
}

func (h *hub) Subscribe(handler func(detection.Event)) {
	if handler == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, handler)
	h.mu.Unlock()
}

func (h *hub) OnStateChange(listener func(State, error)) {
	if listener == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, listener)
	h.mu.Unlock()
}

func (h *hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *hub) ClientID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientID
}

func (h *hub) setClientID(id string) {
	h.mu.Lock()
	h.clientID = id
	h.mu.Unlock()
}

func (h *hub) setState(state State, err error) {
	h.mu.Lock()
	if h.state == state {
		h.mu.Unlock()
		return
	}
	h.state = state
	listeners := append([]func(State, error){}, h.listeners...)
	h.mu.Unlock()

	h.logger.Info("transport state changed", "state", state.String(), "error", err)
	for _, l := range listeners {
		l(state, err)
	}
}

func (h *hub) emit(ev detection.Event) {
	if h.observer != nil {
		h.observer.EventReceived(ev.Kind)
	}

	h.mu.RLock()
	handlers := append([]func(detection.Event){}, h.handlers...)
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// handle runs one decoded payload through id adoption and demux, then fans it
// out to subscribers.
func (h *hub) handle(ev detection.Event, demux bool) {
	if ev.Kind == detection.KindConnected {
		if ev.ClientID != "" && ev.ClientID != h.ClientID() {
			h.logger.Info("adopting server client id", "client_id", ev.ClientID)
			h.setClientID(ev.ClientID)
		}
		h.emit(ev)
		return
	}

	if demux && ev.ClientID != "" && ev.ClientID != h.ClientID() {
		h.logger.Debug("dropping event for another client", "client_id", ev.ClientID, "kind", ev.Kind)
		return
	}
	h.emit(ev)
}

func (h *hub) decodeFailed(source string, err error) {
	if h.observer != nil {
		h.observer.DecodeFailed(source)
	}
	if !h.limiter.Allow() {
		h.suppressed.Add(1)
		return
	}
	h.logger.Warn("dropping undecodable payload", "source", source, "error", err, "suppressed", h.suppressed.Swap(0))
}

func lostEvent(message string, err error) detection.Event {
	if err != nil {
		message = fmt.Sprintf("%s: %v", message, err)
	}
	return detection.Event{Kind: detection.KindError, Message: message, Timestamp: time.Now()}
}
