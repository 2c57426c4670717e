package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/shared"
	"github.com/eleven-am/sightline/internal/vision"
)

const (
	clientIDHeader       = "client-id"
	maxAckBody           = 64 * 1024
	maxEventSize         = 1 << 20
	defaultPostWait      = 15 * time.Second
	defaultHandshakeWait = 10 * time.Second
)

type SplitConfig struct {
	FrameURL     string
	StreamURL    string
	ClientID     string
	Client       *http.Client
	StreamClient *http.Client
	// HandshakeTimeout bounds the wait for the stream's response headers.
	HandshakeTimeout time.Duration
	Decoder          *detection.Decoder
	Observer         Observer
	Logger           *slog.Logger
}

type framePayload struct {
	Frame     string `json:"frame"`
	Timestamp string `json:"timestamp"`
}

// SplitChannel posts frames over plain HTTP and receives events on a
// server-sent event stream keyed by the client id.
type SplitChannel struct {
	*hub

	frameURL      string
	streamURL     string
	fixedID       string
	client        *http.Client
	streamClient  *http.Client
	handshakeWait time.Duration

	connMu sync.Mutex
	stream *eventStream
}

type eventStream struct {
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
}

func NewSplitChannel(cfg SplitConfig) *SplitChannel {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultPostWait}
	}
	streamClient := cfg.StreamClient
	if streamClient == nil {
		streamClient = &http.Client{}
	}
	handshakeWait := cfg.HandshakeTimeout
	if handshakeWait <= 0 {
		handshakeWait = defaultHandshakeWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SplitChannel{
		hub:           newHub(cfg.Decoder, cfg.Observer, logger.With("component", "split-channel")),
		frameURL:      cfg.FrameURL,
		streamURL:     cfg.StreamURL,
		fixedID:       cfg.ClientID,
		client:        client,
		streamClient:  streamClient,
		handshakeWait: handshakeWait,
	}
}

func (c *SplitChannel) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.stream != nil && c.State() == StateConnected {
		return nil
	}

	c.setState(StateConnecting, nil)

	clientID := c.fixedID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c.setClientID(clientID)

	endpoint, err := url.Parse(c.streamURL)
	if err != nil {
		return c.connectFailed(0, fmt.Errorf("parse stream url: %w", err))
	}
	q := endpoint.Query()
	q.Set("client_id", clientID)
	endpoint.RawQuery = q.Encode()

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		cancel()
		return c.connectFailed(0, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(clientIDHeader, clientID)

	handshakeCtx, handshakeDone := context.WithTimeout(ctx, c.handshakeWait)
	defer handshakeDone()
	stop := context.AfterFunc(handshakeCtx, cancel)
	resp, err := c.streamClient.Do(req)
	if !stop() && err == nil {
		resp.Body.Close()
		err = handshakeCtx.Err()
	}
	if err != nil {
		cancel()
		return c.connectFailed(0, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return c.connectFailed(resp.StatusCode, errors.New(http.StatusText(resp.StatusCode)))
	}

	stream := &eventStream{cancel: cancel, done: make(chan struct{})}
	c.stream = stream
	c.setState(StateConnected, nil)

	go c.readLoop(stream, resp.Body)
	return nil
}

func (c *SplitChannel) connectFailed(status int, err error) error {
	terr := &shared.TransportError{Op: "connect", Status: status, Err: err}
	c.setState(StateErrored, terr)
	return terr
}

func (c *SplitChannel) Send(ctx context.Context, frame *vision.Frame) (*Ack, error) {
	if c.State() != StateConnected {
		return nil, &shared.TransportError{Op: "send", Err: shared.ErrNotConnected}
	}

	body, err := json.Marshal(framePayload{
		Frame:     frame.DataURL(),
		Timestamp: frame.CapturedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.frameURL, bytes.NewReader(body))
	if err != nil {
		return nil, &shared.TransportError{Op: "send", Err: err}
	}
	clientID := c.ClientID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(clientIDHeader, clientID)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &shared.TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &shared.TransportError{
			Op:     "send",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("backend rejected frame: %s", bytes.TrimSpace(raw)),
		}
	}

	ack := &Ack{ClientID: clientID, At: time.Now()}
	if len(raw) > 0 {
		var decoded map[string]any
		if json.Unmarshal(raw, &decoded) == nil {
			ack.Body = decoded
		}
	}
	return ack, nil
}

func (c *SplitChannel) Close() error {
	c.connMu.Lock()
	stream := c.stream
	c.stream = nil
	c.connMu.Unlock()

	if stream != nil {
		stream.closing.Store(true)
		stream.cancel()
		<-stream.done
	}
	c.setState(StateDisconnected, nil)
	return nil
}

func (c *SplitChannel) readLoop(stream *eventStream, body io.ReadCloser) {
	defer close(stream.done)
	defer body.Close()

	for msg, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			c.streamEnded(stream, err)
			return
		}

		ev, err := c.decoder.DecodePush(msg.Type, []byte(msg.Data))
		if err != nil {
			c.decodeFailed(detection.SourcePush, err)
			continue
		}
		c.handle(ev, true)
	}
	c.streamEnded(stream, io.EOF)
}

func (c *SplitChannel) streamEnded(stream *eventStream, err error) {
	if stream.closing.Load() {
		return
	}

	c.connMu.Lock()
	if c.stream == stream {
		c.stream = nil
	}
	c.connMu.Unlock()
	stream.cancel()

	if errors.Is(err, io.EOF) {
		err = errors.New("event stream closed by backend")
	}
	terr := &shared.TransportError{Op: "read", Err: err}
	c.setState(StateErrored, terr)
	c.emit(lostEvent("event stream lost", err))
}
