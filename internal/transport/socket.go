package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/shared"
	"github.com/eleven-am/sightline/internal/vision"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

type SocketConfig struct {
	URL      string
	Header   http.Header
	Dialer   *websocket.Dialer
	Decoder  *detection.Decoder
	Observer Observer
	Logger   *slog.Logger
}

// SocketChannel carries frames and events over one websocket. Frames go out
// as text messages holding the JPEG data URL; every inbound text message is
// one event.
type SocketChannel struct {
	*hub

	url    string
	header http.Header
	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *socketConn
}

type socketConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	closing atomic.Bool
}

func NewSocketChannel(cfg SocketConfig) *SocketChannel {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  64 * 1024,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketChannel{
		hub:    newHub(cfg.Decoder, cfg.Observer, logger.With("component", "socket-channel")),
		url:    cfg.URL,
		header: cfg.Header,
		dialer: dialer,
	}
}

func (c *SocketChannel) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil && c.State() == StateConnected {
		return nil
	}

	c.setState(StateConnecting, nil)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		terr := &shared.TransportError{Op: "connect", Err: err}
		if resp != nil {
			terr.Status = resp.StatusCode
		}
		c.setState(StateErrored, terr)
		return terr
	}

	conn := &socketConn{ws: ws, done: make(chan struct{})}
	c.conn = conn
	c.setState(StateConnected, nil)

	go c.readPump(conn)
	go c.pingPump(conn)
	return nil
}

func (c *SocketChannel) Send(ctx context.Context, frame *vision.Frame) (*Ack, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || c.State() != StateConnected {
		return nil, &shared.TransportError{Op: "send", Err: shared.ErrNotConnected}
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.writeMu.Lock()
	_ = conn.ws.SetWriteDeadline(deadline)
	err := conn.ws.WriteMessage(websocket.TextMessage, []byte(frame.DataURL()))
	conn.writeMu.Unlock()
	if err != nil {
		return nil, &shared.TransportError{Op: "send", Err: err}
	}

	return &Ack{ClientID: c.ClientID(), At: time.Now()}, nil
}

func (c *SocketChannel) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		c.setState(StateDisconnected, nil)
		return nil
	}

	conn.closing.Store(true)
	conn.writeMu.Lock()
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.writeMu.Unlock()
	err := conn.ws.Close()
	<-conn.done

	c.setState(StateDisconnected, nil)
	return err
}

func (c *SocketChannel) readPump(conn *socketConn) {
	defer close(conn.done)

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.ws.SetPingHandler(func(data string) error {
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		return conn.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		msgType, message, err := conn.ws.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, err := c.decoder.DecodeSocket(message)
		if err != nil {
			c.decodeFailed(detection.SourceSocket, err)
			continue
		}
		c.handle(ev, false)
	}
}

func (c *SocketChannel) pingPump(conn *socketConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			conn.writeMu.Lock()
			err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *SocketChannel) connectionLost(conn *socketConn, err error) {
	if conn.closing.Load() {
		return
	}

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.ws.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.setState(StateDisconnected, err)
		c.emit(lostEvent("backend closed the connection", nil))
		return
	}

	terr := &shared.TransportError{Op: "read", Err: err}
	if errors.Is(err, websocket.ErrReadLimit) {
		c.logger.Error("inbound message exceeded read limit", "limit", maxMessageSize)
	}
	c.setState(StateErrored, terr)
	c.emit(lostEvent("connection lost", err))
}
