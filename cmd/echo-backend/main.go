// Command echo-backend is a stand-in perception backend for local runs. It
// accepts frames on both transports and answers every frame with a rotating
// canned detection payload.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type threat struct {
	ID          int    `json:"id"`
	Object      string `json:"object"`
	Position    string `json:"position"`
	Distance    string `json:"distance"`
	ThreatLevel string `json:"threat_level"`
	Assessment  string `json:"assessment,omitempty"`
}

type object struct {
	Name       string  `json:"name"`
	Position   string  `json:"position"`
	Distance   string  `json:"distance"`
	Confidence float64 `json:"confidence"`
}

var scenes = []struct {
	threats []threat
	objects []object
}{
	{objects: []object{{Name: "person", Position: "center", Distance: "2 meters", Confidence: 0.91}}},
	{objects: []object{
		{Name: "chair", Position: "left", Distance: "1 meter", Confidence: 0.82},
		{Name: "cat", Position: "right", Distance: "3 meters", Confidence: 0.4},
	}},
	{threats: []threat{{ID: 1, Object: "car", Position: "right", Distance: "5 meters", ThreatLevel: "high", Assessment: "Car approaching on your right."}}},
}

type backend struct {
	log    *slog.Logger
	frames atomic.Uint64

	mu      sync.Mutex
	streams map[string]chan []byte
}

func (b *backend) nextScene() []byte {
	n := b.frames.Add(1)
	scene := scenes[int(n-1)%len(scenes)]
	data, _ := json.Marshal(map[string]any{
		"timestamp": time.Now().Format("2006-01-02T15:04:05.000000"),
		"threats":   nonNil(scene.threats),
		"objects":   nonNil(scene.objects),
	})
	return data
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	b.log.Info("socket client connected", "remote", r.RemoteAddr)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.log.Info("socket client gone", "error", err)
			return
		}
		if !strings.HasPrefix(string(data), "data:image/") {
			b.log.Warn("ignoring non-frame message", "bytes", len(data))
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, b.nextScene()); err != nil {
			b.log.Error("write failed", "error", err)
			return
		}
	}
}

func (b *backend) handleFrame(w http.ResponseWriter, r *http.Request) {
	clientID := r.Header.Get("client-id")
	var body struct {
		Frame     string `json:"frame"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !strings.HasPrefix(body.Frame, "data:image/") {
		http.Error(w, "invalid frame", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	stream, ok := b.streams[clientID]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "unknown client", http.StatusNotFound)
		return
	}

	select {
	case stream <- b.nextScene():
	default:
		b.log.Warn("stream backlog full, dropping result", "client_id", clientID)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"processing"}`))
}

func (b *backend) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}

	stream := make(chan []byte, 8)
	b.mu.Lock()
	b.streams[clientID] = stream
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.streams, clientID)
		b.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", clientID)
	flusher.Flush()
	b.log.Info("stream client connected", "client_id", clientID)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case data := <-stream:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func main() {
	addr := os.Getenv("ECHO_BACKEND_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8000"
	}

	b := &backend{
		log:     slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "echo-backend"),
		streams: make(map[string]chan []byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleSocket)
	mux.HandleFunc("POST /process-frame", b.handleFrame)
	mux.HandleFunc("GET /stream", b.handleStream)

	b.log.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		b.log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
