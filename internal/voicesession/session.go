package voicesession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/sightline/internal/announce"
	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/synthesis"
	"github.com/eleven-am/sightline/internal/transport"
	"github.com/eleven-am/sightline/internal/vision"
)

type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseStopped  Phase = "stopped"
	PhaseErrored  Phase = "errored"
)

var ErrStoppedWhileStarting = errors.New("session stopped while starting")

// Session is one capture-to-speech run: a camera feeding the channel, and the
// channel's events feeding the announcement queue and speech engine.
type Session struct {
	id        string
	channel   transport.Channel
	scheduler *vision.Scheduler
	engine    *Engine
	queue     *announce.Queue
	lease     *synthesis.Lease
	interval  time.Duration
	log       *slog.Logger

	cancelStart context.CancelFunc
	startDone   chan struct{}

	mu              sync.Mutex
	phase           Phase
	startedAt       time.Time
	lastError       string
	lastDescription string
	stopping        bool

	teardownOnce sync.Once
	onEnded      func(*Session)
}

type sessionDeps struct {
	id              string
	cancelStart     context.CancelFunc
	channel         transport.Channel
	camera          vision.Camera
	encoder         vision.Encoder
	interval        time.Duration
	firstFrameDelay time.Duration
	sendTimeout     time.Duration
	queue           *announce.Queue
	lease           *synthesis.Lease
	pollInterval    time.Duration
	pause           time.Duration
	captureObserver vision.Observer
	engineObserver  EngineObserver
	onEnded         func(*Session)
	log             *slog.Logger
}

func newSession(deps sessionDeps) *Session {
	log := deps.log.With("session_id", deps.id)
	s := &Session{
		id:          deps.id,
		channel:     deps.channel,
		queue:       deps.queue,
		lease:       deps.lease,
		interval:    deps.interval,
		log:         log,
		phase:       PhaseStarting,
		cancelStart: deps.cancelStart,
		startDone:   make(chan struct{}),
		onEnded:     deps.onEnded,
	}
	s.engine = NewEngine(EngineConfig{
		Queue:        deps.queue,
		Speaker:      deps.lease,
		PollInterval: deps.pollInterval,
		Pause:        deps.pause,
		Observer:     deps.engineObserver,
		Logger:       log,
	})
	s.scheduler = vision.NewScheduler(vision.SchedulerConfig{
		Camera:          deps.camera,
		Sink:            s,
		Encoder:         deps.encoder,
		FirstFrameDelay: deps.firstFrameDelay,
		SendTimeout:     deps.sendTimeout,
		Observer:        deps.captureObserver,
		Logger:          log,
	})
	return s
}

func (s *Session) ID() string {
	return s.id
}

// start brings the pipeline up in order: speech, camera, channel. Any failure
// unwinds what was already started and is returned unchanged. Cancelling ctx
// abandons a pending camera acquisition or connect.
func (s *Session) start(ctx context.Context) error {
	defer close(s.startDone)

	s.channel.Subscribe(s.onEvent)
	s.channel.OnStateChange(s.onStateChange)

	s.engine.Start()

	if err := ctx.Err(); err != nil {
		return s.abort(err)
	}

	if err := s.scheduler.Start(ctx, s.interval, s.ready); err != nil {
		return s.abort(err)
	}

	if err := s.channel.Connect(ctx); err != nil {
		s.scheduler.Stop()
		return s.abort(err)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStoppedWhileStarting
	}
	s.phase = PhaseActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.channel.State() != transport.StateConnected {
		go s.teardown(PhaseErrored, "transport dropped during start")
		return nil
	}

	s.log.Info("session started", "client_id", s.channel.ClientID(), "interval", s.interval)
	return nil
}

// abort handles a failed start. When Stop interrupted the start, cleanup is
// left to Stop's teardown.
func (s *Session) abort(err error) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrStoppedWhileStarting
	}
	s.phase = PhaseErrored
	s.lastError = err.Error()
	s.mu.Unlock()

	s.engine.Stop()
	s.lease.Release()

	s.teardownOnce.Do(func() {})
	s.log.Warn("session failed to start", "error", err)
	return err
}

// Stop ends the session: capture halts and the camera is released before
// speech is silenced and the channel closed.
func (s *Session) Stop() {
	s.mu.Lock()
	starting := s.phase == PhaseStarting
	if starting {
		s.stopping = true
	}
	s.mu.Unlock()

	if starting {
		s.cancelStart()
		<-s.startDone
	}
	s.teardown(PhaseStopped, "")
}

func (s *Session) teardown(phase Phase, reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.phase = phase
		if reason != "" {
			s.lastError = reason
		}
		s.mu.Unlock()

		s.scheduler.Stop()
		s.engine.Stop()
		if err := s.channel.Close(); err != nil {
			s.log.Debug("channel close", "error", err)
		}
		s.queue.Reset()
		s.lease.Release()

		if phase == PhaseErrored {
			s.log.Warn("session ended by transport", "reason", reason)
		} else {
			s.log.Info("session stopped")
		}

		if s.onEnded != nil {
			s.onEnded(s)
		}
	})
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) ready() bool {
	return s.channel.State() == transport.StateConnected
}

// Send hands one captured frame to the channel.
func (s *Session) Send(ctx context.Context, frame *vision.Frame) error {
	_, err := s.channel.Send(ctx, frame)
	return err
}

func (s *Session) onStateChange(state transport.State, err error) {
	if state != transport.StateErrored && state != transport.StateDisconnected {
		return
	}
	if s.Phase() != PhaseActive {
		return
	}

	reason := "transport " + state.String()
	if err != nil {
		reason = err.Error()
	}
	go s.teardown(PhaseErrored, reason)
}

func (s *Session) onEvent(ev detection.Event) {
	if s.Phase() != PhaseActive {
		return
	}

	now := time.Now()
	switch ev.Kind {
	case detection.KindDetections:
		admitted := s.queue.Admit(ev.Items, now)
		if len(admitted) > 0 {
			s.log.Debug("announcements admitted", "count", len(admitted), "detections", len(ev.Items))
		}
	case detection.KindDescription:
		s.mu.Lock()
		s.lastDescription = ev.Text
		s.mu.Unlock()
		s.queue.AdmitText(ev.Text, now)
	case detection.KindConnected:
		s.log.Info("backend assigned client id", "client_id", ev.ClientID)
	case detection.KindError:
		s.mu.Lock()
		s.lastError = ev.Message
		s.mu.Unlock()
		s.log.Warn("backend reported error", "message", ev.Message)
	}
}

type Status struct {
	Active          bool            `json:"active"`
	SessionID       string          `json:"session_id,omitempty"`
	Phase           Phase           `json:"phase,omitempty"`
	ClientID        string          `json:"client_id,omitempty"`
	Connection      transport.State `json:"connection"`
	Speech          SpeechState     `json:"speech"`
	Speaking        string          `json:"speaking,omitempty"`
	QueueLength     int             `json:"queue_length"`
	Queue           []string        `json:"queue"`
	LastError       string          `json:"last_error,omitempty"`
	LastDescription string          `json:"last_description,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	phase := s.phase
	lastError := s.lastError
	lastDescription := s.lastDescription
	startedAt := s.startedAt
	s.mu.Unlock()

	items := s.queue.Snapshot()
	texts := make([]string, 0, len(items))
	for _, it := range items {
		texts = append(texts, it.Text)
	}

	st := Status{
		Active:          phase == PhaseActive,
		SessionID:       s.id,
		Phase:           phase,
		ClientID:        s.channel.ClientID(),
		Connection:      s.channel.State(),
		Speech:          s.engine.State(),
		Speaking:        s.engine.Current(),
		QueueLength:     len(texts),
		Queue:           texts,
		LastError:       lastError,
		LastDescription: lastDescription,
	}
	if !startedAt.IsZero() {
		st.StartedAt = &startedAt
	}
	return st
}
