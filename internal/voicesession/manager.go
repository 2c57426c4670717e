package voicesession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/sightline/internal/announce"
	"github.com/eleven-am/sightline/internal/shared"
	"github.com/eleven-am/sightline/internal/synthesis"
	"github.com/eleven-am/sightline/internal/transport"
	"github.com/eleven-am/sightline/internal/vision"
)

type ChannelFactory func() (transport.Channel, error)

type ManagerConfig struct {
	Device          *synthesis.Device
	NewChannel      ChannelFactory
	Camera          vision.Camera
	Encoder         vision.Encoder
	Interval        time.Duration
	FirstFrameDelay time.Duration
	SendTimeout     time.Duration
	Queue           announce.Config
	PollInterval    time.Duration
	Pause           time.Duration
	QueueObserver   announce.Observer
	CaptureObserver vision.Observer
	EngineObserver  EngineObserver
	Log             *slog.Logger
}

// Manager owns at most one session. Starting a new session while one is
// active stops the old one first.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	current *Session
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Device == nil {
		cfg.Device = synthesis.NewDevice(nil, cfg.Log)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = vision.DefaultInterval
	}
	return &Manager{
		cfg: cfg,
		log: cfg.Log.With("component", "voicesession_manager"),
	}
}

// Start replaces any running session with a new one. The manager lock is only
// held while the session is registered, so Stop and Status stay responsive
// while the camera is acquired and the channel connects.
func (m *Manager) Start(ctx context.Context) (Status, error) {
	if m.cfg.NewChannel == nil || m.cfg.Camera == nil {
		return Status{}, fmt.Errorf("session manager is missing a camera or transport")
	}

	channel, err := m.cfg.NewChannel()
	if err != nil {
		return Status{}, fmt.Errorf("build transport: %w", err)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	prev := m.current
	if prev != nil && prev.Phase() != PhaseStopped && prev.Phase() != PhaseErrored {
		m.log.Info("replacing session", "session_id", prev.ID(), "phase", prev.Phase())
	}

	id := shared.NewID("ses_")
	session := newSession(sessionDeps{
		id:              id,
		cancelStart:     cancel,
		channel:         channel,
		camera:          m.cfg.Camera,
		encoder:         m.cfg.Encoder,
		interval:        m.cfg.Interval,
		firstFrameDelay: m.cfg.FirstFrameDelay,
		sendTimeout:     m.cfg.SendTimeout,
		queue:           announce.NewQueue(m.cfg.Queue, m.cfg.QueueObserver),
		lease:           m.cfg.Device.Acquire(id),
		pollInterval:    m.cfg.PollInterval,
		pause:           m.cfg.Pause,
		captureObserver: m.cfg.CaptureObserver,
		engineObserver:  m.cfg.EngineObserver,
		onEnded:         m.sessionEnded,
		log:             m.log,
	})
	m.current = session
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	if err := session.start(startCtx); err != nil {
		return session.Status(), err
	}
	return session.Status(), nil
}

// Stop ends the current session, including one that is still starting.
func (m *Manager) Stop() error {
	m.mu.Lock()
	session := m.current
	m.mu.Unlock()

	if session == nil {
		return shared.ErrNotFound
	}
	switch session.Phase() {
	case PhaseActive, PhaseStarting:
		session.Stop()
		return nil
	default:
		return shared.ErrNotFound
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	session := m.current
	m.mu.Unlock()

	if session == nil {
		return Status{Connection: transport.StateDisconnected, Speech: SpeechIdle, Queue: []string{}}
	}
	return session.Status()
}

func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.Phase() == PhaseActive
}

func (m *Manager) SpeechAvailable() bool {
	return m.cfg.Device.IsAvailable()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	session := m.current
	m.mu.Unlock()

	if session != nil {
		session.Stop()
	}
	return nil
}

func (m *Manager) sessionEnded(s *Session) {
	m.log.Info("session ended", "session_id", s.ID(), "phase", s.Phase())
}
