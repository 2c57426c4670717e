package voicesession

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/sightline/internal/announce"
	"github.com/eleven-am/sightline/internal/shared"
	"github.com/eleven-am/sightline/internal/synthesis"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPause        = 300 * time.Millisecond
)

type SpeechState string

const (
	SpeechIdle     SpeechState = "idle"
	SpeechSpeaking SpeechState = "speaking"
)

type EngineObserver interface {
	UtteranceStarted()
	UtteranceFinished(duration time.Duration, err error)
}

type EngineConfig struct {
	Queue        *announce.Queue
	Speaker      synthesis.Synthesizer
	PollInterval time.Duration
	Pause        time.Duration
	Observer     EngineObserver
	Logger       *slog.Logger
}

// Engine drains the announcement queue one utterance at a time. While an
// utterance plays nothing else is dequeued; once it finishes the next poll
// that lands after the pause picks up the head of the queue.
type Engine struct {
	queue    *announce.Queue
	speaker  synthesis.Synthesizer
	poll     time.Duration
	pause    time.Duration
	observer EngineObserver
	log      *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        SpeechState
	generation   uint64
	current      string
	startedAt    time.Time
	nextEligible time.Time
	silentLogged bool

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Speaker == nil {
		cfg.Speaker = synthesis.Unavailable{}
	}
	return &Engine{
		queue:    cfg.Queue,
		speaker:  cfg.Speaker,
		poll:     cfg.PollInterval,
		pause:    cfg.Pause,
		observer: cfg.Observer,
		log:      cfg.Logger.With("component", "speech-engine"),
		now:      time.Now,
		state:    SpeechIdle,
	}
}

func (e *Engine) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)
}

// Stop silences the device immediately, returns to idle and drops whatever
// is still queued. Callbacks from the cancelled utterance are ignored.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	e.mu.Lock()
	e.generation++
	e.state = SpeechIdle
	e.current = ""
	e.nextEligible = time.Time{}
	e.mu.Unlock()

	e.speaker.Cancel()
	if e.queue != nil {
		e.queue.Clear()
	}
}

func (e *Engine) State() SpeechState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	if e.queue == nil {
		return
	}

	e.mu.Lock()
	if e.state != SpeechIdle || e.now().Before(e.nextEligible) {
		e.mu.Unlock()
		return
	}
	item, ok := e.queue.Dequeue()
	if !ok {
		e.mu.Unlock()
		return
	}
	e.generation++
	gen := e.generation
	e.state = SpeechSpeaking
	e.current = item.Text
	e.startedAt = e.now()
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.UtteranceStarted()
	}

	err := e.speaker.Speak(item.Text, synthesis.Callbacks{
		OnEnd:   func() { e.finish(gen, nil) },
		OnError: func(err error) { e.finish(gen, err) },
	})
	if err != nil {
		e.speakFailed(gen, item, err)
	}
}

func (e *Engine) finish(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.generation || e.state != SpeechSpeaking {
		e.mu.Unlock()
		return
	}
	text := e.current
	elapsed := e.now().Sub(e.startedAt)
	e.state = SpeechIdle
	e.current = ""
	e.nextEligible = e.now().Add(e.pause)
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.UtteranceFinished(elapsed, err)
	}
	if err != nil {
		e.log.Warn("utterance failed", "text", text, "error", err)
		return
	}
	e.log.Debug("utterance finished", "text", text, "duration", elapsed)
}

func (e *Engine) speakFailed(gen uint64, item announce.Item, err error) {
	busy := errors.Is(err, synthesis.ErrBusy)

	e.mu.Lock()
	if gen == e.generation {
		e.state = SpeechIdle
		e.current = ""
		e.nextEligible = e.now().Add(e.pause)
		if busy {
			e.queue.Requeue(item)
		}
	}
	logUnavailable := false
	if errors.Is(err, shared.ErrSpeechUnavailable) && !e.silentLogged {
		e.silentLogged = true
		logUnavailable = true
	}
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.UtteranceFinished(0, err)
	}

	switch {
	case busy:
		e.log.Debug("synthesizer busy, retrying later", "text", item.Text)
	case errors.Is(err, shared.ErrSpeechUnavailable):
		if logUnavailable {
			e.log.Warn("speech unavailable, announcements will be dropped", "error", err)
		}
	case errors.Is(err, shared.ErrDevicePreempted):
		e.log.Warn("speech device taken by another session", "text", item.Text)
	default:
		e.log.Warn("speak failed", "text", item.Text, "error", err)
	}
}
