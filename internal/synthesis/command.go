package synthesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/sightline/internal/shared"
)

const (
	defaultTimeout  = 30 * time.Second
	textPlaceholder = "{text}"
)

// CommandSynthesizer speaks through a local text-to-speech program such as
// espeak-ng, spd-say or say.
type CommandSynthesizer struct {
	path    string
	args    []string
	timeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewCommandSynthesizer(cfg Config) (*CommandSynthesizer, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("no speech command configured: %w", shared.ErrSpeechUnavailable)
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w: %w", cfg.Command, shared.ErrSpeechUnavailable, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &CommandSynthesizer{
		path:    path,
		args:    cfg.Args,
		timeout: cfg.Timeout,
	}, nil
}

func (s *CommandSynthesizer) IsAvailable() bool {
	return s.path != ""
}

func (s *CommandSynthesizer) Speak(text string, cb Callbacks) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrBusy
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	args, stdin := s.buildArgs(text)
	cmd := exec.CommandContext(ctx, s.path, args...)
	if stdin != "" {
		// stdin must be wired before Start or the child can race the write.
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("start %s: %w", s.path, err)
	}
	s.cancel = cancel
	s.mu.Unlock()

	cb.start()
	go s.wait(ctx, cancel, cmd, &stderr, cb)
	return nil
}

func (s *CommandSynthesizer) wait(ctx context.Context, cancel context.CancelFunc, cmd *exec.Cmd, stderr *bytes.Buffer, cb Callbacks) {
	err := cmd.Wait()

	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
	cancel()

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		cb.fail(fmt.Errorf("speech timed out after %v", s.timeout))
	case ctx.Err() != nil:
		cb.fail(ctx.Err())
	case err != nil:
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			cb.fail(fmt.Errorf("speech command failed: %w: %s", err, msg))
			return
		}
		cb.fail(fmt.Errorf("speech command failed: %w", err))
	default:
		cb.end()
	}
}

// Cancel stops the running utterance, if any. The utterance reports
// context.Canceled through OnError.
func (s *CommandSynthesizer) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *CommandSynthesizer) buildArgs(text string) ([]string, string) {
	args := make([]string, 0, len(s.args))
	substituted := false
	for _, a := range s.args {
		if strings.Contains(a, textPlaceholder) {
			a = strings.ReplaceAll(a, textPlaceholder, text)
			substituted = true
		}
		args = append(args, a)
	}
	if substituted {
		return args, ""
	}
	return args, text
}

// Unavailable is used when no speech program exists. Every Speak fails with
// shared.ErrSpeechUnavailable.
type Unavailable struct{}

func (Unavailable) Speak(string, Callbacks) error { return shared.ErrSpeechUnavailable }
func (Unavailable) Cancel() {}
func (Unavailable) IsAvailable() bool { return false }
