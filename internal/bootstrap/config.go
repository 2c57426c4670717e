package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/eleven-am/sightline/internal/transport"
)

type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`

	TransportMode string        `env:"TRANSPORT_MODE" envDefault:"socket"`
	SocketURL     string        `env:"SOCKET_URL" envDefault:"ws://localhost:8000/ws"`
	FrameURL      string        `env:"FRAME_URL" envDefault:"http://localhost:8000/process-frame"`
	StreamURL     string        `env:"STREAM_URL" envDefault:"http://localhost:8000/stream"`
	ClientID      string        `env:"CLIENT_ID"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`

	CameraURL       string        `env:"CAMERA_URL"`
	CameraTimeout   time.Duration `env:"CAMERA_TIMEOUT" envDefault:"5s"`
	CaptureInterval time.Duration `env:"CAPTURE_INTERVAL" envDefault:"5s"`
	FirstFrameDelay time.Duration `env:"FIRST_FRAME_DELAY" envDefault:"500ms"`
	FrameQuality    int           `env:"FRAME_QUALITY" envDefault:"60"`
	FrameMaxWidth   int           `env:"FRAME_MAX_WIDTH" envDefault:"640"`
	FrameMaxHeight  int           `env:"FRAME_MAX_HEIGHT" envDefault:"480"`

	MinConfidence float64       `env:"MIN_CONFIDENCE" envDefault:"0.65"`
	Cooldown      time.Duration `env:"COOLDOWN" envDefault:"5s"`
	QueueMax      int           `env:"QUEUE_MAX" envDefault:"5"`

	SpeechCommand      string        `env:"SPEECH_COMMAND" envDefault:"espeak-ng"`
	SpeechArgs         []string      `env:"SPEECH_ARGS" envSeparator:"," envDefault:"-s,{rate},{text}"`
	SpeechRate         float64       `env:"SPEECH_RATE" envDefault:"1.2"`
	SpeechTimeout      time.Duration `env:"SPEECH_TIMEOUT" envDefault:"30s"`
	SpeechPollInterval time.Duration `env:"SPEECH_POLL_INTERVAL" envDefault:"500ms"`
	SpeechPause        time.Duration `env:"SPEECH_PAUSE" envDefault:"300ms"`

	Autostart bool `env:"AUTOSTART" envDefault:"false"`
}

// baseWordsPerMinute is the synthesizer speed SPEECH_RATE scales.
const baseWordsPerMinute = 175

// LoadConfig reads an optional dotenv file and then the process environment.
// An explicitly named file must exist; the default .env is optional.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.TransportMode {
	case transport.ModeSocket:
		if c.SocketURL == "" {
			return errors.New("SOCKET_URL is required in socket mode")
		}
	case transport.ModeSplit:
		if c.FrameURL == "" || c.StreamURL == "" {
			return errors.New("FRAME_URL and STREAM_URL are required in split mode")
		}
	default:
		return fmt.Errorf("TRANSPORT_MODE must be %q or %q, got %q", transport.ModeSocket, transport.ModeSplit, c.TransportMode)
	}
	if c.CaptureInterval <= 0 {
		return errors.New("CAPTURE_INTERVAL must be positive")
	}
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return fmt.Errorf("MIN_CONFIDENCE must be within (0, 1], got %v", c.MinConfidence)
	}
	if c.QueueMax <= 0 {
		return errors.New("QUEUE_MAX must be positive")
	}
	return nil
}

// SpeechArguments expands the {rate} placeholder into words per minute.
// The {text} placeholder is left for the synthesizer.
func (c *Config) SpeechArguments() []string {
	wpm := strconv.Itoa(int(baseWordsPerMinute * c.SpeechRate))
	args := make([]string, 0, len(c.SpeechArgs))
	for _, a := range c.SpeechArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		args = append(args, strings.ReplaceAll(a, "{rate}", wpm))
	}
	return args
}
