package bootstrap

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/eleven-am/sightline/internal/announce"
	"github.com/eleven-am/sightline/internal/detection"
	"github.com/eleven-am/sightline/internal/metrics"
	"github.com/eleven-am/sightline/internal/synthesis"
	"github.com/eleven-am/sightline/internal/transport"
	"github.com/eleven-am/sightline/internal/vision"
	"github.com/eleven-am/sightline/internal/voicesession"
)

func ProvideSpeechDevice(cfg *Config, logger *slog.Logger) *synthesis.Device {
	synth, err := synthesis.NewCommandSynthesizer(synthesis.Config{
		Command: cfg.SpeechCommand,
		Args:    cfg.SpeechArguments(),
		Timeout: cfg.SpeechTimeout,
	})
	if err != nil {
		logger.Warn("speech disabled", "command", cfg.SpeechCommand, "error", err)
		return synthesis.NewDevice(synthesis.Unavailable{}, logger)
	}
	logger.Info("speech ready", "command", cfg.SpeechCommand, "rate", cfg.SpeechRate)
	return synthesis.NewDevice(synth, logger)
}

func ProvideCamera(cfg *Config, logger *slog.Logger) vision.Camera {
	return vision.NewSnapshotCamera(cfg.CameraURL, cfg.CameraTimeout, logger)
}

func ProvideChannelFactory(cfg *Config, decoder *detection.Decoder, m *metrics.Metrics, logger *slog.Logger) voicesession.ChannelFactory {
	return func() (transport.Channel, error) {
		return transport.New(transport.Config{
			Mode:      cfg.TransportMode,
			SocketURL: cfg.SocketURL,
			FrameURL:  cfg.FrameURL,
			StreamURL: cfg.StreamURL,
			ClientID:  cfg.ClientID,
			Decoder:   decoder,
			Observer:  m,
			Logger:    logger,
		})
	}
}

type ManagerParams struct {
	fx.In

	Config     *Config
	Device     *synthesis.Device
	Camera     vision.Camera
	NewChannel voicesession.ChannelFactory
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func ProvideSessionManager(lc fx.Lifecycle, p ManagerParams) *voicesession.Manager {
	cfg := p.Config
	mgr := voicesession.NewManager(voicesession.ManagerConfig{
		Device:          p.Device,
		NewChannel:      p.NewChannel,
		Camera:          p.Camera,
		Encoder:         vision.NewEncoder(cfg.FrameQuality, cfg.FrameMaxWidth, cfg.FrameMaxHeight),
		Interval:        cfg.CaptureInterval,
		FirstFrameDelay: cfg.FirstFrameDelay,
		SendTimeout:     cfg.SendTimeout,
		Queue: announce.Config{
			MinConfidence: cfg.MinConfidence,
			Cooldown:      cfg.Cooldown,
			MaxLength:     cfg.QueueMax,
		},
		PollInterval:    cfg.SpeechPollInterval,
		Pause:           cfg.SpeechPause,
		QueueObserver:   p.Metrics,
		CaptureObserver: p.Metrics,
		EngineObserver:  p.Metrics,
		Log:             p.Logger,
	})

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return mgr.Close()
		},
	})
	return mgr
}

// Autostart begins a session as soon as the app is up. A failure is logged
// and the control API can retry.
func Autostart(lc fx.Lifecycle, cfg *Config, mgr *voicesession.Manager, logger *slog.Logger) {
	if !cfg.Autostart {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if _, err := mgr.Start(context.Background()); err != nil {
					logger.Error("autostart failed", "error", err)
				}
			}()
			return nil
		},
	})
}

var PipelineModule = fx.Options(
	fx.Provide(
		metrics.New,
		detection.NewDecoder,
		ProvideSpeechDevice,
		ProvideCamera,
		ProvideChannelFactory,
		ProvideSessionManager,
	),
	fx.Invoke(Autostart),
)
