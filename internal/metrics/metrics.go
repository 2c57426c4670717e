package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleven-am/sightline/internal/announce"
	"github.com/eleven-am/sightline/internal/detection"
)

const namespace = "sightline"

// Metrics holds the pipeline collectors on a private registry. It observes
// the capture scheduler, the transport, the announcement queue and the
// speech engine.
type Metrics struct {
	registry *prometheus.Registry

	framesCaptured prometheus.Counter
	framesSkipped  *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	sendLatency    prometheus.Histogram

	events        *prometheus.CounterVec
	decodeFailure *prometheus.CounterVec

	admitted  prometheus.Counter
	rejected  *prometheus.CounterVec
	truncated prometheus.Counter

	utterances     *prometheus.CounterVec
	speaking       prometheus.Gauge
	speechDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames grabbed and encoded by the capture scheduler.",
		}),
		framesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Capture cycles that did not send a frame, by reason.",
		}, []string{"reason"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport, by result.",
		}, []string{"result"}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_send_seconds",
			Help:      "Time from handing a frame to the transport until it was acknowledged.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_events_total",
			Help:      "Events received from the perception backend, by kind.",
		}, []string{"kind"}),
		decodeFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_decode_failures_total",
			Help:      "Inbound payloads that could not be decoded, by source.",
		}, []string{"source"}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_admitted_total",
			Help:      "Announcements admitted to the queue.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_rejected_total",
			Help:      "Detections rejected at admission, by reason.",
		}, []string{"reason"}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcements_truncated_total",
			Help:      "Queued announcements dropped to keep the queue bounded.",
		}),
		utterances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Finished utterances, by result.",
		}, []string{"result"}),
		speaking: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaking",
			Help:      "1 while an utterance is playing.",
		}),
		speechDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_seconds",
			Help:      "Duration of completed utterances.",
			Buckets:   prometheus.LinearBuckets(0.5, 0.5, 10),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesCaptured,
		m.framesSkipped,
		m.framesSent,
		m.sendLatency,
		m.events,
		m.decodeFailure,
		m.admitted,
		m.rejected,
		m.truncated,
		m.utterances,
		m.speaking,
		m.speechDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameCaptured() {
	m.framesCaptured.Inc()
}

func (m *Metrics) FrameSkipped(reason string) {
	m.framesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameSent(latency time.Duration, err error) {
	if err != nil {
		m.framesSent.WithLabelValues("error").Inc()
		return
	}
	m.framesSent.WithLabelValues("ok").Inc()
	m.sendLatency.Observe(latency.Seconds())
}

func (m *Metrics) EventReceived(kind detection.Kind) {
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) DecodeFailed(source string) {
	m.decodeFailure.WithLabelValues(source).Inc()
}

func (m *Metrics) Admitted(announce.Item) {
	m.admitted.Inc()
}

func (m *Metrics) Rejected(_ string, reason announce.RejectReason) {
	m.rejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Truncated(dropped int) {
	m.truncated.Add(float64(dropped))
}

func (m *Metrics) UtteranceStarted() {
	m.speaking.Set(1)
}

func (m *Metrics) UtteranceFinished(duration time.Duration, err error) {
	m.speaking.Set(0)
	if err != nil {
		m.utterances.WithLabelValues("error").Inc()
		return
	}
	m.utterances.WithLabelValues("ok").Inc()
	m.speechDuration.Observe(duration.Seconds())
}
