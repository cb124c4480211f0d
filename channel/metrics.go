package channel

import (
	"time"

	"xbridge/protocol"
	"xbridge/rpcerr"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors shared by all channels of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	channels       prometheus.Gauge
	droppedLogs    prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registry.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xbridge_frames_sent_total",
			Help: "Frames written to transports, by frame kind",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xbridge_frames_received_total",
			Help: "Frames read from transports, by frame kind",
		}, []string{"kind"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xbridge_calls_total",
			Help: "Outgoing calls, by interface and outcome",
		}, []string{"interface", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xbridge_call_duration_seconds",
			Help:    "Time from call frame to reply",
			Buckets: prometheus.DefBuckets,
		}, []string{"interface"}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xbridge_channels_open",
			Help: "Channels in state ready",
		}),
		droppedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbridge_frame_log_dropped_total",
			Help: "Frame log entries dropped because the sink was full",
		}),
	}

	for name, collector := range map[string]prometheus.Collector{
		"framesSent":     m.framesSent,
		"framesReceived": m.framesReceived,
		"calls":          m.calls,
		"callDuration":   m.callDuration,
		"channels":       m.channels,
		"droppedLogs":    m.droppedLogs,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, errors.Wrapf(err, "Failed to register %s", name)
		}
	}
	return m, nil
}

func (m *Metrics) frameSent(kind protocol.Kind) {
	if m != nil {
		m.framesSent.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) frameReceived(kind protocol.Kind) {
	if m != nil {
		m.framesReceived.WithLabelValues(kind.String()).Inc()
	}
}

func (m *Metrics) observeCall(iface string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(iface, outcome(err)).Inc()
	if elapsed > 0 {
		m.callDuration.WithLabelValues(iface).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) channelOpened() {
	if m != nil {
		m.channels.Inc()
	}
}

func (m *Metrics) channelClosed() {
	if m != nil {
		m.channels.Dec()
	}
}

func (m *Metrics) logDropped() {
	if m != nil {
		m.droppedLogs.Inc()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpcerr.ErrCallTimeout):
		return "timeout"
	case rpcerr.IsFatal(err):
		return "closed"
	}
	return rpcerr.KindOf(err).String()
}
