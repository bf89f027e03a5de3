package monitoring

import (
	"strconv"
	"time"

	"classcast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the metrics hooks of the proxy, the
// orchestrator and the signaling gateway.
type PrometheusCollector struct {
	// RTMP proxy
	rtmpConnections  *prometheus.CounterVec
	rtmpActiveRelays prometheus.Gauge
	rtmpBytes        *prometheus.CounterVec

	// Orchestrator
	liveSessionsActive  prometheus.Gauge
	liveSessionsStarted prometheus.Counter
	liveSessionsEnded   *prometheus.CounterVec
	conversions         *prometheus.CounterVec
	conversionDuration  prometheus.Histogram
	hwAccel             *prometheus.GaugeVec

	// Signaling
	wsConnections *prometheus.GaugeVec
	wsMessages    *prometheus.CounterVec

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers every collector with reg; nil means the
// default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		rtmpConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_rtmp_connections_total",
			Help: "Encoder connections by outcome and rejection reason",
		}, []string{"outcome", "reason"}),

		rtmpActiveRelays: factory.NewGauge(prometheus.GaugeOpts{
			Name: "classcast_rtmp_active_relays",
			Help: "Encoder connections currently relayed to a transcoder",
		}),

		rtmpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_rtmp_relayed_bytes_total",
			Help: "Bytes relayed between encoders and transcoders",
		}, []string{"direction"}),

		liveSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "classcast_live_sessions_active",
			Help: "Live sessions with a running transcoder",
		}),

		liveSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "classcast_live_sessions_started_total",
			Help: "Live sessions started",
		}),

		liveSessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_live_sessions_ended_total",
			Help: "Live sessions ended by reason",
		}, []string{"reason"}),

		conversions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_vod_conversions_total",
			Help: "Class video conversions by outcome",
		}, []string{"outcome"}),

		conversionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "classcast_vod_conversion_duration_seconds",
			Help:    "Wall time of successful and failed conversions",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),

		hwAccel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classcast_transcoder_hw_accel",
			Help: "Detected encode backend, 1 for the active one",
		}, []string{"accel"}),

		wsConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classcast_ws_connections",
			Help: "Open websocket connections by channel",
		}, []string{"channel"}),

		wsMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_ws_messages_total",
			Help: "Websocket messages received by channel and type",
		}, []string{"channel", "type"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classcast_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classcast_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) RTMPConnectionAccepted() {
	p.rtmpConnections.WithLabelValues("accepted", "").Inc()
}

func (p *PrometheusCollector) RTMPConnectionRejected(reason string) {
	p.rtmpConnections.WithLabelValues("rejected", reason).Inc()
}

func (p *PrometheusCollector) RTMPRelayStarted()  { p.rtmpActiveRelays.Inc() }
func (p *PrometheusCollector) RTMPRelayFinished() { p.rtmpActiveRelays.Dec() }

func (p *PrometheusCollector) RTMPBytesRelayed(direction string, n int) {
	p.rtmpBytes.WithLabelValues(direction).Add(float64(n))
}

func (p *PrometheusCollector) LiveSessionStarted() {
	p.liveSessionsStarted.Inc()
	p.liveSessionsActive.Inc()
}

func (p *PrometheusCollector) LiveSessionEnded(reason string) {
	p.liveSessionsEnded.WithLabelValues(reason).Inc()
	p.liveSessionsActive.Dec()
}

func (p *PrometheusCollector) ConversionFinished(outcome string, d time.Duration) {
	p.conversions.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		p.conversionDuration.Observe(d.Seconds())
	}
}

// SetHWAccel marks accel as the active backend.
func (p *PrometheusCollector) SetHWAccel(accel domain.HWAccel) {
	for _, a := range []domain.HWAccel{domain.HWAccelVAAPI, domain.HWAccelNVENC, domain.HWAccelSoftware} {
		v := 0.0
		if a == accel {
			v = 1
		}
		p.hwAccel.WithLabelValues(string(a)).Set(v)
	}
}

func (p *PrometheusCollector) WSConnectionOpened(channel string) {
	p.wsConnections.WithLabelValues(channel).Inc()
}

func (p *PrometheusCollector) WSConnectionClosed(channel string) {
	p.wsConnections.WithLabelValues(channel).Dec()
}

func (p *PrometheusCollector) WSMessage(channel, messageType string) {
	p.wsMessages.WithLabelValues(channel, messageType).Inc()
}

func (p *PrometheusCollector) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
