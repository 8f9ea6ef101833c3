// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter and gauge the daemon publishes.
type Metrics struct {
	// Device registry
	DevicesConnected prometheus.Gauge
	DevicesSeen      prometheus.Counter
	ConnectFailures  prometheus.Counter

	// Sessions
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsCrashed prometheus.Counter
	DeployRetries   prometheus.Counter

	// Stream routing
	ActiveSubscribers prometheus.Gauge
	FramesRouted      *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ControlEvents     prometheus.Counter
	ControlRejected   prometheus.Counter
}

// New creates the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DevicesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "droidcast_devices_connected",
			Help: "Number of devices with an active ADB link",
		}),
		DevicesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_devices_seen_total",
			Help: "Total devices discovered by polling",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_connect_failures_total",
			Help: "Total failed device connection attempts",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "droidcast_sessions_active",
			Help: "Number of running streaming sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_sessions_started_total",
			Help: "Total sessions that reached the running state",
		}),
		SessionsCrashed: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_sessions_crashed_total",
			Help: "Total sessions terminated by a helper crash",
		}),
		DeployRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_deploy_retries_total",
			Help: "Total helper deployments that needed a retry",
		}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "droidcast_subscribers_active",
			Help: "Number of attached stream subscribers",
		}),
		FramesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "droidcast_frames_routed_total",
			Help: "Frames delivered to subscriber queues, by stream kind",
		}, []string{"kind"}),
		FramesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "droidcast_frames_dropped_total",
			Help: "Frames dropped from saturated subscriber queues, by stream kind",
		}, []string{"kind"}),
		ControlEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_control_events_total",
			Help: "Control events injected into devices",
		}),
		ControlRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "droidcast_control_rejected_total",
			Help: "Control events rejected due to backpressure or encoding errors",
		}),
	}
}
