package tunnelkeeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelkeeper_connect_attempts_total", Help: "Session connect attempts"})
	metricConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelkeeper_connect_failures_total", Help: "Session connect failures by kind"}, []string{"kind"})
	metricSessionsActive  = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelkeeper_sessions_active", Help: "Sessions currently serving"})
	metricReconnects      = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelkeeper_reconnects_total", Help: "Serving sessions lost and scheduled for reconnect"})
	metricChannelsActive  = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelkeeper_channels_active", Help: "Channels currently bridged"})
	metricChannelsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelkeeper_channels_total", Help: "Inbound channels accepted"})
	metricBridgeErrors    = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelkeeper_bridge_errors_total", Help: "Bridges that ended with an error"})
	metricBridgedBytes    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelkeeper_bridged_bytes_total", Help: "Bytes copied across bridges by direction"}, []string{"direction"})
)

func failLabel(err error) string {
	if k, ok := kindOf(err); ok {
		return k.String()
	}
	return "unknown"
}
