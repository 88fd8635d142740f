package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus-backed implementation of server.MetricsCollector
// (and the equivalent collectors in internal/admin, internal/portmgr,
// internal/acme). A single instance is meant to be shared process-wide and
// registered once against a prometheus.Registerer.
type Metrics struct {
	Connections     *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	TransferBytes   *prometheus.CounterVec
	TransferSeconds *prometheus.HistogramVec
	CommandTotal    *prometheus.CounterVec
	CommandSeconds  *prometheus.HistogramVec
	AuthAttempts    *prometheus.CounterVec
	AdminFrames     *prometheus.CounterVec
	PortsLeased     prometheus.Gauge
	AutobanActive   prometheus.Gauge
	AcmeOperations  *prometheus.CounterVec
}

// NewMetrics constructs and registers the metric set. Reg may be
// prometheus.DefaultRegisterer or a test-local registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "connections_total",
			Help:      "Accepted/rejected control connections by reason.",
		}, []string{"accepted", "reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "sessions_active",
			Help:      "Number of currently active FTP sessions.",
		}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved across data channels by direction.",
		}, []string{"direction"}),
		TransferSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "transfer_seconds",
			Help:      "RETR/STOR/APPE/STOU duration by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		CommandTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "commands_total",
			Help:      "FTP command executions by command and outcome.",
		}, []string{"command", "success"}),
		CommandSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Name:      "command_seconds",
			Help:      "FTP command execution duration by command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by user and outcome.",
		}, []string{"user", "success"}),
		AdminFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "admin_frames_total",
			Help:      "Administration RPC frames by direction and message kind.",
		}, []string{"direction", "kind"}),
		PortsLeased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "pasv_ports_leased",
			Help:      "Currently leased PASV ports.",
		}),
		AutobanActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Name:      "autoban_active",
			Help:      "Currently banned peer addresses.",
		}),
		AcmeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Name:      "acme_operations_total",
			Help:      "ACME client operations by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.ActiveSessions, m.TransferBytes, m.TransferSeconds,
			m.CommandTotal, m.CommandSeconds, m.AuthAttempts,
			m.AdminFrames, m.PortsLeased, m.AutobanActive, m.AcmeOperations,
		)
	}
	return m
}

// RecordConnection implements server.MetricsCollector.
func (m *Metrics) RecordConnection(accepted bool, reason string) {
	if m == nil {
		return
	}
	a := "false"
	if accepted {
		a = "true"
	}
	m.Connections.WithLabelValues(a, reason).Inc()
	if accepted {
		m.ActiveSessions.Inc()
	}
}

// RecordDisconnect decrements the active session gauge.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// RecordTransfer implements server.MetricsCollector. operation is "RETR",
// "STOR", "APPE", "STOU" or "LIST"/"NLST"/"MLSD"; the direction label on
// TransferBytes is derived from it so RETR/LIST-family reads count as "out"
// and STOR/APPE/STOU writes count as "in".
func (m *Metrics) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	direction := "out"
	switch operation {
	case "STOR", "APPE", "STOU":
		direction = "in"
	}
	m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	m.TransferSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCommand implements server.MetricsCollector.
func (m *Metrics) RecordCommand(cmd string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.CommandTotal.WithLabelValues(cmd, strconv.FormatBool(success)).Inc()
	m.CommandSeconds.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordAuthentication implements server.MetricsCollector.
func (m *Metrics) RecordAuthentication(success bool, user string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(user, strconv.FormatBool(success)).Inc()
}
