package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics with lock-free counters.
type Metrics struct {
	startTime time.Time

	TotalConnections  atomic.Int64 // sessions accepted
	ActiveConnections atomic.Int64 // sessions currently running
	TotalDisconnects  atomic.Int64

	Registrations       atomic.Int64 // successful registrations
	RegistrationsDenied atomic.Int64 // duplicate usernames and store failures
	SuccessfulAuths     atomic.Int64
	FailedAuths         atomic.Int64
	ProtocolErrors      atomic.Int64 // invalid type or format

	Broadcasts   atomic.Int64 // chat messages relayed
	Deliveries   atomic.Int64 // frames delivered to peers
	DroppedPeers atomic.Int64 // peers removed after a failed delivery
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time, serialisable view of Metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	Registrations       int64 `json:"registrations"`
	RegistrationsDenied int64 `json:"registrations_denied"`
	SuccessfulAuths     int64 `json:"successful_auths"`
	FailedAuths         int64 `json:"failed_auths"`
	ProtocolErrors      int64 `json:"protocol_errors"`

	Broadcasts   int64 `json:"broadcasts"`
	Deliveries   int64 `json:"deliveries"`
	DroppedPeers int64 `json:"dropped_peers"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		TotalConnections:    m.TotalConnections.Load(),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		Registrations:       m.Registrations.Load(),
		RegistrationsDenied: m.RegistrationsDenied.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		ProtocolErrors:      m.ProtocolErrors.Load(),
		Broadcasts:          m.Broadcasts.Load(),
		Deliveries:          m.Deliveries.Load(),
		DroppedPeers:        m.DroppedPeers.Load(),
	}
}

// JSON returns the snapshot as indented JSON.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to logger.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.ActiveConnections,
		"total_sessions", s.TotalConnections,
		"broadcasts", s.Broadcasts,
		"deliveries", s.Deliveries,
		"dropped_peers", s.DroppedPeers,
		"failed_auths", s.FailedAuths,
	)
}

// StartPeriodicLog logs a summary every interval until done is closed.
func (m *Metrics) StartPeriodicLog(logger *slog.Logger, interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(logger)
			}
		}
	}()
}

// ServeJSON writes the snapshot as JSON.
func (m *Metrics) ServeJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, m.JSON())
}

// ServeHTTP writes every counter in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to the ResponseWriter are not actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP authchat_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE authchat_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "authchat_uptime_seconds %f\n", time.Since(m.startTime).Seconds())

	write("authchat_sessions_active", "Sessions currently connected.", "gauge", m.ActiveConnections.Load())
	write("authchat_sessions_total", "Sessions accepted.", "counter", m.TotalConnections.Load())
	write("authchat_disconnects_total", "Sessions terminated.", "counter", m.TotalDisconnects.Load())
	write("authchat_registrations_total", "Successful registrations.", "counter", m.Registrations.Load())
	write("authchat_registrations_denied_total", "Rejected registrations.", "counter", m.RegistrationsDenied.Load())
	write("authchat_auth_success_total", "Successful message authentications.", "counter", m.SuccessfulAuths.Load())
	write("authchat_auth_failed_total", "Failed message authentications.", "counter", m.FailedAuths.Load())
	write("authchat_protocol_errors_total", "Frames with an invalid type or format.", "counter", m.ProtocolErrors.Load())
	write("authchat_broadcasts_total", "Chat messages relayed.", "counter", m.Broadcasts.Load())
	write("authchat_deliveries_total", "Broadcast frames delivered to peers.", "counter", m.Deliveries.Load())
	write("authchat_dropped_peers_total", "Peers removed after a failed delivery.", "counter", m.DroppedPeers.Load())
}
