package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks coordination service runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	TotalDisconnects  atomic.Int64 // total disconnects (clean + unclean)

	// Registration counters
	SuccessfulRegistrations atomic.Int64
	FailedRegistrations     atomic.Int64
	ChallengesPassed        atomic.Int64 // voice-server UDP challenges passed
	ChallengesFailed        atomic.Int64 // failed or timed-out challenges

	// RPC counters
	RPCsHandled  atomic.Int64 // operator commands dispatched
	RPCErrors    atomic.Int64 // commands answered with Reply{ERROR}
	TokensIssued atomic.Int64 // control + channel tokens minted via RPC
	EventsPushed atomic.Int64 // unsolicited events written to connections

	// Liveness counters
	KeepaliveTimeouts atomic.Int64 // connections closed for missed keepalives
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	SuccessfulRegistrations int64 `json:"successful_registrations"`
	FailedRegistrations     int64 `json:"failed_registrations"`
	ChallengesPassed        int64 `json:"challenges_passed"`
	ChallengesFailed        int64 `json:"challenges_failed"`

	RPCsHandled  int64 `json:"rpcs_handled"`
	RPCErrors    int64 `json:"rpc_errors"`
	TokensIssued int64 `json:"tokens_issued"`
	EventsPushed int64 `json:"events_pushed"`

	KeepaliveTimeouts int64 `json:"keepalive_timeouts"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:                  uptime.Truncate(time.Second).String(),
		UptimeSeconds:           int64(uptime.Seconds()),
		ActiveConnections:       m.ActiveConnections.Load(),
		TotalConnections:        m.TotalConnections.Load(),
		TotalDisconnects:        m.TotalDisconnects.Load(),
		SuccessfulRegistrations: m.SuccessfulRegistrations.Load(),
		FailedRegistrations:     m.FailedRegistrations.Load(),
		ChallengesPassed:        m.ChallengesPassed.Load(),
		ChallengesFailed:        m.ChallengesFailed.Load(),
		RPCsHandled:             m.RPCsHandled.Load(),
		RPCErrors:               m.RPCErrors.Load(),
		TokensIssued:            m.TokensIssued.Load(),
		EventsPushed:            m.EventsPushed.Load(),
		KeepaliveTimeouts:       m.KeepaliveTimeouts.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"registrations", s.SuccessfulRegistrations,
		"rpcs", s.RPCsHandled,
		"rpc_errors", s.RPCErrors,
		"keepalive_timeouts", s.KeepaliveTimeouts,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
