package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("sonar_uptime_seconds", "Service uptime in seconds.", "gauge", uptime)

	write("sonar_connections_active", "Current active control connections.", "gauge",
		m.ActiveConnections.Load())
	write("sonar_connections_total", "Lifetime control connections accepted.", "counter",
		m.TotalConnections.Load())
	write("sonar_disconnects_total", "Total disconnects.", "counter",
		m.TotalDisconnects.Load())

	write("sonar_registrations_success_total", "Successful registrations.", "counter",
		m.SuccessfulRegistrations.Load())
	write("sonar_registrations_failed_total", "Failed registrations.", "counter",
		m.FailedRegistrations.Load())
	write("sonar_challenges_passed_total", "Voice server UDP challenges passed.", "counter",
		m.ChallengesPassed.Load())
	write("sonar_challenges_failed_total", "Voice server UDP challenges failed or timed out.", "counter",
		m.ChallengesFailed.Load())

	write("sonar_rpcs_total", "Operator commands dispatched.", "counter",
		m.RPCsHandled.Load())
	write("sonar_rpc_errors_total", "Operator commands answered with an error.", "counter",
		m.RPCErrors.Load())
	write("sonar_tokens_issued_total", "Tokens minted via RPC.", "counter",
		m.TokensIssued.Load())
	write("sonar_events_pushed_total", "Unsolicited events pushed to connections.", "counter",
		m.EventsPushed.Load())

	write("sonar_keepalive_timeouts_total", "Connections closed for missed keepalives.", "counter",
		m.KeepaliveTimeouts.Load())
}
