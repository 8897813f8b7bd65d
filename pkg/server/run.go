package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	if s.deps.Signer == nil || s.deps.VerifyKey == nil {
		return fmt.Errorf("server: missing signing keys")
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	slog.Info("sonar coordination service running",
		"control", s.cfg.ControlAddr,
		"metrics", s.cfg.MetricsAddr,
		"keepalive", s.cfg.KeepaliveInterval.String(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server: the listener closes first, then
// every open connection.
func (s *Server) Shutdown() {
	s.cancel()
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.close("server shutdown")
	}
}
