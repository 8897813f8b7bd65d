// Package server implements the Sonar coordination service: the TCP
// control plane that registers voice servers and users, the UDP ownership
// challenge, and the operator RPC surface over the channel directory.
package server

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"net"
	"sync"

	"github.com/sonarvoip/sonar/pkg/directory"
	"github.com/sonarvoip/sonar/pkg/token"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	Signer    *token.Signer     // mints control and channel tokens
	VerifyKey ed25519.PublicKey // verifies tokens presented at registration
}

// Server is the coordination service.
type Server struct {
	cfg     Config
	deps    Dependencies
	dir     *directory.Directory
	metrics *Metrics

	ln net.Listener

	mu          sync.RWMutex
	conns       map[string]*conn // connection id -> conn
	userConns   map[string]*conn // operatorID "/" userID -> conn
	serverConns map[string]*conn // voice server uuid -> conn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server. The directory is owned by the server and uses it
// as the event notifier.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		metrics:     NewMetrics(),
		conns:       make(map[string]*conn),
		userConns:   make(map[string]*conn),
		serverConns: make(map[string]*conn),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.dir = directory.New(deps.Signer, s)
	return s
}

// Directory returns the channel/operator directory.
func (s *Server) Directory() *directory.Directory {
	return s.dir
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

func (s *Server) indexUser(c *conn) {
	s.mu.Lock()
	s.userConns[c.operatorID+"/"+c.userID] = c
	s.mu.Unlock()
}

func (s *Server) indexVoiceServer(c *conn) {
	s.mu.Lock()
	s.serverConns[c.serverUUID] = c
	s.mu.Unlock()
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.userID != "" && s.userConns[c.operatorID+"/"+c.userID] == c {
		delete(s.userConns, c.operatorID+"/"+c.userID)
	}
	if c.serverUUID != "" && s.serverConns[c.serverUUID] == c {
		delete(s.serverConns, c.serverUUID)
	}
	s.mu.Unlock()
}

func (s *Server) userConn(operatorID, userID string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userConns[operatorID+"/"+userID]
}

func (s *Server) serverConn(uuid string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serverConns[uuid]
}

// ---- directory.Notifier ----

// UpdateToken pushes a fresh channel token to a connected user.
func (s *Server) UpdateToken(operatorID, userID, rawToken string) {
	c := s.userConn(operatorID, userID)
	if c == nil {
		return
	}
	s.pushEvent(c, wire.MsgUpdateToken, operatorID, userID, rawToken)
}

// ChannelDestroy directs the hosting voice server to tear down a channel.
func (s *Server) ChannelDestroy(serverUUID, operatorID, channelID, reason string) {
	c := s.serverConn(serverUUID)
	if c == nil {
		return
	}
	s.pushEvent(c, wire.MsgChannelDestroy, operatorID, channelID, reason)
}

// ClientUnregister directs the hosting voice server to drop one user.
func (s *Server) ClientUnregister(serverUUID, operatorID, userID, reason string) {
	c := s.serverConn(serverUUID)
	if c == nil {
		return
	}
	s.pushEvent(c, wire.MsgClientUnregister, operatorID, userID, reason)
}

// pushEvent writes an unsolicited event (id 0) to a connection.
func (s *Server) pushEvent(c *conn, name string, args ...string) {
	if err := c.send(&wire.Message{Name: name, Args: args}); err != nil {
		slog.Debug("event push failed", "conn", c.id, "event", name, "err", err)
		return
	}
	s.metrics.EventsPushed.Add(1)
}
