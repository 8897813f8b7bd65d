package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/sonarvoip/sonar/pkg/directory"
	"github.com/sonarvoip/sonar/pkg/model"
	"github.com/sonarvoip/sonar/pkg/token"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// registrationWindow bounds how long an unregistered connection may idle.
const registrationWindow = 10 * time.Second

// connState is the per-connection lifecycle state. Transitions only happen
// through handleRegister and close.
type connState int

const (
	stateConnecting connState = iota
	stateAwaitingRegistration
	stateRegistered
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingRegistration:
		return "awaiting-registration"
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is one control-plane connection.
type conn struct {
	id  string
	srv *Server
	nc  net.Conn

	wmu sync.Mutex // serializes frame writes

	mu    sync.Mutex
	state connState
	role  model.Role

	// identity, set at registration
	operatorID string
	userID     string
	serverUUID string

	// server-initiated requests (keepalive probes)
	nextID  atomic.Uint64
	pending map[uint64]chan *wire.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// StartControl starts the TCP control-plane listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.ln = ln
	slog.Info("control plane listening", "addr", ln.Addr().String())

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(nc)
		}
	}()
	return nil
}

// ControlAddr returns the bound control listener address, for tests that
// listen on port 0.
func (s *Server) ControlAddr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// handleConn owns one connection's lifecycle: connect -> register ->
// registered message loop -> closed.
func (s *Server) handleConn(nc net.Conn) {
	c := &conn{
		id:      ksuid.New().String(),
		srv:     s,
		nc:      nc,
		state:   stateConnecting,
		pending: make(map[uint64]chan *wire.Message),
		closed:  make(chan struct{}),
	}
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	s.addConn(c)
	defer c.close("connection closed")

	slog.Debug("new control connection", "conn", c.id, "remote", nc.RemoteAddr().String())

	c.mu.Lock()
	c.state = stateAwaitingRegistration
	c.mu.Unlock()
	_ = nc.SetReadDeadline(time.Now().Add(registrationWindow))

	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				slog.Debug("control read error", "conn", c.id, "err", err)
			}
			return
		}
		dec.Feed(buf[:n])
		for {
			msg, err := dec.Next()
			if err != nil {
				// Protocol error: close only the offending connection.
				slog.Warn("framing error", "conn", c.id, "err", err)
				c.close("protocol error")
				return
			}
			if msg == nil {
				break
			}
			c.handleMessage(msg)
			if c.currentState() == stateClosed {
				return
			}
		}
	}
}

func (c *conn) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// handleMessage processes one inbound message; messages on a connection are
// handled strictly in arrival order.
func (c *conn) handleMessage(msg *wire.Message) {
	switch msg.Name {
	case wire.MsgReply:
		c.deliverReply(msg)
		return
	case wire.MsgKeepalive:
		c.replyOK(msg.ID)
		return
	case wire.MsgRegister:
		c.handleRegister(msg)
		return
	case wire.MsgUnregister:
		c.replyOK(msg.ID)
		c.close("unregistered")
		return
	}

	c.mu.Lock()
	state, role := c.state, c.role
	c.mu.Unlock()

	if state != stateRegistered {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		c.close("command before registration")
		return
	}

	switch role {
	case model.RoleOperator:
		c.dispatchOperator(msg)
	case model.RoleVoiceServer:
		c.handleVoiceServerMessage(msg)
	default:
		// User-edge connections only speak Register/Keepalive/Unregister.
		c.replyError(msg.ID, directory.KindInvalidArgument)
	}
}

// handleRegister runs the role-specific registration handshake. The role is
// derived from the argument shape: operators register with no payload (or
// just a secret), users with (controlToken, protoVersion), voice servers
// with (uuid, address, protoVersion, maxClients[, location]).
func (c *conn) handleRegister(msg *wire.Message) {
	c.mu.Lock()
	if c.state == stateRegistered {
		// Duplicate Register is tolerated for at-least-once senders.
		c.mu.Unlock()
		c.replyOK(msg.ID)
		return
	}
	if c.state != stateAwaitingRegistration {
		c.mu.Unlock()
		c.replyError(msg.ID, directory.KindInvalidArgument)
		c.close("register in state " + c.state.String())
		return
	}
	c.mu.Unlock()

	var err error
	switch {
	case len(msg.Args) <= 1:
		err = c.registerOperator(msg)
	case len(msg.Args) == 2:
		err = c.registerUser(msg)
	case len(msg.Args) >= 4:
		err = c.registerVoiceServer(msg)
	default:
		err = fmt.Errorf("malformed register arguments")
		c.replyError(msg.ID, directory.KindInvalidArgument)
	}
	if err != nil {
		c.srv.metrics.FailedRegistrations.Add(1)
		slog.Info("registration failed", "conn", c.id, "err", err)
		c.close("registration failed")
		return
	}

	_ = c.nc.SetReadDeadline(time.Time{})
	c.srv.metrics.SuccessfulRegistrations.Add(1)
	go c.keepaliveLoop()
}

func (c *conn) registerOperator(msg *wire.Message) error {
	if hash := c.srv.cfg.OperatorSecretHash; hash != "" {
		if len(msg.Args) != 1 || !VerifyOperatorSecret(msg.Args[0], hash) {
			c.replyError(msg.ID, directory.KindInvalidArgument)
			return fmt.Errorf("operator secret mismatch")
		}
	}
	c.mu.Lock()
	c.state = stateRegistered
	c.role = model.RoleOperator
	c.mu.Unlock()
	c.replyOK(msg.ID)
	slog.Info("operator registered", "conn", c.id, "remote", c.nc.RemoteAddr().String())
	return nil
}

func (c *conn) registerUser(msg *wire.Message) error {
	rawToken, protoVersion := msg.Args[0], msg.Args[1]
	if protoVersion != model.ProtocolVersion {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("unsupported protocol version %q", protoVersion)
	}
	tok, err := token.Verify(rawToken, c.srv.deps.VerifyKey)
	if err != nil {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("verify control token: %w", err)
	}

	c.mu.Lock()
	c.state = stateRegistered
	c.role = model.RoleUserEdge
	c.operatorID = tok.OperatorID
	c.userID = tok.UserID
	c.mu.Unlock()

	c.srv.indexUser(c)
	c.srv.dir.UserConnected(tok.OperatorID, tok.UserID, tok.UserDescription, c.id)
	c.replyOK(msg.ID)
	slog.Info("user registered", "conn", c.id, "operator", tok.OperatorID, "user", tok.UserID)

	// Post-registration hook: a token that already names a channel routes
	// the user there immediately; the join pushes UpdateToken at it.
	if tok.ChannelID != "" {
		if _, err := c.srv.dir.JoinUserToChannel(tok.OperatorID, tok.UserID, tok.ChannelID, tok.ChannelDescription, ""); err != nil {
			slog.Warn("post-registration join failed", "operator", tok.OperatorID,
				"user", tok.UserID, "channel", tok.ChannelID, "err", err)
		}
	}
	return nil
}

func (c *conn) registerVoiceServer(msg *wire.Message) error {
	serverUUID, address, protoVersion := msg.Args[0], msg.Args[1], msg.Args[2]
	if protoVersion != model.ProtocolVersion {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("unsupported protocol version %q", protoVersion)
	}
	if _, err := uuid.Parse(serverUUID); err != nil {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("bad server uuid: %w", err)
	}
	maxClients, err := strconv.Atoi(msg.Args[3])
	if err != nil || maxClients <= 0 {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("bad max clients %q", msg.Args[3])
	}
	var location string
	if len(msg.Args) >= 5 {
		location = msg.Args[4]
	}
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("bad voice address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		c.replyError(msg.ID, directory.KindInvalidArgument)
		return fmt.Errorf("bad voice port %q: %w", portStr, err)
	}

	// Ownership proof: the registering process must echo a random value
	// sent to the UDP endpoint it claims, before anything is trusted.
	if err := runChallenge(address, c.srv.cfg.ChallengeTimeout); err != nil {
		c.srv.metrics.ChallengesFailed.Add(1)
		c.replyError(msg.ID, directory.KindUnavailable)
		return fmt.Errorf("challenge: %w", err)
	}
	c.srv.metrics.ChallengesPassed.Add(1)

	if err := c.srv.dir.RegisterVoiceServer(model.VoiceServer{
		UUID:            serverUUID,
		Address:         address,
		VoipPort:        uint16(port),
		ProtocolVersion: protoVersion,
		MaxClients:      maxClients,
		Location:        location,
	}); err != nil {
		c.replyError(msg.ID, directory.ErrorKind(err))
		return err
	}

	c.mu.Lock()
	c.state = stateRegistered
	c.role = model.RoleVoiceServer
	c.serverUUID = serverUUID
	c.mu.Unlock()

	c.srv.indexVoiceServer(c)
	c.replyOK(msg.ID)
	return nil
}

// handleVoiceServerMessage processes voice-server originated notifications.
func (c *conn) handleVoiceServerMessage(msg *wire.Message) {
	arg := func(i int) string {
		if i < len(msg.Args) {
			return msg.Args[i]
		}
		return ""
	}
	switch msg.Name {
	case wire.MsgStateClient, wire.MsgClientRegistered:
		// Full-state resync after registration, or a server-local join the
		// directory should mirror.
		c.srv.dir.ResyncClient(c.serverUUID, arg(0), arg(1), arg(2))
		c.replyOK(msg.ID)
	case wire.MsgClientUnregistered:
		if err := c.srv.dir.PartUserFromChannel(arg(0), arg(1), arg(2), "voice server dropped client"); err != nil {
			slog.Debug("client-unregistered reconcile", "server", c.serverUUID, "err", err)
		}
		c.replyOK(msg.ID)
	case wire.MsgChannelDestroyed:
		if err := c.srv.dir.DestroyChannel(arg(0), arg(1), "destroyed by voice server"); err != nil {
			slog.Debug("channel-destroyed reconcile", "server", c.serverUUID, "err", err)
		}
		c.replyOK(msg.ID)
	default:
		c.replyError(msg.ID, directory.KindInvalidArgument)
	}
}

// deliverReply routes a Reply to a pending server-initiated request.
// Replies for unknown ids (e.g. after a timeout) are dropped silently.
func (c *conn) deliverReply(msg *wire.Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *conn) trackReply(id uint64) chan *wire.Message {
	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *conn) untrackReply(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// send writes one frame. Safe for concurrent use.
func (c *conn) send(m *wire.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wire.WriteMessage(c.nc, m)
}

func (c *conn) replyOK(id uint64, results ...string) {
	if id == 0 {
		return
	}
	args := append([]string{wire.StatusOK}, results...)
	if err := c.send(&wire.Message{ID: id, Name: wire.MsgReply, Args: args}); err != nil {
		slog.Debug("reply write failed", "conn", c.id, "err", err)
	}
}

func (c *conn) replyError(id uint64, kind string) {
	if id == 0 {
		return
	}
	if err := c.send(&wire.Message{ID: id, Name: wire.MsgReply, Args: []string{wire.StatusError, kind}}); err != nil {
		slog.Debug("reply write failed", "conn", c.id, "err", err)
	}
}

// close transitions to Closed exactly once and reconciles the directory:
// a user-edge drop synthesizes a part, a voice-server drop removes it from
// the routable set.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prevState := c.state
		role := c.role
		c.state = stateClosed
		c.mu.Unlock()
		close(c.closed)

		if prevState == stateRegistered {
			switch role {
			case model.RoleUserEdge:
				c.srv.dir.UserDisconnected(c.operatorID, c.userID, reason)
			case model.RoleVoiceServer:
				c.srv.dir.UnregisterVoiceServer(c.serverUUID)
			}
		}
		c.srv.removeConn(c)
		_ = c.nc.Close()
		c.srv.metrics.ActiveConnections.Add(-1)
		c.srv.metrics.TotalDisconnects.Add(1)
		slog.Debug("connection closed", "conn", c.id, "role", role.String(), "reason", reason)
	})
}
