package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/sonarvoip/sonar/pkg/model"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// VoiceServerOptions describes the registration a voice server announces.
type VoiceServerOptions struct {
	UUID            string
	Address         string // UDP voice endpoint to claim (host:port, port 0 picks one)
	MaxClients      int
	Location        string // optional placement affinity hint
	ProtocolVersion string // defaults to model.ProtocolVersion
}

// VoiceServer is a voice-server control connection. It binds the claimed
// UDP endpoint before registering so the coordination service's ownership
// challenge can be answered, and surfaces service directives
// (ChannelDestroy, ClientUnregister) on Directives.
type VoiceServer struct {
	Conn       *Conn
	Directives <-chan *wire.Message

	udp        *net.UDPConn
	directives chan *wire.Message
	addr       string
}

// ConnectVoiceServer binds the claimed UDP endpoint, answers the
// registration challenge, and registers with the coordination service.
func ConnectVoiceServer(ctx context.Context, controlAddr string, opts VoiceServerOptions) (*VoiceServer, error) {
	if opts.UUID == "" || opts.MaxClients <= 0 {
		return nil, fmt.Errorf("client: voice server uuid and max clients are required")
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = model.ProtocolVersion
	}

	laddr, err := net.ResolveUDPAddr("udp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("client: resolve voice addr: %w", err)
	}
	udp, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("client: bind voice addr: %w", err)
	}

	vs := &VoiceServer{
		udp:        udp,
		directives: make(chan *wire.Message, 16),
		addr:       udp.LocalAddr().String(),
	}
	vs.Directives = vs.directives
	go vs.echoLoop()

	conn, err := Dial(controlAddr)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	vs.Conn = conn
	conn.SetEventHandler(vs.handleEvent)
	conn.Start()

	args := []string{
		opts.UUID,
		vs.addr,
		opts.ProtocolVersion,
		strconv.Itoa(opts.MaxClients),
	}
	if opts.Location != "" {
		args = append(args, opts.Location)
	}
	if err := conn.register(ctx, args...); err != nil {
		_ = conn.Close()
		_ = udp.Close()
		return nil, err
	}
	return vs, nil
}

// VoiceAddr returns the bound UDP voice endpoint.
func (vs *VoiceServer) VoiceAddr() string {
	return vs.addr
}

// echoLoop answers ownership challenges: every datagram is echoed back to
// its sender unmodified, from the claimed port.
func (vs *VoiceServer) echoLoop() {
	buf := make([]byte, 64)
	for {
		n, raddr, err := vs.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := vs.udp.WriteToUDP(buf[:n], raddr); err != nil {
			slog.Debug("challenge echo failed", "to", raddr.String(), "err", err)
		}
	}
}

func (vs *VoiceServer) handleEvent(msg *wire.Message) {
	switch msg.Name {
	case wire.MsgChannelDestroy, wire.MsgClientUnregister:
		select {
		case vs.directives <- msg:
		default:
			slog.Warn("directive buffer full, dropped", "name", msg.Name)
		}
	}
}

// ResyncClient replays one client assignment to the coordination service,
// used for the full-state resync after (re-)registration.
func (vs *VoiceServer) ResyncClient(ctx context.Context, operatorID, userID, channelID string) error {
	_, err := vs.Conn.CallChecked(ctx, wire.MsgStateClient, operatorID, userID, channelID)
	return err
}

// ClientUnregistered reports that a client dropped off this voice server.
func (vs *VoiceServer) ClientUnregistered(ctx context.Context, operatorID, userID, channelID string) error {
	_, err := vs.Conn.CallChecked(ctx, wire.MsgClientUnregistered, operatorID, userID, channelID)
	return err
}

// ChannelDestroyed reports that a channel was torn down server-side.
func (vs *VoiceServer) ChannelDestroyed(ctx context.Context, operatorID, channelID string) error {
	_, err := vs.Conn.CallChecked(ctx, wire.MsgChannelDestroyed, operatorID, channelID)
	return err
}

// Close tears down the control connection and the UDP endpoint.
func (vs *VoiceServer) Close() error {
	err := vs.Conn.Close()
	_ = vs.udp.Close()
	return err
}
