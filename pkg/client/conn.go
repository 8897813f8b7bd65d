// Package client implements the Sonar protocol clients: the correlating
// control connection plus user-edge, voice-server, and operator wrappers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonarvoip/sonar/pkg/directory"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// DefaultCallTimeout bounds an RPC when the caller's context carries no
// deadline of its own.
const DefaultCallTimeout = 10 * time.Second

// ErrTimeout is returned when a reply does not arrive before the deadline.
// A reply arriving after the deadline is dropped silently.
var ErrTimeout = errors.New("client: request timed out")

// ErrClosed is returned when calling on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// RegistrationError surfaces a Reply{ERROR} received during registration.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string {
	return "client: registration failed: " + e.Reason
}

// RPCError is a typed Reply{ERROR, kind} failure.
type RPCError struct {
	Kind string
}

func (e *RPCError) Error() string {
	return "client: rpc failed: " + e.Kind
}

// Unwrap maps the wire kind back onto the directory sentinel errors so
// callers can errors.Is against them.
func (e *RPCError) Unwrap() error {
	return directory.KindError(e.Kind)
}

// EventHandler is a callback for unsolicited messages (id 0 or unmatched).
type EventHandler func(msg *wire.Message)

// Conn is a control-plane connection with request/reply correlation.
// Inbound Keepalive probes are answered automatically.
type Conn struct {
	nc  net.Conn
	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[uint64]chan *wire.Message
	handler EventHandler
	nextID  atomic.Uint64

	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// Dial connects to the coordination service's control plane.
func Dial(addr string) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: connect control: %w", err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established transport. Tests use this with net.Pipe.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:      nc,
		pending: make(map[uint64]chan *wire.Message),
		timeout: DefaultCallTimeout,
		done:    make(chan struct{}),
	}
}

// SetEventHandler sets the callback for unsolicited messages. Must be
// called before Start.
func (c *Conn) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// SetCallTimeout overrides the default per-call deadline.
func (c *Conn) SetCallTimeout(d time.Duration) {
	c.timeout = d
}

// Start starts the goroutine that reads inbound frames, routes replies to
// their pending calls, and dispatches everything else to the event handler.
func (c *Conn) Start() {
	go func() {
		defer c.Close()
		var dec wire.Decoder
		buf := make([]byte, 4096)
		for {
			n, err := c.nc.Read(buf)
			if err != nil {
				if err != io.EOF && !errors.Is(err, net.ErrClosed) {
					slog.Debug("control read error", "err", err)
				}
				return
			}
			dec.Feed(buf[:n])
			for {
				msg, err := dec.Next()
				if err != nil {
					slog.Error("framing error", "err", err)
					return
				}
				if msg == nil {
					break
				}
				c.route(msg)
			}
		}
	}()
}

func (c *Conn) route(msg *wire.Message) {
	if msg.Name == wire.MsgReply && msg.ID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		return // late reply for a timed-out call: drop silently
	}

	if msg.Name == wire.MsgKeepalive && msg.ID != 0 {
		_ = c.Send(&wire.Message{ID: msg.ID, Name: wire.MsgReply, Args: []string{wire.StatusOK}})
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// Send writes one message without waiting for a reply.
func (c *Conn) Send(msg *wire.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.WriteMessage(c.nc, msg)
}

// Call sends a command and awaits the Reply correlated by message id. The
// wait is bounded by ctx and the call timeout; on expiry the pending entry
// is removed so a late reply has no observable effect.
func (c *Conn) Call(ctx context.Context, name string, args ...string) (*wire.Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan *wire.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.Send(&wire.Message{ID: id, Name: name, Args: args}); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		drop()
		return nil, ErrTimeout
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	case <-c.done:
		drop()
		return nil, ErrClosed
	}
}

// CallChecked runs Call and converts Reply{ERROR, kind} into an *RPCError,
// returning the result arguments after the OK status.
func (c *Conn) CallChecked(ctx context.Context, name string, args ...string) ([]string, error) {
	reply, err := c.Call(ctx, name, args...)
	if err != nil {
		return nil, err
	}
	if len(reply.Args) == 0 {
		return nil, &RPCError{Kind: directory.KindUnavailable}
	}
	if reply.Args[0] != wire.StatusOK {
		kind := directory.KindUnavailable
		if len(reply.Args) > 1 {
			kind = reply.Args[1]
		}
		return nil, &RPCError{Kind: kind}
	}
	return reply.Args[1:], nil
}

// Close closes the connection and fails all pending calls.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.nc.Close()
}

// Done returns a channel that is closed when the connection is lost.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// register performs the shared registration exchange.
func (c *Conn) register(ctx context.Context, args ...string) error {
	reply, err := c.Call(ctx, wire.MsgRegister, args...)
	if err != nil {
		return err
	}
	if len(reply.Args) == 0 || reply.Args[0] != wire.StatusOK {
		reason := "rejected"
		if len(reply.Args) > 1 {
			reason = reply.Args[1]
		}
		return &RegistrationError{Reason: reason}
	}
	return nil
}

// Unregister performs a graceful goodbye before closing.
func (c *Conn) Unregister(ctx context.Context) error {
	_, err := c.Call(ctx, wire.MsgUnregister)
	return err
}
