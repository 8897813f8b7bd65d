package client

import (
	"context"
	"log/slog"

	"github.com/sonarvoip/sonar/pkg/model"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// User is a user-edge connection registered with a signed control token.
// The coordination service routes it to a voice server by pushing
// UpdateToken events, which arrive on TokenUpdates.
type User struct {
	Conn *Conn

	// TokenUpdates delivers channel tokens pushed by the service. The
	// channel is buffered; if the consumer lags, older tokens are dropped
	// in favor of the newest.
	TokenUpdates <-chan string

	updates chan string
}

// ConnectUser dials the control plane and registers with a control token.
// Registration rejection surfaces as *RegistrationError.
func ConnectUser(ctx context.Context, addr, rawToken string) (*User, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	u := &User{Conn: conn, updates: make(chan string, 4)}
	u.TokenUpdates = u.updates

	conn.SetEventHandler(u.handleEvent)
	conn.Start()

	if err := conn.register(ctx, rawToken, model.ProtocolVersion); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return u, nil
}

func (u *User) handleEvent(msg *wire.Message) {
	if msg.Name != wire.MsgUpdateToken || len(msg.Args) < 3 {
		return
	}
	raw := msg.Args[2]
	for {
		select {
		case u.updates <- raw:
			return
		default:
			// Full: evict the oldest, only the newest assignment matters.
			select {
			case <-u.updates:
			default:
			}
			slog.Debug("token update buffer full, dropped stale token")
		}
	}
}

// Close tears down the connection.
func (u *User) Close() error {
	return u.Conn.Close()
}
