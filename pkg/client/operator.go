package client

import (
	"context"
	"fmt"

	"github.com/sonarvoip/sonar/pkg/model"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// Operator is an administrative connection exposing the directory RPCs.
type Operator struct {
	Conn *Conn
}

// ConnectOperator dials the control plane and registers as an operator.
// secret may be empty when the service trusts operator connections.
func ConnectOperator(ctx context.Context, addr, secret string) (*Operator, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	conn.Start()

	var args []string
	if secret != "" {
		args = []string{secret}
	}
	if err := conn.register(ctx, args...); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Operator{Conn: conn}, nil
}

// JoinUserToChannel assigns a user to a channel and returns the signed
// channel token directed at the allocated voice server.
func (o *Operator) JoinUserToChannel(ctx context.Context, operatorID, userID, channelID, channelDescription, location string) (string, error) {
	results, err := o.Conn.CallChecked(ctx, wire.MsgJoinUserToChannel,
		operatorID, userID, channelID, channelDescription, location)
	if err != nil {
		return "", err
	}
	if len(results) < 1 {
		return "", fmt.Errorf("client: join reply missing token")
	}
	return results[0], nil
}

// PartUserFromChannel removes a user's channel membership.
func (o *Operator) PartUserFromChannel(ctx context.Context, operatorID, userID, channelID, reason string) error {
	_, err := o.Conn.CallChecked(ctx, wire.MsgPartUserFromChannel, operatorID, userID, channelID, reason)
	return err
}

// DestroyChannel forcibly removes a channel and all its memberships.
func (o *Operator) DestroyChannel(ctx context.Context, operatorID, channelID, reason string) error {
	_, err := o.Conn.CallChecked(ctx, wire.MsgDestroyChannel, operatorID, channelID, reason)
	return err
}

// DisconnectUser forcibly parts a user from any channel it occupies.
func (o *Operator) DisconnectUser(ctx context.Context, operatorID, userID, reason string) error {
	_, err := o.Conn.CallChecked(ctx, wire.MsgDisconnectUser, operatorID, userID, reason)
	return err
}

// GetUsersInChannel returns the member ids of a channel.
func (o *Operator) GetUsersInChannel(ctx context.Context, operatorID, channelID string) ([]string, error) {
	return o.Conn.CallChecked(ctx, wire.MsgGetUsersInChannel, operatorID, channelID)
}

// GetUsersOnlineStatus reports the online state of the given users.
func (o *Operator) GetUsersOnlineStatus(ctx context.Context, operatorID string, userIDs []string) ([]model.OnlineStatus, error) {
	args := append([]string{operatorID}, userIDs...)
	results, err := o.Conn.CallChecked(ctx, wire.MsgGetUsersOnlineStatus, args...)
	if err != nil {
		return nil, err
	}
	if len(results)%3 != 0 {
		return nil, fmt.Errorf("client: malformed online status reply")
	}
	out := make([]model.OnlineStatus, 0, len(results)/3)
	for i := 0; i < len(results); i += 3 {
		out = append(out, model.OnlineStatus{
			UserID: results[i],
			Online: results[i+1] == "1",
			Extra:  results[i+2],
		})
	}
	return out, nil
}

// GetUserControlToken mints a control token for a user.
func (o *Operator) GetUserControlToken(ctx context.Context, operatorID, userID, userDescription, channelID, channelDescription, location string) (string, error) {
	results, err := o.Conn.CallChecked(ctx, wire.MsgGetUserControlToken,
		operatorID, userID, userDescription, channelID, channelDescription, location)
	if err != nil {
		return "", err
	}
	if len(results) < 1 {
		return "", fmt.Errorf("client: token reply missing token")
	}
	return results[0], nil
}

// GetChannelToken mints a channel token for a client that connects later.
func (o *Operator) GetChannelToken(ctx context.Context, operatorID, userID, userDescription, channelID, channelDescription, location, clientAddress string) (string, error) {
	results, err := o.Conn.CallChecked(ctx, wire.MsgGetChannelToken,
		operatorID, userID, userDescription, channelID, channelDescription, location, clientAddress)
	if err != nil {
		return "", err
	}
	if len(results) < 1 {
		return "", fmt.Errorf("client: token reply missing token")
	}
	return results[0], nil
}

// Close tears down the connection.
func (o *Operator) Close() error {
	return o.Conn.Close()
}
