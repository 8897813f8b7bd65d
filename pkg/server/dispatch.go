package server

import (
	"github.com/sonarvoip/sonar/pkg/directory"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// dispatchOperator maps operator RPC commands onto directory operations.
// Every command gets exactly one Reply: OK with results, or ERROR with an
// error-kind string. Domain failures never close the connection.
func (c *conn) dispatchOperator(msg *wire.Message) {
	s := c.srv
	s.metrics.RPCsHandled.Add(1)

	arg := func(i int) string {
		if i < len(msg.Args) {
			return msg.Args[i]
		}
		return ""
	}
	fail := func(kind string) {
		s.metrics.RPCErrors.Add(1)
		c.replyError(msg.ID, kind)
	}

	switch msg.Name {
	case wire.MsgJoinUserToChannel:
		// operatorId, userId, channelId, channelDescription, location
		tok, err := s.dir.JoinUserToChannel(arg(0), arg(1), arg(2), arg(3), arg(4))
		if err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		s.metrics.TokensIssued.Add(1)
		c.replyOK(msg.ID, tok)

	case wire.MsgPartUserFromChannel:
		// operatorId, userId, channelId, reason
		if err := s.dir.PartUserFromChannel(arg(0), arg(1), arg(2), arg(3)); err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		c.replyOK(msg.ID)

	case wire.MsgDestroyChannel:
		// operatorId, channelId, reason
		if err := s.dir.DestroyChannel(arg(0), arg(1), arg(2)); err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		c.replyOK(msg.ID)

	case wire.MsgDisconnectUser:
		// operatorId, userId, reason
		s.dir.DisconnectUser(arg(0), arg(1), arg(2))
		c.replyOK(msg.ID)

	case wire.MsgGetUsersInChannel:
		// operatorId, channelId
		users, err := s.dir.GetUsersInChannel(arg(0), arg(1))
		if err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		c.replyOK(msg.ID, users...)

	case wire.MsgGetUsersOnlineStatus:
		// operatorId, userId...
		if len(msg.Args) < 2 {
			fail(directory.KindInvalidArgument)
			return
		}
		statuses := s.dir.GetUsersOnlineStatus(msg.Args[0], msg.Args[1:])
		results := make([]string, 0, len(statuses)*3)
		for _, st := range statuses {
			online := "0"
			if st.Online {
				online = "1"
			}
			results = append(results, st.UserID, online, st.Extra)
		}
		c.replyOK(msg.ID, results...)

	case wire.MsgGetUserControlToken:
		// operatorId, userId, userDescription, channelId, channelDescription, location
		tok, err := s.dir.GetUserControlToken(arg(0), arg(1), arg(2))
		if err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		s.metrics.TokensIssued.Add(1)
		c.replyOK(msg.ID, tok)

	case wire.MsgGetChannelToken:
		// operatorId, userId, userDescription, channelId, channelDescription, location, clientAddress
		// clientAddress is accepted but unused: placement follows the
		// location hint, never the caller's network position.
		tok, err := s.dir.GetChannelToken(arg(0), arg(1), arg(2), arg(3), arg(4), arg(5))
		if err != nil {
			fail(directory.ErrorKind(err))
			return
		}
		s.metrics.TokensIssued.Add(1)
		c.replyOK(msg.ID, tok)

	default:
		fail(directory.KindInvalidArgument)
	}
}
