// Package wire defines the control message format and its length-prefixed framing.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the maximum size of a single control frame (64KB),
	// including the 4-byte length prefix. Bounds per-connection memory.
	MaxFrameSize = 65536

	// lenPrefixSize is the byte size of the frame length prefix.
	lenPrefixSize = 4
)

// Command names carried in Message.Name.
const (
	MsgRegister             = "Register"
	MsgUnregister           = "Unregister"
	MsgReply                = "Reply"
	MsgKeepalive            = "Keepalive"
	MsgJoinUserToChannel    = "JoinUserToChannel"
	MsgPartUserFromChannel  = "PartUserFromChannel"
	MsgDestroyChannel       = "DestroyChannel"
	MsgDisconnectUser       = "DisconnectUser"
	MsgGetUsersInChannel    = "GetUsersInChannel"
	MsgGetUsersOnlineStatus = "GetUsersOnlineStatus"
	MsgGetUserControlToken  = "GetUserControlToken"
	MsgGetChannelToken      = "GetChannelToken"
	MsgUpdateToken          = "UpdateToken"
	MsgChannelDestroy       = "ChannelDestroy"
	MsgClientUnregister     = "ClientUnregister"
	MsgClientRegistered     = "ClientRegisteredToChannel"
	MsgClientUnregistered   = "ClientUnregistered"
	MsgChannelDestroyed     = "ChannelDestroyed"
	MsgStateClient          = "StateClient"
)

// Reply status strings carried as the first argument of a Reply message.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Message is a single control message. ID correlates a command with its
// reply; ID 0 marks an unsolicited event. Messages are immutable once
// constructed.
//
// Nil and empty Args are wire-equivalent: both encode as an argument count
// of zero, and a zero-argument frame always decodes with Args nil.
type Message struct {
	ID   uint64
	Name string
	Args []string
}

// FramingError reports a malformed or oversized frame.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "wire: " + e.Reason
}

// Encode serializes a message into a single length-prefixed frame.
//
// Frame layout, all fields big-endian:
//
//	[frameLen u32][id u64][nameLen u16][name][argCount u16]{[argLen u32][arg]}*
func Encode(m *Message) ([]byte, error) {
	if len(m.Name) == 0 {
		return nil, &FramingError{Reason: "empty message name"}
	}
	if len(m.Name) > 0xFFFF {
		return nil, &FramingError{Reason: "message name too long"}
	}
	if len(m.Args) > 0xFFFF {
		return nil, &FramingError{Reason: fmt.Sprintf("too many arguments: %d", len(m.Args))}
	}

	bodyLen := 8 + 2 + len(m.Name) + 2
	for _, a := range m.Args {
		bodyLen += 4 + len(a)
	}
	if lenPrefixSize+bodyLen > MaxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame too large: %d bytes", lenPrefixSize+bodyLen)}
	}

	buf := make([]byte, lenPrefixSize+bodyLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen)) //nolint:gosec // bounds-checked above
	binary.BigEndian.PutUint64(buf[4:12], m.ID)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(m.Name)))
	off := 14 + copy(buf[14:], m.Name)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(m.Args)))
	off += 2
	for _, a := range m.Args {
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(a))) //nolint:gosec // bounds-checked above
		off += 4
		off += copy(buf[off:], a)
	}
	return buf, nil
}

// WriteMessage encodes m and writes the frame to w.
func WriteMessage(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// Decoder incrementally parses a byte stream into messages. The stream may
// deliver a frame split across any number of Feed calls; Next never blocks.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends raw bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next returns the next complete message, (nil, nil) when more bytes are
// needed, or a *FramingError on a malformed or oversized frame. After a
// framing error the stream is unrecoverable and the connection should be
// closed.
func (d *Decoder) Next() (*Message, error) {
	data := d.buf.Bytes()
	if len(data) < lenPrefixSize {
		return nil, nil
	}
	bodyLen := int(binary.BigEndian.Uint32(data[0:4]))
	if lenPrefixSize+bodyLen > MaxFrameSize {
		return nil, &FramingError{Reason: fmt.Sprintf("frame too large: %d bytes", lenPrefixSize+bodyLen)}
	}
	if bodyLen < 12 {
		return nil, &FramingError{Reason: "frame too short"}
	}
	if len(data) < lenPrefixSize+bodyLen {
		return nil, nil
	}

	body := data[lenPrefixSize : lenPrefixSize+bodyLen]
	msg, err := parseBody(body)
	if err != nil {
		return nil, err
	}
	d.buf.Next(lenPrefixSize + bodyLen)
	return msg, nil
}

func parseBody(body []byte) (*Message, error) {
	id := binary.BigEndian.Uint64(body[0:8])
	nameLen := int(binary.BigEndian.Uint16(body[8:10]))
	off := 10
	if off+nameLen+2 > len(body) {
		return nil, &FramingError{Reason: "truncated message name"}
	}
	if nameLen == 0 {
		return nil, &FramingError{Reason: "empty message name"}
	}
	name := string(body[off : off+nameLen])
	off += nameLen

	argCount := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2

	args := make([]string, 0, argCount)
	for i := 0; i < argCount; i++ {
		if off+4 > len(body) {
			return nil, &FramingError{Reason: "truncated argument length"}
		}
		argLen := int(binary.BigEndian.Uint32(body[off : off+4]))
		off += 4
		if off+argLen > len(body) {
			return nil, &FramingError{Reason: "truncated argument"}
		}
		args = append(args, string(body[off:off+argLen]))
		off += argLen
	}
	if off != len(body) {
		return nil, &FramingError{Reason: "trailing bytes in frame"}
	}
	if argCount == 0 {
		args = nil
	}
	return &Message{ID: id, Name: name, Args: args}, nil
}
