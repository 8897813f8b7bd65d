package server

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// challengeSize is the fixed UDP challenge packet size: one big-endian
// int32 challenge id.
const challengeSize = 4

// ErrChallengeFailed marks a voice server that could not prove ownership
// of its claimed UDP endpoint.
var ErrChallengeFailed = errors.New("server: udp challenge failed")

// runChallenge sends a random challenge id to the claimed UDP address and
// requires the same id echoed back within the timeout. A dropped or wrong
// response only fails this one registration attempt.
func runChallenge(address string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrChallengeFailed, address, err)
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrChallengeFailed, address, err)
	}
	defer func() { _ = sock.Close() }()

	var pkt [challengeSize]byte
	if _, err := io.ReadFull(rand.Reader, pkt[:]); err != nil {
		return fmt.Errorf("server: challenge id: %w", err)
	}
	want := binary.BigEndian.Uint32(pkt[:])

	if err := sock.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeFailed, err)
	}
	if _, err := sock.Write(pkt[:]); err != nil {
		return fmt.Errorf("%w: send: %v", ErrChallengeFailed, err)
	}

	var resp [challengeSize]byte
	n, err := sock.Read(resp[:])
	if err != nil {
		return fmt.Errorf("%w: no response from %s: %v", ErrChallengeFailed, address, err)
	}
	if n != challengeSize || binary.BigEndian.Uint32(resp[:]) != want {
		return fmt.Errorf("%w: mismatched challenge from %s", ErrChallengeFailed, address)
	}
	return nil
}
