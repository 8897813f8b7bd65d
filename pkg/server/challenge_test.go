package server

import (
	"errors"
	"net"
	"testing"
	"time"
)

// startEcho runs a UDP responder that transforms each datagram with fn and
// sends the result back.
func startEcho(t *testing.T, fn func([]byte) []byte) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	go func() {
		buf := make([]byte, 64)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if resp := fn(buf[:n]); resp != nil {
				_, _ = pc.WriteTo(resp, addr)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func TestChallengeEchoPasses(t *testing.T) {
	addr := startEcho(t, func(pkt []byte) []byte { return pkt })
	if err := runChallenge(addr, time.Second); err != nil {
		t.Fatalf("runChallenge: %v", err)
	}
}

func TestChallengeMismatchedResponse(t *testing.T) {
	addr := startEcho(t, func(pkt []byte) []byte {
		bad := append([]byte(nil), pkt...)
		bad[0] ^= 0xFF
		return bad
	})
	err := runChallenge(addr, time.Second)
	if !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("got %v, want ErrChallengeFailed", err)
	}
}

func TestChallengeShortResponse(t *testing.T) {
	addr := startEcho(t, func(pkt []byte) []byte { return pkt[:2] })
	err := runChallenge(addr, time.Second)
	if !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("got %v, want ErrChallengeFailed", err)
	}
}

func TestChallengeTimeout(t *testing.T) {
	addr := startEcho(t, func(pkt []byte) []byte { return nil }) // swallow
	start := time.Now()
	err := runChallenge(addr, 100*time.Millisecond)
	if !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("got %v, want ErrChallengeFailed", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("challenge took %v, deadline not applied", elapsed)
	}
}

func TestChallengeBadAddress(t *testing.T) {
	if err := runChallenge("not-an-address", time.Second); !errors.Is(err, ErrChallengeFailed) {
		t.Fatalf("got %v, want ErrChallengeFailed", err)
	}
}
