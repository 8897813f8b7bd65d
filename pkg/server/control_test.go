package server

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sonarvoip/sonar/pkg/client"
	"github.com/sonarvoip/sonar/pkg/directory"
	"github.com/sonarvoip/sonar/pkg/token"
	"github.com/sonarvoip/sonar/pkg/wire"
)

// startTestServer runs a server on an ephemeral port with keepalive off.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.KeepaliveInterval = 0
	cfg.ChallengeTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, Dependencies{Signer: token.NewSigner(priv, 0), VerifyKey: pub})
	if err := srv.StartControl(); err != nil {
		t.Fatalf("StartControl: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, srv.ControlAddr().String(), pub
}

func connectTestVoiceServer(t *testing.T, ctx context.Context, addr string, maxClients int) *client.VoiceServer {
	t.Helper()
	vs, err := client.ConnectVoiceServer(ctx, addr, client.VoiceServerOptions{
		UUID:       uuid.NewString(),
		Address:    "127.0.0.1:0",
		MaxClients: maxClients,
	})
	if err != nil {
		t.Fatalf("ConnectVoiceServer: %v", err)
	}
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}

func TestOperatorJoinFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, pub := startTestServer(t, nil)
	connectTestVoiceServer(t, ctx, addr, 4)

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()

	raw, err := op.JoinUserToChannel(ctx, "op1", "alice", "lobby", "The Lobby", "")
	if err != nil {
		t.Fatalf("JoinUserToChannel: %v", err)
	}
	tok, err := token.Verify(raw, pub)
	if err != nil {
		t.Fatalf("Verify returned token: %v", err)
	}
	if tok.ChannelID != "lobby" || tok.UserID != "alice" {
		t.Errorf("token = %+v", tok)
	}
	if got := srv.Directory().ChannelOf("op1", "alice"); got != "lobby" {
		t.Errorf("ChannelOf = %q, want lobby", got)
	}

	users, err := op.GetUsersInChannel(ctx, "op1", "lobby")
	if err != nil {
		t.Fatalf("GetUsersInChannel: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Errorf("members = %v, want [alice]", users)
	}

	if err := op.PartUserFromChannel(ctx, "op1", "alice", "lobby", "done"); err != nil {
		t.Fatalf("PartUserFromChannel: %v", err)
	}
	if _, err := op.GetUsersInChannel(ctx, "op1", "lobby"); !errors.Is(err, directory.ErrChannelNotFound) {
		t.Errorf("after part = %v, want ErrChannelNotFound", err)
	}
}

func TestOperatorRPCErrorsAreTyped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, nil)

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()

	// No voice servers registered yet.
	if _, err := op.JoinUserToChannel(ctx, "op1", "alice", "lobby", "", ""); !errors.Is(err, directory.ErrChannelAllocationFailed) {
		t.Errorf("join = %v, want ErrChannelAllocationFailed", err)
	}
	if err := op.PartUserFromChannel(ctx, "op1", "ghost", "lobby", ""); !errors.Is(err, directory.ErrUserNotFound) {
		t.Errorf("part = %v, want ErrUserNotFound", err)
	}
	if err := op.DestroyChannel(ctx, "op1", "nowhere", ""); !errors.Is(err, directory.ErrChannelNotFound) {
		t.Errorf("destroy = %v, want ErrChannelNotFound", err)
	}
	if _, err := op.JoinUserToChannel(ctx, "bad op", "alice", "lobby", "", ""); !errors.Is(err, directory.ErrInvalidArgument) {
		t.Errorf("bad id = %v, want ErrInvalidArgument", err)
	}
	// A domain error must not have closed the connection.
	if err := op.DisconnectUser(ctx, "op1", "alice", ""); err != nil {
		t.Errorf("DisconnectUser after errors = %v", err)
	}
}

func TestUserRegistrationAndTokenPush(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, pub := startTestServer(t, nil)
	connectTestVoiceServer(t, ctx, addr, 4)

	ctl, err := srv.Directory().GetUserControlToken("op1", "alice", "Alice")
	if err != nil {
		t.Fatalf("GetUserControlToken: %v", err)
	}
	u, err := client.ConnectUser(ctx, addr, ctl)
	if err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}
	defer u.Close()

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()

	statuses, err := op.GetUsersOnlineStatus(ctx, "op1", []string{"alice", "ghost"})
	if err != nil {
		t.Fatalf("GetUsersOnlineStatus: %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Online || statuses[1].Online {
		t.Errorf("statuses = %+v", statuses)
	}
	if statuses[0].Extra == "" {
		t.Error("online status missing connection id")
	}

	// Joining an online user pushes a fresh channel token at it.
	if _, err := op.JoinUserToChannel(ctx, "op1", "alice", "lobby", "", ""); err != nil {
		t.Fatalf("JoinUserToChannel: %v", err)
	}
	select {
	case raw := <-u.TokenUpdates:
		tok, err := token.Verify(raw, pub)
		if err != nil {
			t.Fatalf("pushed token invalid: %v", err)
		}
		if tok.ChannelID != "lobby" {
			t.Errorf("pushed token channel = %q, want lobby", tok.ChannelID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no token pushed to the user")
	}

	// Dropping the user connection reconciles its membership.
	_ = u.Close()
	waitFor(t, func() bool { return srv.Directory().ChannelOf("op1", "alice") == "" })
}

func TestUserRegistrationRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, nil)

	_, err := client.ConnectUser(ctx, addr, "not.a.token")
	var re *client.RegistrationError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RegistrationError", err)
	}
}

func TestUserTokenWithChannelJoinsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, _ := startTestServer(t, nil)
	connectTestVoiceServer(t, ctx, addr, 4)

	raw, err := srv.Directory().GetChannelToken("op1", "alice", "", "lobby", "", "")
	if err != nil {
		t.Fatalf("GetChannelToken: %v", err)
	}
	u, err := client.ConnectUser(ctx, addr, raw)
	if err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}
	defer u.Close()

	waitFor(t, func() bool { return srv.Directory().ChannelOf("op1", "alice") == "lobby" })
}

func TestRegisterRejectsMalformedArgShape(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, nil)

	c, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.Start()

	// Three arguments matches no role.
	reply, err := c.Call(ctx, wire.MsgRegister, "a", "b", "c")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply.Args) < 2 || reply.Args[0] != wire.StatusError || reply.Args[1] != directory.KindInvalidArgument {
		t.Errorf("reply = %v, want ERROR InvalidArgument", reply.Args)
	}
}

func TestCommandBeforeRegistrationCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, nil)

	c, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.Start()

	reply, err := c.Call(ctx, wire.MsgJoinUserToChannel, "op1", "alice", "lobby")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Args[0] != wire.StatusError {
		t.Errorf("reply = %v, want ERROR", reply.Args)
	}
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Error("server kept the connection open after a pre-registration command")
	}
}

func TestOperatorSecret(t *testing.T) {
	hash, err := HashOperatorSecret("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.OperatorSecretHash = hash
	})

	if _, err := client.ConnectOperator(ctx, addr, "wrong"); err == nil {
		t.Fatal("wrong secret accepted")
	}
	if _, err := client.ConnectOperator(ctx, addr, ""); err == nil {
		t.Fatal("missing secret accepted")
	}
	op, err := client.ConnectOperator(ctx, addr, "s3cret")
	if err != nil {
		t.Fatalf("correct secret rejected: %v", err)
	}
	_ = op.Close()
}

func TestVoiceServerChallengeFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.ChallengeTimeout = 200 * time.Millisecond
	})

	// Claim a UDP endpoint nothing is echoing on.
	dead, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer dead.Close()

	c, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	c.Start()

	reply, err := c.Call(ctx, wire.MsgRegister, uuid.NewString(), dead.LocalAddr().String(), "1", "4")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply.Args) < 2 || reply.Args[0] != wire.StatusError || reply.Args[1] != directory.KindUnavailable {
		t.Errorf("reply = %v, want ERROR Unavailable", reply.Args)
	}
	if len(srv.Directory().Servers()) != 0 {
		t.Error("unproven voice server entered the routable set")
	}
}

func TestVoiceServerLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, _ := startTestServer(t, nil)
	vs := connectTestVoiceServer(t, ctx, addr, 4)

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()
	if _, err := op.JoinUserToChannel(ctx, "op1", "alice", "lobby", "", ""); err != nil {
		t.Fatalf("JoinUserToChannel: %v", err)
	}

	// Destroying the channel sends a directive to the hosting voice server.
	if err := op.DestroyChannel(ctx, "op1", "lobby", "test"); err != nil {
		t.Fatalf("DestroyChannel: %v", err)
	}
	deadline := time.After(5 * time.Second)
	var sawDestroy bool
	for !sawDestroy {
		select {
		case msg := <-vs.Directives:
			if msg.Name == wire.MsgChannelDestroy {
				sawDestroy = true
			}
		case <-deadline:
			t.Fatal("voice server never received the destroy directive")
		}
	}

	// Losing the voice server connection tears down what it hosted.
	if _, err := op.JoinUserToChannel(ctx, "op1", "alice", "lobby2", "", ""); err != nil {
		t.Fatalf("re-join: %v", err)
	}
	_ = vs.Close()
	waitFor(t, func() bool { return srv.Directory().ChannelOf("op1", "alice") == "" })
	waitFor(t, func() bool { return len(srv.Directory().Servers()) == 0 })
}

func TestVoiceServerResync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, _ := startTestServer(t, nil)
	vs := connectTestVoiceServer(t, ctx, addr, 4)

	if err := vs.ResyncClient(ctx, "op1", "alice", "lobby"); err != nil {
		t.Fatalf("ResyncClient: %v", err)
	}
	if got := srv.Directory().ChannelOf("op1", "alice"); got != "lobby" {
		t.Errorf("ChannelOf = %q, want lobby", got)
	}

	if err := vs.ClientUnregistered(ctx, "op1", "alice", "lobby"); err != nil {
		t.Fatalf("ClientUnregistered: %v", err)
	}
	if got := srv.Directory().ChannelOf("op1", "alice"); got != "" {
		t.Errorf("ChannelOf = %q after unregister report", got)
	}
}

func TestGetChannelTokenRPC(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, pub := startTestServer(t, nil)
	connectTestVoiceServer(t, ctx, addr, 4)

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()

	// The trailing client address is carried on the wire but does not
	// steer placement.
	raw, err := op.GetChannelToken(ctx, "op1", "alice", "Alice", "lobby", "The Lobby", "", "203.0.113.9:5000")
	if err != nil {
		t.Fatalf("GetChannelToken: %v", err)
	}
	tok, err := token.Verify(raw, pub)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if tok.ChannelID != "lobby" || tok.UserID != "alice" {
		t.Errorf("token = %+v", tok)
	}
}

func TestUserEdgeCannotIssueCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, addr, _ := startTestServer(t, nil)
	connectTestVoiceServer(t, ctx, addr, 4)

	ctl, err := srv.Directory().GetUserControlToken("op1", "alice", "")
	if err != nil {
		t.Fatalf("GetUserControlToken: %v", err)
	}
	u, err := client.ConnectUser(ctx, addr, ctl)
	if err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}
	defer u.Close()

	_, err = u.Conn.CallChecked(ctx, wire.MsgJoinUserToChannel, "op1", "alice", "lobby")
	if !errors.Is(err, directory.ErrInvalidArgument) {
		t.Errorf("user command = %v, want ErrInvalidArgument", err)
	}
}

func TestKeepaliveClosesUnresponsiveConnection(t *testing.T) {
	srv, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.KeepaliveInterval = 30 * time.Millisecond
		cfg.KeepaliveMisses = 2
	})

	// Raw connection that registers but never answers probes.
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer nc.Close()
	if err := wire.WriteMessage(nc, &wire.Message{ID: 1, Name: wire.MsgRegister}); err != nil {
		t.Fatalf("write register: %v", err)
	}

	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	for {
		if _, err := nc.Read(buf); err != nil {
			break // server closed us
		}
	}
	if got := srv.Metrics().Snapshot().KeepaliveTimeouts; got != 1 {
		t.Errorf("KeepaliveTimeouts = %d, want 1", got)
	}
}

func TestKeepaliveKeepsResponsiveConnectionOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr, _ := startTestServer(t, func(cfg *Config) {
		cfg.KeepaliveInterval = 20 * time.Millisecond
		cfg.KeepaliveMisses = 2
	})

	op, err := client.ConnectOperator(ctx, addr, "")
	if err != nil {
		t.Fatalf("ConnectOperator: %v", err)
	}
	defer op.Close()

	// Outlive several probe intervals; the client answers them for us.
	time.Sleep(200 * time.Millisecond)
	if _, err := op.GetUsersOnlineStatus(ctx, "op1", []string{"alice"}); err != nil {
		t.Errorf("connection unusable after keepalive window: %v", err)
	}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
