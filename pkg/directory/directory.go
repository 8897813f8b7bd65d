// Package directory is the central authority for operator, channel, and
// voice-server topology.
//
// The directory exclusively owns all topology records. Connection handlers
// hold only ids into it; every mutation goes through the methods here so
// the invariants (one channel per user per operator, membership count ==
// reserved voice-server slots) are enforced in one place.
//
// Mutations on one operator are serialized by a per-operator mutex; the
// voice-server table has its own lock. Lock order is always operator
// first, then the directory's server table, never the reverse.
package directory

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sonarvoip/sonar/pkg/model"
	"github.com/sonarvoip/sonar/pkg/token"
)

// Notifier delivers asynchronous directory events to affected connections.
// Implementations must not call back into the Directory.
type Notifier interface {
	// UpdateToken pushes a fresh channel token to a connected user.
	UpdateToken(operatorID, userID, rawToken string)
	// ChannelDestroy directs the hosting voice server to tear down a channel.
	ChannelDestroy(serverUUID, operatorID, channelID, reason string)
	// ClientUnregister directs the hosting voice server to drop one user.
	ClientUnregister(serverUUID, operatorID, userID, reason string)
}

type user struct {
	id          string
	description string
	channelID   string // empty = not in a channel
	online      bool
	connID      string
}

type channel struct {
	id          string
	description string
	serverUUID  string
	members     map[string]struct{}
}

type operator struct {
	mu       sync.Mutex
	id       string
	users    map[string]*user
	channels map[string]*channel
}

type voiceServer struct {
	model.VoiceServer
	used int
}

// Directory holds the in-memory topology. Safe for concurrent use.
type Directory struct {
	mu        sync.RWMutex // guards operators and servers maps
	operators map[string]*operator
	servers   map[string]*voiceServer

	signer   *token.Signer
	notifier Notifier
}

// New creates an empty directory. notifier may be nil (events dropped),
// which the tests use.
func New(signer *token.Signer, notifier Notifier) *Directory {
	return &Directory{
		operators: make(map[string]*operator),
		servers:   make(map[string]*voiceServer),
		signer:    signer,
		notifier:  notifier,
	}
}

// note is a deferred notifier call, fired after all locks are released.
type note func(Notifier)

func (d *Directory) fire(notes []note) {
	if d.notifier == nil {
		return
	}
	for _, n := range notes {
		n(d.notifier)
	}
}

// getOrCreateOperator returns the operator record, creating it lazily on
// first reference.
func (d *Directory) getOrCreateOperator(id string) *operator {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.operators[id]
	if !ok {
		op = &operator{
			id:       id,
			users:    make(map[string]*user),
			channels: make(map[string]*channel),
		}
		d.operators[id] = op
		slog.Debug("operator created", "operator", id)
	}
	return op
}

func (d *Directory) getOperator(id string) *operator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.operators[id]
}

// ---- voice servers ----

// RegisterVoiceServer adds (or refreshes) a voice server in the routable
// set. Only call after the server has passed its UDP challenge.
func (d *Directory) RegisterVoiceServer(vs model.VoiceServer) error {
	if vs.UUID == "" || vs.Address == "" || vs.MaxClients <= 0 {
		return fmt.Errorf("%w: bad voice server registration", ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.servers[vs.UUID]; ok {
		// Re-registration after reconnect keeps the used count; admission
		// reconciliation happens via StateClient resync.
		existing.VoiceServer = vs
		slog.Info("voice server re-registered", "uuid", vs.UUID, "addr", vs.Address, "max", vs.MaxClients)
		return nil
	}
	d.servers[vs.UUID] = &voiceServer{VoiceServer: vs}
	slog.Info("voice server registered", "uuid", vs.UUID, "addr", vs.Address, "max", vs.MaxClients, "location", vs.Location)
	return nil
}

// UnregisterVoiceServer removes a server from the routable set and tears
// down every channel it was hosting.
func (d *Directory) UnregisterVoiceServer(uuid string) {
	d.mu.Lock()
	if _, ok := d.servers[uuid]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.servers, uuid)
	ops := make([]*operator, 0, len(d.operators))
	for _, op := range d.operators {
		ops = append(ops, op)
	}
	d.mu.Unlock()

	slog.Info("voice server unregistered", "uuid", uuid)
	for _, op := range ops {
		op.mu.Lock()
		for chID, ch := range op.channels {
			if ch.serverUUID != uuid {
				continue
			}
			for uid := range ch.members {
				if u := op.users[uid]; u != nil {
					u.channelID = ""
				}
			}
			delete(op.channels, chID)
			slog.Warn("channel lost with voice server", "operator", op.id, "channel", chID, "server", uuid)
		}
		op.mu.Unlock()
	}
}

// Servers returns a snapshot of the registered voice servers.
func (d *Directory) Servers() []model.VoiceServer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.VoiceServer, 0, len(d.servers))
	for _, vs := range d.servers {
		out = append(out, vs.VoiceServer)
	}
	return out
}

// ServerLoad reports the used and maximum slots of a voice server.
func (d *Directory) ServerLoad(uuid string) (used, max int, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vs, ok := d.servers[uuid]
	if !ok {
		return 0, 0, false
	}
	return vs.used, vs.MaxClients, true
}

// selectAndReserve picks the least-loaded server with free capacity,
// preferring servers whose location matches when the hint is non-empty,
// and reserves one slot on it.
func (d *Directory) selectAndReserve(location string) (*voiceServer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pick := func(matchLocation bool) *voiceServer {
		var best *voiceServer
		for _, vs := range d.servers {
			if vs.used >= vs.MaxClients {
				continue
			}
			if matchLocation && vs.Location != location {
				continue
			}
			if best == nil || vs.used < best.used {
				best = vs
			}
		}
		return best
	}

	var best *voiceServer
	if location != "" {
		best = pick(true)
	}
	if best == nil {
		best = pick(false)
	}
	if best == nil {
		return nil, false
	}
	best.used++
	return best, true
}

// reserveOn reserves one slot on a specific server.
func (d *Directory) reserveOn(uuid string) (*voiceServer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vs, ok := d.servers[uuid]
	if !ok || vs.used >= vs.MaxClients {
		return nil, false
	}
	vs.used++
	return vs, true
}

func (d *Directory) releaseSlot(uuid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vs, ok := d.servers[uuid]; ok && vs.used > 0 {
		vs.used--
	}
}

// ---- user connection lifecycle ----

// UserConnected marks a user online. Called by the connection handler once
// the control token has been verified.
func (d *Directory) UserConnected(operatorID, userID, description, connID string) {
	op := d.getOrCreateOperator(operatorID)
	op.mu.Lock()
	defer op.mu.Unlock()
	u := op.users[userID]
	if u == nil {
		u = &user{id: userID}
		op.users[userID] = u
	}
	u.description = description
	u.online = true
	u.connID = connID
	slog.Debug("user online", "operator", operatorID, "user", userID, "conn", connID)
}

// UserDisconnected marks a user offline and synthesizes a part from any
// channel it occupied, releasing the voice-server slot.
func (d *Directory) UserDisconnected(operatorID, userID, reason string) {
	op := d.getOperator(operatorID)
	if op == nil {
		return
	}
	var notes []note
	op.mu.Lock()
	u := op.users[userID]
	if u != nil {
		u.online = false
		u.connID = ""
		if u.channelID != "" {
			notes = d.partLocked(op, u, reason)
		}
	}
	op.mu.Unlock()
	d.fire(notes)
	slog.Debug("user offline", "operator", operatorID, "user", userID, "reason", reason)
}

// ---- topology mutation RPCs ----

// JoinUserToChannel assigns a user to a channel, allocating a voice server
// with free capacity, and returns a signed channel token directed at that
// server. Joining while in a different channel parts the old one first; a
// failed allocation leaves no membership record behind.
func (d *Directory) JoinUserToChannel(operatorID, userID, channelID, channelDescription, location string) (string, error) {
	if err := validateIDs(operatorID, userID, channelID); err != nil {
		return "", err
	}
	if d.signer == nil {
		return "", fmt.Errorf("%w: token signer not configured", ErrUnavailable)
	}

	op := d.getOrCreateOperator(operatorID)
	raw, notes, err := d.joinLocked(op, userID, channelID, channelDescription, location)
	d.fire(notes)
	return raw, err
}

func (d *Directory) joinLocked(op *operator, userID, channelID, channelDescription, location string) (string, []note, error) {
	op.mu.Lock()
	defer op.mu.Unlock()

	u := op.users[userID]
	if u == nil {
		u = &user{id: userID}
		op.users[userID] = u
	}

	ch := op.channels[channelID]
	var vs *voiceServer
	alreadyMember := ch != nil && u.channelID == channelID

	switch {
	case alreadyMember:
		// Idempotent re-join: keep the existing slot, re-issue the token.
		d.mu.RLock()
		vs = d.servers[ch.serverUUID]
		d.mu.RUnlock()
		if vs == nil {
			return "", nil, ErrChannelAllocationFailed
		}
	case ch != nil:
		// Channel exists: the member must land on its hosting server.
		var ok bool
		vs, ok = d.reserveOn(ch.serverUUID)
		if !ok {
			return "", nil, ErrChannelAllocationFailed
		}
	default:
		var ok bool
		vs, ok = d.selectAndReserve(location)
		if !ok {
			return "", nil, ErrChannelAllocationFailed
		}
	}

	raw, err := d.signer.IssueChannelToken(op.id, userID, u.description, channelID, channelDescription, vs.VoipPort)
	if err != nil {
		if !alreadyMember {
			d.releaseSlot(vs.UUID)
		}
		return "", nil, fmt.Errorf("%w: issue channel token: %v", ErrUnavailable, err)
	}

	var notes []note
	if !alreadyMember {
		// Implicit part of the previous channel, after the new slot is
		// safely reserved so a failure cannot strand the user.
		if u.channelID != "" {
			notes = append(notes, d.partLocked(op, u, "moved to "+channelID)...)
		}
		if ch == nil {
			ch = &channel{
				id:          channelID,
				description: channelDescription,
				serverUUID:  vs.UUID,
				members:     make(map[string]struct{}),
			}
			op.channels[channelID] = ch
			slog.Info("channel created", "operator", op.id, "channel", channelID, "server", vs.UUID)
		}
		ch.members[userID] = struct{}{}
		u.channelID = channelID
	}

	if u.online {
		opID, uid := op.id, userID
		notes = append(notes, func(n Notifier) { n.UpdateToken(opID, uid, raw) })
	}
	slog.Info("user joined channel", "operator", op.id, "user", userID, "channel", channelID, "server", vs.UUID)
	return raw, notes, nil
}

// partLocked removes u from its current channel, releases the slot, and
// destroys the channel when it empties. Caller holds op.mu.
func (d *Directory) partLocked(op *operator, u *user, reason string) []note {
	ch := op.channels[u.channelID]
	u.channelID = ""
	if ch == nil {
		return nil
	}
	delete(ch.members, u.id)
	d.releaseSlot(ch.serverUUID)

	opID, uid, srv, chID := op.id, u.id, ch.serverUUID, ch.id
	notes := []note{func(n Notifier) { n.ClientUnregister(srv, opID, uid, reason) }}

	if len(ch.members) == 0 {
		delete(op.channels, chID)
		notes = append(notes, func(n Notifier) { n.ChannelDestroy(srv, opID, chID, "empty") })
		slog.Info("channel destroyed", "operator", opID, "channel", chID, "reason", "empty")
	}
	return notes
}

// PartUserFromChannel removes a user's membership. The channel is destroyed
// when its last member leaves.
func (d *Directory) PartUserFromChannel(operatorID, userID, channelID, reason string) error {
	if err := validateIDs(operatorID, userID, channelID); err != nil {
		return err
	}
	op := d.getOperator(operatorID)
	if op == nil {
		return ErrUserNotFound
	}
	var notes []note
	op.mu.Lock()
	u := op.users[userID]
	switch {
	case u == nil:
		op.mu.Unlock()
		return ErrUserNotFound
	case u.channelID != channelID:
		op.mu.Unlock()
		return ErrNotInThatChannel
	}
	notes = d.partLocked(op, u, reason)
	op.mu.Unlock()
	d.fire(notes)
	return nil
}

// DestroyChannel forcibly parts every member, notifies the owning voice
// server, and removes the record. Destroying an unknown channel fails with
// ErrChannelNotFound and has no side effect.
func (d *Directory) DestroyChannel(operatorID, channelID, reason string) error {
	if err := validateIDs(operatorID, channelID); err != nil {
		return err
	}
	op := d.getOperator(operatorID)
	if op == nil {
		return ErrChannelNotFound
	}
	var notes []note
	op.mu.Lock()
	ch := op.channels[channelID]
	if ch == nil {
		op.mu.Unlock()
		return ErrChannelNotFound
	}
	for uid := range ch.members {
		if u := op.users[uid]; u != nil {
			u.channelID = ""
		}
		d.releaseSlot(ch.serverUUID)
		srv, opID, user := ch.serverUUID, op.id, uid
		notes = append(notes, func(n Notifier) { n.ClientUnregister(srv, opID, user, reason) })
	}
	delete(op.channels, channelID)
	srv, opID := ch.serverUUID, op.id
	notes = append(notes, func(n Notifier) { n.ChannelDestroy(srv, opID, channelID, reason) })
	op.mu.Unlock()
	d.fire(notes)
	slog.Info("channel destroyed", "operator", operatorID, "channel", channelID, "reason", reason)
	return nil
}

// DisconnectUser forcibly parts a user from any channel it occupies,
// regardless of who initiated it. Unknown users are a no-op.
func (d *Directory) DisconnectUser(operatorID, userID, reason string) {
	op := d.getOperator(operatorID)
	if op == nil {
		return
	}
	var notes []note
	op.mu.Lock()
	if u := op.users[userID]; u != nil && u.channelID != "" {
		notes = d.partLocked(op, u, reason)
	}
	op.mu.Unlock()
	d.fire(notes)
}

// ---- queries ----

// GetUsersInChannel returns the sorted member ids of a channel.
func (d *Directory) GetUsersInChannel(operatorID, channelID string) ([]string, error) {
	if err := validateIDs(operatorID, channelID); err != nil {
		return nil, err
	}
	op := d.getOperator(operatorID)
	if op == nil {
		return nil, ErrChannelNotFound
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	ch := op.channels[channelID]
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	out := make([]string, 0, len(ch.members))
	for uid := range ch.members {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

// GetUsersOnlineStatus reports the online state of each requested user.
// Unknown users are reported offline rather than failing the batch.
func (d *Directory) GetUsersOnlineStatus(operatorID string, userIDs []string) []model.OnlineStatus {
	op := d.getOperator(operatorID)
	out := make([]model.OnlineStatus, 0, len(userIDs))
	if op == nil {
		for _, uid := range userIDs {
			out = append(out, model.OnlineStatus{UserID: uid})
		}
		return out
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, uid := range userIDs {
		st := model.OnlineStatus{UserID: uid}
		if u := op.users[uid]; u != nil && u.online {
			st.Online = true
			st.Extra = u.connID
		}
		out = append(out, st)
	}
	return out
}

// GetUserControlToken mints a signed control token identifying a user.
func (d *Directory) GetUserControlToken(operatorID, userID, userDescription string) (string, error) {
	if err := validateIDs(operatorID, userID); err != nil {
		return "", err
	}
	if d.signer == nil {
		return "", fmt.Errorf("%w: token signer not configured", ErrUnavailable)
	}
	return d.signer.IssueControlToken(operatorID, userID, userDescription)
}

// GetChannelToken mints a channel token for a client that will connect
// later. The hosting server is the channel's current one when the channel
// exists, otherwise the least-loaded server matching the location hint. No
// slot is reserved; admission happens when the user actually joins.
func (d *Directory) GetChannelToken(operatorID, userID, userDescription, channelID, channelDescription, location string) (string, error) {
	if err := validateIDs(operatorID, userID, channelID); err != nil {
		return "", err
	}
	if d.signer == nil {
		return "", fmt.Errorf("%w: token signer not configured", ErrUnavailable)
	}

	var serverUUID string
	if op := d.getOperator(operatorID); op != nil {
		op.mu.Lock()
		if ch := op.channels[channelID]; ch != nil {
			serverUUID = ch.serverUUID
		}
		op.mu.Unlock()
	}

	d.mu.RLock()
	var vs *voiceServer
	if serverUUID != "" {
		vs = d.servers[serverUUID]
	} else {
		pick := func(matchLocation bool) *voiceServer {
			var best *voiceServer
			for _, cand := range d.servers {
				if cand.used >= cand.MaxClients {
					continue
				}
				if matchLocation && cand.Location != location {
					continue
				}
				if best == nil || cand.used < best.used {
					best = cand
				}
			}
			return best
		}
		if location != "" {
			vs = pick(true)
		}
		if vs == nil {
			vs = pick(false)
		}
	}
	d.mu.RUnlock()
	if vs == nil {
		return "", ErrChannelAllocationFailed
	}
	return d.signer.IssueChannelToken(operatorID, userID, userDescription, channelID, channelDescription, vs.VoipPort)
}

// ---- voice-server resync ----

// ResyncClient reconciles one StateClient entry a voice server replays
// after (re-)registration: membership the directory did not know about is
// recreated and a slot reserved for it. A user the directory thought was in
// a different channel is parted from it first, keeping the one-channel
// invariant and the slot accounting balanced.
func (d *Directory) ResyncClient(serverUUID, operatorID, userID, channelID string) {
	if operatorID == "" || userID == "" || channelID == "" {
		return
	}
	op := d.getOrCreateOperator(operatorID)
	var notes []note
	op.mu.Lock()

	u := op.users[userID]
	if u == nil {
		u = &user{id: userID}
		op.users[userID] = u
	}
	if u.channelID == channelID {
		op.mu.Unlock()
		return // already consistent
	}
	ch := op.channels[channelID]
	if ch != nil && ch.serverUUID != serverUUID {
		slog.Warn("resync for channel on different server", "operator", operatorID,
			"channel", channelID, "have", ch.serverUUID, "got", serverUUID)
		op.mu.Unlock()
		return
	}
	if _, ok := d.reserveOn(serverUUID); !ok {
		slog.Warn("resync exceeds server capacity", "server", serverUUID, "operator", operatorID, "user", userID)
		op.mu.Unlock()
		return
	}
	// The new slot is safely reserved; now part any stale membership so the
	// user never holds two channels or two slots.
	if u.channelID != "" {
		notes = d.partLocked(op, u, "moved during resync")
	}
	if ch == nil {
		ch = &channel{
			id:         channelID,
			serverUUID: serverUUID,
			members:    make(map[string]struct{}),
		}
		op.channels[channelID] = ch
	}
	ch.members[userID] = struct{}{}
	u.channelID = channelID
	op.mu.Unlock()
	d.fire(notes)
	slog.Debug("resynced client", "operator", operatorID, "user", userID, "channel", channelID, "server", serverUUID)
}

// ChannelOf returns the channel a user currently occupies, or "".
func (d *Directory) ChannelOf(operatorID, userID string) string {
	op := d.getOperator(operatorID)
	if op == nil {
		return ""
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	if u := op.users[userID]; u != nil {
		return u.channelID
	}
	return ""
}

func validateIDs(ids ...string) error {
	for _, id := range ids {
		if err := model.ValidateID(id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return nil
}
