package main

import (
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luki4fun/VoIPC/internal/crypto/aead"
	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

// UserRecord is the registry's view of one connected user.
// Secret material never lives here — pre-key bundles are opaque blobs and
// pairwise sessions are entirely client-side; the server only routes.
type UserRecord struct {
	ID        uint32
	Username  string
	ChannelID uint32

	sess *session // owning actor; nil only during brief construction

	// watching is the sharer this user currently watches, 0 = none.
	watching uint32
}

// ChannelRecord is the registry's view of one channel.
type ChannelRecord struct {
	ID          uint32
	Name        string
	Description string
	password    []byte // zeroized on deletion; empty = no password
	MaxUsers    uint32
	CreatedBy   uint32

	MediaKey     aead.Key
	members      map[uint32]struct{}
	gcTimer      *time.Timer
	sharerUserID uint32 // 0 = no active screen share
}

// Registry is the single-process in-memory session/channel table. Each map
// has its own lock; where two are held at once, channels is taken before
// users and usernames before users, to avoid deadlock.
type Registry struct {
	chMu     sync.RWMutex
	channels map[uint32]*ChannelRecord
	nextChID uint32

	usrMu sync.RWMutex
	users map[uint32]*UserRecord
	nextUserID uint32

	nameMu    sync.RWMutex
	usernames map[string]uint32

	emptyChannelTimeout time.Duration
	maxChannels         int
	maxUsers            int

	totalDatagrams atomic.Uint64
	totalBytes     atomic.Uint64
}

// RecordDatagram accounts for one relayed datagram of n bytes, for the
// periodic metrics logger.
func (r *Registry) RecordDatagram(n int) {
	r.totalDatagrams.Add(1)
	r.totalBytes.Add(uint64(n))
}

// Stats returns cumulative datagram/byte counters and the current
// connection count.
func (r *Registry) Stats() (datagrams, bytes uint64, users int) {
	r.usrMu.RLock()
	users = len(r.users)
	r.usrMu.RUnlock()
	return r.totalDatagrams.Load(), r.totalBytes.Load(), users
}

// NewRegistry returns a registry pre-seeded with the permanent lobby
// (channel 0, voice-disabled, never deleted).
func NewRegistry() *Registry {
	r := &Registry{
		channels:            make(map[uint32]*ChannelRecord),
		users:               make(map[uint32]*UserRecord),
		usernames:           make(map[string]uint32),
		emptyChannelTimeout: limits.EmptyChannelTimeout,
		maxChannels:         limits.DefaultMaxChannels,
		maxUsers:            limits.DefaultMaxUsers,
		nextUserID:          1,
		nextChID:            1,
	}
	r.channels[limits.LobbyChannelID] = &ChannelRecord{
		ID:      limits.LobbyChannelID,
		Name:    "Lobby",
		members: make(map[uint32]struct{}),
	}
	return r
}

// channelSummary builds the wire representation of c. Caller must hold chMu.
func channelSummary(c *ChannelRecord) wire.ChannelSummary {
	return wire.ChannelSummary{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		HasPassword: len(c.password) > 0,
		MaxUsers:    c.MaxUsers,
		UserCount:   uint32(len(c.members)),
	}
}

func userSummary(u *UserRecord) wire.UserSummary {
	return wire.UserSummary{ID: u.ID, Username: u.Username, ChannelID: u.ChannelID}
}

// ChannelList returns a snapshot of every channel.
func (r *Registry) ChannelList() []wire.ChannelSummary {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	out := make([]wire.ChannelSummary, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, channelSummary(c))
	}
	return out
}

// UsersInChannel returns a snapshot of the members of channelID.
func (r *Registry) UsersInChannel(channelID uint32) []wire.UserSummary {
	r.chMu.RLock()
	c, ok := r.channels[channelID]
	if !ok {
		r.chMu.RUnlock()
		return nil
	}
	memberIDs := make([]uint32, 0, len(c.members))
	for id := range c.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.RUnlock()

	r.usrMu.RLock()
	defer r.usrMu.RUnlock()
	out := make([]wire.UserSummary, 0, len(memberIDs))
	for _, id := range memberIDs {
		if u, ok := r.users[id]; ok {
			out = append(out, userSummary(u))
		}
	}
	return out
}

// Handshake admits a new user, returning ErrUsernameTaken if already in use.
// On success s is bound to the new user id, the user is placed in the lobby,
// and the caller must still broadcast UserJoined to the lobby's other members.
func (r *Registry) Handshake(username string, s *session) (*UserRecord, []wire.ChannelSummary, []wire.UserSummary, error) {
	r.nameMu.Lock()
	if _, taken := r.usernames[username]; taken {
		r.nameMu.Unlock()
		return nil, nil, nil, errUsernameTaken
	}

	r.usrMu.Lock()
	if len(r.users) >= r.maxUsers {
		r.usrMu.Unlock()
		r.nameMu.Unlock()
		return nil, nil, nil, errServerFull
	}
	id := r.nextUserID
	r.nextUserID++
	u := &UserRecord{ID: id, Username: username, ChannelID: limits.LobbyChannelID, sess: s}
	s.userID = id
	r.users[id] = u
	r.usrMu.Unlock()

	r.usernames[username] = id
	r.nameMu.Unlock()

	r.chMu.Lock()
	lobby := r.channels[limits.LobbyChannelID]
	lobby.members[id] = struct{}{}
	r.chMu.Unlock()

	return u, r.ChannelList(), r.UsersInChannel(limits.LobbyChannelID), nil
}

// Disconnect removes a user entirely, releasing their username and
// membership. Returns the channel they were in so the caller can broadcast
// UserLeft and potentially schedule channel GC.
func (r *Registry) Disconnect(userID uint32) (oldChannel uint32, ok bool) {
	r.usrMu.Lock()
	u, exists := r.users[userID]
	if !exists {
		r.usrMu.Unlock()
		return 0, false
	}
	delete(r.users, userID)
	r.usrMu.Unlock()

	r.nameMu.Lock()
	delete(r.usernames, u.Username)
	r.nameMu.Unlock()

	r.chMu.Lock()
	if c, ok := r.channels[u.ChannelID]; ok {
		delete(c.members, userID)
		if c.sharerUserID == userID {
			c.sharerUserID = 0
		}
		r.maybeScheduleGC(c)
	}
	r.chMu.Unlock()

	return u.ChannelID, true
}

// maybeScheduleGC arms c's deletion timer when it has become empty and is
// not the lobby. Caller must hold chMu.
func (r *Registry) maybeScheduleGC(c *ChannelRecord) {
	if c.ID == limits.LobbyChannelID || len(c.members) > 0 {
		return
	}
	if c.gcTimer != nil {
		return
	}
	c.gcTimer = time.AfterFunc(r.emptyChannelTimeout, func() {
		r.chMu.Lock()
		defer r.chMu.Unlock()
		cur, ok := r.channels[c.ID]
		if !ok || len(cur.members) > 0 {
			return
		}
		delete(r.channels, c.ID)
	})
}

// cancelGC disarms c's pending deletion timer, called when a channel
// regains a member. Caller must hold chMu.
func (r *Registry) cancelGC(c *ChannelRecord) {
	if c.gcTimer != nil {
		c.gcTimer.Stop()
		c.gcTimer = nil
	}
}

// CreateChannel allocates a new channel owned by creatorID.
func (r *Registry) CreateChannel(name, description, password string, maxUsers, creatorID uint32) (*ChannelRecord, error) {
	if len(name) == 0 || len(name) > limits.MaxChannelName {
		return nil, errInvalidField
	}

	r.chMu.Lock()
	defer r.chMu.Unlock()

	if len(r.channels) >= r.maxChannels+1 { // +1 for the lobby
		return nil, errChannelLimitReached
	}
	for _, c := range r.channels {
		if c.Name == name {
			return nil, errChannelNameTaken
		}
	}

	id := r.nextChID
	r.nextChID++

	var key aead.Key
	if _, err := rand.Read(key.Secret[:]); err != nil {
		return nil, err
	}

	c := &ChannelRecord{
		ID:          id,
		Name:        name,
		Description: description,
		MaxUsers:    maxUsers,
		CreatedBy:   creatorID,
		MediaKey:    key,
		members:     make(map[uint32]struct{}),
	}
	if password != "" {
		c.password = []byte(password)
	}
	r.channels[id] = c
	return c, nil
}

// SetChannelPassword updates c's password in place; empty clears it.
func (r *Registry) SetChannelPassword(channelID, requesterID uint32, password string) error {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	c, ok := r.channels[channelID]
	if !ok {
		return errUnknownChannel
	}
	if c.CreatedBy != requesterID {
		return errNotCreator
	}
	zeroBytes(c.password)
	if password == "" {
		c.password = nil
	} else {
		c.password = []byte(password)
	}
	return nil
}

// checkPassword performs a constant-time comparison.
func checkPassword(c *ChannelRecord, attempt string) bool {
	if len(c.password) == 0 {
		return attempt == ""
	}
	return subtle.ConstantTimeCompare(c.password, []byte(attempt)) == 1
}

// JoinChannel moves userID from its current channel into channelID, subject
// to password and capacity checks. Returns the old and new channel ids and
// the roster of the new channel (post-join) for the caller to reply with.
func (r *Registry) JoinChannel(userID, channelID uint32, password string) (old, new_ uint32, roster []wire.UserSummary, err error) {
	r.chMu.Lock()
	target, ok := r.channels[channelID]
	if !ok {
		r.chMu.Unlock()
		return 0, 0, nil, errUnknownChannel
	}
	if target.MaxUsers > 0 && uint32(len(target.members)) >= target.MaxUsers {
		r.chMu.Unlock()
		return 0, 0, nil, errChannelFull
	}
	if !checkPassword(target, password) {
		r.chMu.Unlock()
		return 0, 0, nil, errWrongPassword
	}

	r.usrMu.Lock()
	u, exists := r.users[userID]
	if !exists {
		r.usrMu.Unlock()
		r.chMu.Unlock()
		return 0, 0, nil, errUnknownUser
	}
	oldID := u.ChannelID
	u.ChannelID = channelID
	u.watching = 0
	r.usrMu.Unlock()

	if oc, ok := r.channels[oldID]; ok {
		delete(oc.members, userID)
		if oc.sharerUserID == userID {
			oc.sharerUserID = 0
		}
		r.maybeScheduleGC(oc)
	}
	r.cancelGC(target)
	target.members[userID] = struct{}{}

	memberIDs := make([]uint32, 0, len(target.members))
	for id := range target.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.Unlock()

	r.usrMu.RLock()
	roster = make([]wire.UserSummary, 0, len(memberIDs))
	for _, id := range memberIDs {
		if m, ok := r.users[id]; ok {
			roster = append(roster, userSummary(m))
		}
	}
	r.usrMu.RUnlock()

	return oldID, channelID, roster, nil
}

// DeleteChannel forces every member to the lobby and removes the channel.
// Creator-or-auto is decided by the caller; this just performs the move.
func (r *Registry) DeleteChannel(channelID uint32) (evicted []uint32, ok bool) {
	if channelID == limits.LobbyChannelID {
		return nil, false
	}
	r.chMu.Lock()
	c, exists := r.channels[channelID]
	if !exists {
		r.chMu.Unlock()
		return nil, false
	}
	lobby := r.channels[limits.LobbyChannelID]
	for id := range c.members {
		evicted = append(evicted, id)
		lobby.members[id] = struct{}{}
	}
	delete(r.channels, channelID)
	r.chMu.Unlock()

	r.usrMu.Lock()
	for _, id := range evicted {
		if u, ok := r.users[id]; ok {
			u.ChannelID = limits.LobbyChannelID
			u.watching = 0
		}
	}
	r.usrMu.Unlock()

	zeroBytes(c.password)
	return evicted, true
}

// Kick moves targetID to the lobby, enforcing that only the channel's
// creator may kick and that creators cannot be kicked from their own
// channel. Returns the channel the target was
// kicked out of so the caller can broadcast UserLeft there.
func (r *Registry) Kick(requesterID, targetID uint32) (oldChannel uint32, err error) {
	r.chMu.Lock()
	r.usrMu.RLock()
	target, ok := r.users[targetID]
	r.usrMu.RUnlock()
	if !ok {
		r.chMu.Unlock()
		return 0, errUnknownUser
	}
	c, ok := r.channels[target.ChannelID]
	if !ok {
		r.chMu.Unlock()
		return 0, errUnknownChannel
	}
	if c.CreatedBy != requesterID {
		r.chMu.Unlock()
		return 0, errNotCreator
	}
	if targetID == c.CreatedBy {
		r.chMu.Unlock()
		return 0, errCannotKickCreator
	}
	oldChannel = c.ID
	delete(c.members, targetID)
	lobby := r.channels[limits.LobbyChannelID]
	lobby.members[targetID] = struct{}{}
	if c.sharerUserID == targetID {
		c.sharerUserID = 0
	}
	r.maybeScheduleGC(c)
	r.chMu.Unlock()

	r.usrMu.Lock()
	target.ChannelID = limits.LobbyChannelID
	target.watching = 0
	r.usrMu.Unlock()
	return oldChannel, nil
}

// User looks up a user by id.
func (r *Registry) User(id uint32) (*UserRecord, bool) {
	r.usrMu.RLock()
	defer r.usrMu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// Channel looks up a channel by id.
func (r *Registry) Channel(id uint32) (*ChannelRecord, bool) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	c, ok := r.channels[id]
	return c, ok
}

// IsSharing reports whether userID has an active screen share in its
// current channel, and which channel that is. Used by the session layer to
// emit the forced-transition notifications before a move, kick, or
// disconnect clears the share flag.
func (r *Registry) IsSharing(userID uint32) (channelID uint32, sharing bool) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	r.usrMu.RLock()
	u, ok := r.users[userID]
	r.usrMu.RUnlock()
	if !ok {
		return 0, false
	}
	c, ok := r.channels[u.ChannelID]
	if !ok {
		return 0, false
	}
	return u.ChannelID, c.sharerUserID == userID
}

// ClearWatchers resets the watching flag of every member of channelID
// currently watching sharerID, called when that share ends.
func (r *Registry) ClearWatchers(channelID, sharerID uint32) {
	r.chMu.RLock()
	c, ok := r.channels[channelID]
	if !ok {
		r.chMu.RUnlock()
		return
	}
	memberIDs := make([]uint32, 0, len(c.members))
	for id := range c.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.RUnlock()

	r.usrMu.Lock()
	for _, id := range memberIDs {
		if u, ok := r.users[id]; ok && u.watching == sharerID {
			u.watching = 0
		}
	}
	r.usrMu.Unlock()
}

// SetWatching records that watcherID now watches sharerID (0 clears it).
// Returns the previous value so callers can compute viewer-count deltas.
func (r *Registry) SetWatching(watcherID, sharerID uint32) (previous uint32, ok bool) {
	r.usrMu.Lock()
	defer r.usrMu.Unlock()
	u, exists := r.users[watcherID]
	if !exists {
		return 0, false
	}
	previous = u.watching
	u.watching = sharerID
	return previous, true
}

// ViewerCount returns how many users in channelID are currently watching
// sharerID.
func (r *Registry) ViewerCount(channelID, sharerID uint32) int {
	r.chMu.RLock()
	c, ok := r.channels[channelID]
	if !ok {
		r.chMu.RUnlock()
		return 0
	}
	memberIDs := make([]uint32, 0, len(c.members))
	for id := range c.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.RUnlock()

	r.usrMu.RLock()
	defer r.usrMu.RUnlock()
	n := 0
	for _, id := range memberIDs {
		if u, ok := r.users[id]; ok && u.watching == sharerID {
			n++
		}
	}
	return n
}

// Watchers returns the sessions of every member of channelID currently
// watching sharerID, used by the relay to fan out video fragments.
func (r *Registry) Watchers(channelID, sharerID uint32) []*session {
	r.chMu.RLock()
	c, ok := r.channels[channelID]
	if !ok {
		r.chMu.RUnlock()
		return nil
	}
	memberIDs := make([]uint32, 0, len(c.members))
	for id := range c.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.RUnlock()

	r.usrMu.RLock()
	defer r.usrMu.RUnlock()
	out := make([]*session, 0, len(memberIDs))
	for _, id := range memberIDs {
		if u, ok := r.users[id]; ok && id != sharerID && u.watching == sharerID {
			out = append(out, u.sess)
		}
	}
	return out
}

// ChannelMembers returns the live sessions of every member of channelID
// except excludeID (used for voice fan-out and control broadcasts).
func (r *Registry) ChannelMembers(channelID, excludeID uint32) []*session {
	r.chMu.RLock()
	c, ok := r.channels[channelID]
	if !ok {
		r.chMu.RUnlock()
		return nil
	}
	memberIDs := make([]uint32, 0, len(c.members))
	for id := range c.members {
		memberIDs = append(memberIDs, id)
	}
	r.chMu.RUnlock()

	r.usrMu.RLock()
	defer r.usrMu.RUnlock()
	out := make([]*session, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == excludeID {
			continue
		}
		if u, ok := r.users[id]; ok {
			out = append(out, u.sess)
		}
	}
	return out
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
