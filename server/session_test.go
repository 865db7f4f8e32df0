package main

import (
	"bytes"
	"testing"

	"github.com/luki4fun/VoIPC/internal/limits"
	"github.com/luki4fun/VoIPC/internal/wire"
)

func TestDispatchPingRepliesPong(t *testing.T) {
	reg := NewRegistry()
	buf := &bytes.Buffer{}
	s := &session{userID: 1, username: "alice", ctrl: buf}
	reg.users[1] = &UserRecord{ID: 1, Username: "alice", ChannelID: 0, sess: s}

	dispatchControl(reg, s, wire.Ping{Timestamp: 99})

	msg, err := wire.ReadMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	pong, ok := msg.(wire.Pong)
	if !ok || pong.EchoedTimestamp != 99 {
		t.Fatalf("got %#v", msg)
	}
}

func TestDispatchCreateChannelBroadcastsToAll(t *testing.T) {
	reg := NewRegistry()
	aliceBuf := &bytes.Buffer{}
	bobBuf := &bytes.Buffer{}
	alice := &session{userID: 1, username: "alice", ctrl: aliceBuf}
	bob := &session{userID: 2, username: "bob", ctrl: bobBuf}
	reg.users[1] = &UserRecord{ID: 1, Username: "alice", sess: alice}
	reg.users[2] = &UserRecord{ID: 2, Username: "bob", sess: bob}

	dispatchControl(reg, alice, wire.CreateChannel{Name: "gaming", MaxUsers: 10})

	// Everyone, creator included, hears about the new channel exactly once.
	if _, err := wire.ReadMessage(aliceBuf); err != nil {
		t.Fatalf("alice broadcast: %v", err)
	}
	if aliceBuf.Len() != 0 {
		t.Fatal("creator should receive ChannelCreated exactly once")
	}
	msg, err := wire.ReadMessage(bobBuf)
	if err != nil {
		t.Fatalf("bob broadcast: %v", err)
	}
	cc, ok := msg.(wire.ChannelCreated)
	if !ok || cc.Channel.Name != "gaming" {
		t.Fatalf("got %#v", msg)
	}
}

func TestDispatchSendEncryptedDirectMessageRoutesToTarget(t *testing.T) {
	reg := NewRegistry()
	aliceBuf := &bytes.Buffer{}
	bobBuf := &bytes.Buffer{}
	alice := &session{userID: 1, username: "alice", ctrl: aliceBuf}
	bob := &session{userID: 2, username: "bob", ctrl: bobBuf}
	reg.users[1] = &UserRecord{ID: 1, Username: "alice", sess: alice}
	reg.users[2] = &UserRecord{ID: 2, Username: "bob", sess: bob}

	dispatchControl(reg, alice, wire.SendEncryptedDirectMessage{TargetUserID: 2, Ciphertext: []byte("opaque")})

	msg, err := wire.ReadMessage(bobBuf)
	if err != nil {
		t.Fatal(err)
	}
	dm, ok := msg.(wire.EncryptedDirectMessage)
	if !ok || dm.SenderUserID != 1 || string(dm.Ciphertext) != "opaque" {
		t.Fatalf("got %#v", msg)
	}
	if aliceBuf.Len() != 0 {
		t.Fatal("sender should not receive its own DM echoed back")
	}
}

func TestDispatchKickBroadcastsOldChannelAndReconcilesTarget(t *testing.T) {
	reg := NewRegistry()
	aliceSess := newTestSession(0, "alice")
	bobSess := newTestSession(0, "bob")
	caraSess := newTestSession(0, "cara")
	alice, _, _, _ := reg.Handshake("alice", aliceSess)
	bob, _, _, _ := reg.Handshake("bob", bobSess)
	cara, _, _, _ := reg.Handshake("cara", caraSess)
	aliceSess.userID, bobSess.userID, caraSess.userID = alice.ID, bob.ID, cara.ID

	c, err := reg.CreateChannel("gaming", "", "", 0, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := reg.JoinChannel(alice.ID, c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := reg.JoinChannel(bob.ID, c.ID, ""); err != nil {
		t.Fatal(err)
	}
	aliceSess.ctrl.(*bytes.Buffer).Reset()
	bobSess.ctrl.(*bytes.Buffer).Reset()
	caraSess.ctrl.(*bytes.Buffer).Reset()

	dispatchControl(reg, aliceSess, wire.KickUser{TargetUserID: bob.ID, Reason: "afk"})

	// The remaining member of the old channel hears UserLeft for that
	// channel, not for the lobby bob landed in.
	msg, err := wire.ReadMessage(aliceSess.ctrl.(*bytes.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	left, ok := msg.(wire.UserLeft)
	if !ok || left.ChannelID != c.ID || left.UserID != bob.ID {
		t.Fatalf("got %#v", msg)
	}

	// The kicked user gets Kicked, then the authoritative lobby roster.
	msg, err = wire.ReadMessage(bobSess.ctrl.(*bytes.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	kicked, ok := msg.(wire.Kicked)
	if !ok || kicked.Reason != "afk" {
		t.Fatalf("got %#v", msg)
	}
	msg, err = wire.ReadMessage(bobSess.ctrl.(*bytes.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	list, ok := msg.(wire.UserList)
	if !ok || list.ChannelID != limits.LobbyChannelID {
		t.Fatalf("got %#v", msg)
	}
	found := false
	for _, u := range list.Users {
		if u.ID == bob.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("lobby roster sent to kicked user should include them")
	}

	// Lobby bystanders see bob arrive.
	msg, err = wire.ReadMessage(caraSess.ctrl.(*bytes.Buffer))
	if err != nil {
		t.Fatal(err)
	}
	joined, ok := msg.(wire.UserJoined)
	if !ok || joined.ChannelID != limits.LobbyChannelID || joined.User.ID != bob.ID {
		t.Fatalf("got %#v", msg)
	}
}
