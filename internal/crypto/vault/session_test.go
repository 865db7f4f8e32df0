package vault

import (
	"path/filepath"
	"testing"

	"github.com/luki4fun/VoIPC/internal/crypto/e2e"
)

func TestSessionStateSaveLoadRoundTrip(t *testing.T) {
	identity, err := e2e.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := e2e.GenerateSignedPreKey(identity, 1)
	if err != nil {
		t.Fatal(err)
	}
	opks, err := e2e.GenerateOneTimePreKeys(1, 5)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSessionState(identity)
	s.SignedPreKeys = append(s.SignedPreKeys, *spk)
	s.OneTimePreKeys = opks
	s.NextOneTimeID = 6

	path := filepath.Join(t.TempDir(), "session.vsig")
	if err := SaveSessionState(path, "pw", s); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}

	loaded, err := LoadSessionState(path, "pw")
	if err != nil {
		t.Fatalf("LoadSessionState: %v", err)
	}
	if loaded.Identity.DHPublic != identity.DHPublic {
		t.Fatal("identity key did not survive round trip")
	}
	if len(loaded.SignedPreKeys) != 1 || loaded.SignedPreKeys[0].ID != spk.ID {
		t.Fatalf("signed pre-keys mismatch: %+v", loaded.SignedPreKeys)
	}
	if len(loaded.OneTimePreKeys) != 5 || loaded.NextOneTimeID != 6 {
		t.Fatalf("one-time pre-key pool mismatch: %+v next=%d", loaded.OneTimePreKeys, loaded.NextOneTimeID)
	}

	if _, err := LoadSessionState(path, "wrong"); err != ErrWrongPassword {
		t.Fatalf("got %v want ErrWrongPassword", err)
	}
}
