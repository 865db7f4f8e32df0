package e2e

import (
	"bytes"
	"testing"
)

func buildBundle(t *testing.T, responder *IdentityKeyPair, spk *SignedPreKey, opk *OneTimePreKey) PreKeyBundle {
	t.Helper()
	b := PreKeyBundle{
		UserID:                2,
		IdentityDHPublic:      responder.DHPublic,
		IdentitySignPublic:    responder.SignPublic,
		SignedPreKeyID:        spk.ID,
		SignedPreKeyPublic:    spk.Public,
		SignedPreKeySignature: spk.Signature,
	}
	if opk != nil {
		b.HasOneTimePreKey = true
		b.OneTimePreKeyID = opk.ID
		b.OneTimePreKeyPublic = opk.Public
	}
	return b
}

func TestX3DHRootKeyAgreement(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(bob, 1)
	if err != nil {
		t.Fatal(err)
	}
	opks, err := GenerateOneTimePreKeys(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	opk := opks[0]

	bundle := buildBundle(t, bob, spk, &opk)

	aliceRoot, initMsg, err := InitiateSession(alice, bundle)
	if err != nil {
		t.Fatalf("InitiateSession: %v", err)
	}

	bobRoot, err := RespondSession(bob, spk, &opk, initMsg)
	if err != nil {
		t.Fatalf("RespondSession: %v", err)
	}

	if aliceRoot != bobRoot {
		t.Fatal("initiator and responder derived different root keys")
	}
}

func TestBundleInvalidSignatureRejected(t *testing.T) {
	alice, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(bob, 1)
	if err != nil {
		t.Fatal(err)
	}
	bundle := buildBundle(t, bob, spk, nil)
	bundle.SignedPreKeySignature[0] ^= 0xFF // corrupt the signature

	if _, _, err := InitiateSession(alice, bundle); err != ErrBundleInvalidSignature {
		t.Fatalf("got %v want ErrBundleInvalidSignature", err)
	}
}

func establishedRatchets(t *testing.T) (alice, bob *Ratchet) {
	t.Helper()
	aliceIdentity, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bobIdentity, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(bobIdentity, 1)
	if err != nil {
		t.Fatal(err)
	}
	bundle := buildBundle(t, bobIdentity, spk, nil)

	root, initMsg, err := InitiateSession(aliceIdentity, bundle)
	if err != nil {
		t.Fatal(err)
	}
	bobRoot, err := RespondSession(bobIdentity, spk, nil, initMsg)
	if err != nil {
		t.Fatal(err)
	}
	if root != bobRoot {
		t.Fatal("root key mismatch setting up ratchet test fixture")
	}

	alice, err = NewRatchetAsInitiator(root, spk.Public)
	if err != nil {
		t.Fatal(err)
	}
	bob = NewRatchetAsResponder(bobRoot, spk.Private, spk.Public)
	return alice, bob
}

func TestRatchetRoundTripAndDHStep(t *testing.T) {
	alice, bob := establishedRatchets(t)

	h1, ct1, err := alice.Encrypt([]byte("hello bob"), []byte("aad"))
	if err != nil {
		t.Fatal(err)
	}
	pt1, err := bob.Decrypt(h1, ct1, []byte("aad"))
	if err != nil {
		t.Fatalf("bob decrypt 1: %v", err)
	}
	if !bytes.Equal(pt1, []byte("hello bob")) {
		t.Fatalf("got %q", pt1)
	}

	// Bob replies, forcing a DH ratchet step on Alice's side.
	h2, ct2, err := bob.Encrypt([]byte("hi alice"), []byte("aad"))
	if err != nil {
		t.Fatal(err)
	}
	pt2, err := alice.Decrypt(h2, ct2, []byte("aad"))
	if err != nil {
		t.Fatalf("alice decrypt 1: %v", err)
	}
	if !bytes.Equal(pt2, []byte("hi alice")) {
		t.Fatalf("got %q", pt2)
	}

	// Continued traffic on the now-established chains.
	h3, ct3, err := alice.Encrypt([]byte("second message"), nil)
	if err != nil {
		t.Fatal(err)
	}
	pt3, err := bob.Decrypt(h3, ct3, nil)
	if err != nil {
		t.Fatalf("bob decrypt 2: %v", err)
	}
	if !bytes.Equal(pt3, []byte("second message")) {
		t.Fatalf("got %q", pt3)
	}
}

func TestRatchetOutOfOrderDelivery(t *testing.T) {
	alice, bob := establishedRatchets(t)

	h1, ct1, _ := alice.Encrypt([]byte("one"), nil)
	h2, ct2, _ := alice.Encrypt([]byte("two"), nil)
	h3, ct3, _ := alice.Encrypt([]byte("three"), nil)

	// Deliver out of order: 3, 1, 2.
	pt3, err := bob.Decrypt(h3, ct3, nil)
	if err != nil {
		t.Fatalf("decrypt 3: %v", err)
	}
	if string(pt3) != "three" {
		t.Fatalf("got %q", pt3)
	}
	pt1, err := bob.Decrypt(h1, ct1, nil)
	if err != nil {
		t.Fatalf("decrypt 1 (skipped key): %v", err)
	}
	if string(pt1) != "one" {
		t.Fatalf("got %q", pt1)
	}
	pt2, err := bob.Decrypt(h2, ct2, nil)
	if err != nil {
		t.Fatalf("decrypt 2 (skipped key): %v", err)
	}
	if string(pt2) != "two" {
		t.Fatalf("got %q", pt2)
	}
}

func TestRatchetTamperedCiphertextFails(t *testing.T) {
	alice, bob := establishedRatchets(t)
	h, ct, _ := alice.Encrypt([]byte("payload"), []byte("ctx"))
	ct[0] ^= 0x01
	if _, err := bob.Decrypt(h, ct, []byte("ctx")); err != ErrDecryptAuthFailure {
		t.Fatalf("got %v want ErrDecryptAuthFailure", err)
	}
}

func TestSenderKeyChainRoundTrip(t *testing.T) {
	sender, err := NewSenderKeyChain()
	if err != nil {
		t.Fatal(err)
	}
	receiver := NewReceiverSenderKeyChain(sender.ChainKey())

	aad := []byte("channel-ctx")
	c1, ct1, err := sender.Seal([]byte("msg one"), aad)
	if err != nil {
		t.Fatal(err)
	}
	c2, ct2, err := sender.Seal([]byte("msg two"), aad)
	if err != nil {
		t.Fatal(err)
	}

	pt1, err := receiver.Open(c1, ct1, aad)
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if string(pt1) != "msg one" {
		t.Fatalf("got %q", pt1)
	}
	pt2, err := receiver.Open(c2, ct2, aad)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if string(pt2) != "msg two" {
		t.Fatalf("got %q", pt2)
	}
}

func TestSenderKeyChainMidStreamImport(t *testing.T) {
	sender, err := NewSenderKeyChain()
	if err != nil {
		t.Fatal(err)
	}
	aad := []byte("channel-ctx")

	// Two messages go out before the late joiner receives the chain key.
	if _, _, err := sender.Seal([]byte("early one"), aad); err != nil {
		t.Fatal(err)
	}
	if _, _, err := sender.Seal([]byte("early two"), aad); err != nil {
		t.Fatal(err)
	}

	// The export carries the current counter, so the importer's chain lines
	// up with the sender's position rather than restarting at zero.
	late := NewReceiverSenderKeyChain(sender.ChainKey())

	c3, ct3, err := sender.Seal([]byte("msg three"), aad)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := late.Open(c3, ct3, aad)
	if err != nil {
		t.Fatalf("open after mid-stream import: %v", err)
	}
	if string(pt) != "msg three" {
		t.Fatalf("got %q", pt)
	}

	// Messages from before the import are not decryptable by the late
	// joiner: their counters precede the imported position.
	if _, err := late.Open(0, ct3, aad); err != ErrDecryptAuthFailure {
		t.Fatalf("got %v want ErrDecryptAuthFailure for pre-import counter", err)
	}
}
