package mailbox

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return NewSealer(priv)
}

func TestSealRoundTrip(t *testing.T) {
	alice, bob := newTestSealer(t), newTestSealer(t)

	ct, err := alice.Seal("Hello Bob!", bob.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bob.Open(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "Hello Bob!" {
		t.Fatalf("expected 'Hello Bob!', got %q", pt)
	}
}

func TestSenderCanOpenOwnMessage(t *testing.T) {
	alice, bob := newTestSealer(t), newTestSealer(t)

	ct, _ := alice.Seal("note to self", bob.PublicKey())
	pt, err := alice.Open(ct)
	if err != nil {
		t.Fatal(err)
	}
	if pt != "note to self" {
		t.Fatalf("expected 'note to self', got %q", pt)
	}
}

func TestBoxWireFormat(t *testing.T) {
	alice, bob := newTestSealer(t), newTestSealer(t)

	ct, err := alice.Seal("test", bob.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	boxes := strings.Split(ct, boxSeparator)
	if len(boxes) != 2 {
		t.Fatalf("expected 2 boxes, got %d", len(boxes))
	}
	for _, box := range boxes {
		wire, _ := base64.StdEncoding.DecodeString(box)
		// 32 (eph pk) + 12 (nonce) + 4 (plaintext) + 16 (tag) = 64
		if len(wire) != 64 {
			t.Fatalf("expected box length 64, got %d", len(wire))
		}
	}
}

func TestSealIsRandomized(t *testing.T) {
	alice, bob := newTestSealer(t), newTestSealer(t)

	ct1, _ := alice.Seal("same", bob.PublicKey())
	ct2, _ := alice.Seal("same", bob.PublicKey())
	if ct1 == ct2 {
		t.Fatal("ciphertexts should differ for same plaintext")
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	alice, bob, eve := newTestSealer(t), newTestSealer(t), newTestSealer(t)

	ct, _ := alice.Seal("secret", bob.PublicKey())
	_, err := eve.Open(ct)
	if err == nil {
		t.Fatal("expected error with wrong key")
	}
	if !IsSealError(err) {
		t.Fatalf("expected SealError, got %T", err)
	}
}

func TestOpenTamperedFails(t *testing.T) {
	alice, bob := newTestSealer(t), newTestSealer(t)

	ct, _ := alice.Seal("secret", bob.PublicKey())
	box := strings.Split(ct, boxSeparator)[0]
	wire, _ := base64.StdEncoding.DecodeString(box)
	wire[len(wire)-1] ^= 0x01

	if _, err := bob.Open(base64.StdEncoding.EncodeToString(wire)); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	bob := newTestSealer(t)

	for _, payload := range []string{"", "not-base64!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := bob.Open(payload); !IsSealError(err) {
			t.Fatalf("payload %q: expected SealError, got %v", payload, err)
		}
	}
}

func TestNewSealerFromSeed(t *testing.T) {
	bob := newTestSealer(t)
	seed := base64.StdEncoding.EncodeToString(bob.priv.Seed())

	again, err := NewSealerFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	if !again.PublicKey().Equal(bob.PublicKey()) {
		t.Fatal("seed did not reproduce the key")
	}

	if _, err := NewSealerFromSeed("AAAA"); err == nil {
		t.Fatal("expected error for short seed")
	}
}
