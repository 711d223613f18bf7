package mailbox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	sealInfo        = "dmsync-seal-v1"
	ephemeralPKSize = 32
	nonceSize       = chacha20poly1305.NonceSize
	keySize         = chacha20poly1305.KeySize
	minBoxLen       = ephemeralPKSize + nonceSize + chacha20poly1305.Overhead // 60

	// boxSeparator joins the boxes of a multi-recipient payload. It is not in the base64 alphabet.
	boxSeparator = "."
)

// SealError is an encryption or decryption failure.
type SealError struct {
	Message string
}

func (e *SealError) Error() string {
	return e.Message
}

// IsSealError reports whether err is or wraps a *SealError.
func IsSealError(err error) bool {
	var se *SealError
	return errors.As(err, &se)
}

// Sealer seals payloads to Ed25519 identities and opens payloads sealed to its own.
//
// A payload holds one box per recipient: ephemeral_pk[32] || nonce[12] ||
// ciphertext, base64 encoded, boxes joined by ".". Sealing always adds a box
// for the sender so that its own messages stay readable.
type Sealer struct {
	priv ed25519.PrivateKey
}

// NewSealer creates a Sealer from an Ed25519 private key.
func NewSealer(priv ed25519.PrivateKey) *Sealer {
	return &Sealer{priv: priv}
}

// KeyFromSeed decodes a base64-encoded Ed25519 seed into a private key.
func KeyFromSeed(seedB64 string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(seedB64))
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("invalid seed: %v", err)}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, &SealError{Message: fmt.Sprintf("invalid seed length: %d, expected %d", len(seed), ed25519.SeedSize)}
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// NewSealerFromSeed creates a Sealer from a base64-encoded Ed25519 seed.
func NewSealerFromSeed(seedB64 string) (*Sealer, error) {
	priv, err := KeyFromSeed(seedB64)
	if err != nil {
		return nil, err
	}
	return NewSealer(priv), nil
}

// PublicKey returns the Sealer's Ed25519 public key.
func (s *Sealer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Seal encrypts plaintext for recipient and for the Sealer itself.
func (s *Sealer) Seal(plaintext string, recipient ed25519.PublicKey) (string, error) {
	boxes := make([]string, 0, 2)
	for _, pub := range []ed25519.PublicKey{recipient, s.PublicKey()} {
		box, err := sealBox([]byte(plaintext), pub)
		if err != nil {
			return "", err
		}
		boxes = append(boxes, box)
	}
	return strings.Join(boxes, boxSeparator), nil
}

// Open decrypts the first box of payload sealed to the Sealer's key.
func (s *Sealer) Open(payload string) (string, error) {
	priv := montgomeryPrivate(s.priv.Seed())
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("failed to derive X25519 public key: %v", err)}
	}

	for _, box := range strings.Split(payload, boxSeparator) {
		if pt, err := openBox(box, priv, pub); err == nil {
			return string(pt), nil
		}
	}
	return "", &SealError{Message: "decryption failed: no box for this key or tampered ciphertext"}
}

// montgomeryPublic maps an Ed25519 public key onto Curve25519.
func montgomeryPublic(edPub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// montgomeryPrivate derives the X25519 scalar matching an Ed25519 seed.
func montgomeryPrivate(seed []byte) []byte {
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

func boxKey(shared, ephemeralPK, recipientPK []byte) ([]byte, error) {
	salt := append(append(make([]byte, 0, len(ephemeralPK)+len(recipientPK)), ephemeralPK...), recipientPK...)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sealInfo)), key); err != nil {
		return nil, err
	}
	return key, nil
}

func sealBox(plaintext []byte, recipient ed25519.PublicKey) (string, error) {
	recipientPK, err := montgomeryPublic(recipient)
	if err != nil {
		return "", &SealError{Message: fmt.Sprintf("failed to convert recipient key: %v", err)}
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return "", err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPK)
	if err != nil {
		return "", &SealError{Message: "low-order recipient key"}
	}

	key, err := boxKey(shared, ephPub, recipientPK)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	wire := make([]byte, 0, ephemeralPKSize+nonceSize+len(plaintext)+aead.Overhead())
	wire = append(wire, ephPub...)
	wire = append(wire, nonce...)
	wire = aead.Seal(wire, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(wire), nil
}

func openBox(box string, priv, pub []byte) ([]byte, error) {
	wire, err := base64.StdEncoding.DecodeString(box)
	if err != nil {
		return nil, &SealError{Message: fmt.Sprintf("invalid base64 box: %v", err)}
	}
	if len(wire) < minBoxLen {
		return nil, &SealError{Message: fmt.Sprintf("box too short: %d bytes, minimum %d", len(wire), minBoxLen)}
	}

	ephPK := wire[:ephemeralPKSize]
	nonce := wire[ephemeralPKSize : ephemeralPKSize+nonceSize]

	shared, err := curve25519.X25519(priv, ephPK)
	if err != nil {
		return nil, &SealError{Message: "invalid ephemeral key"}
	}
	key, err := boxKey(shared, ephPK, pub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, nonce, wire[ephemeralPKSize+nonceSize:], nil)
	if err != nil {
		return nil, &SealError{Message: "decryption failed"}
	}
	return pt, nil
}
