// Package crypto holds the request signing scheme shared by the mailbox
// server and its clients. A mailbox address is the lowercase hex encoding of
// its owner's Ed25519 public key, so a signature is checked against the
// address itself and no key registry is needed.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Auth headers carried by every signed request.
const (
	HeaderAgent     = "X-DMSync-Agent"
	HeaderNonce     = "X-DMSync-Nonce"
	HeaderTimestamp = "X-DMSync-Timestamp"
	HeaderSignature = "X-DMSync-Signature"
)

// MinNonceLength is the shortest nonce accepted, 12 random bytes in hex.
const MinNonceLength = 24

var (
	ErrInvalidAddress   = errors.New("invalid key address")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Address returns the mailbox address owned by pub.
func Address(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// PublicKeyFromAddress recovers the Ed25519 public key an address was
// derived from. Only the canonical lowercase form is accepted so that one
// key maps to exactly one address.
func PublicKeyFromAddress(addr string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex encoded", ErrInvalidAddress)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidAddress, ed25519.PublicKeySize, len(raw))
	}
	if hex.EncodeToString(raw) != addr {
		return nil, fmt.Errorf("%w: must be lowercase", ErrInvalidAddress)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignature verifies a signed message.
func VerifySignature(pubkey ed25519.PublicKey, signedData []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: invalid base64 encoding", ErrInvalidSignature)
	}

	if !ed25519.Verify(pubkey, signedData, signature) {
		return ErrInvalidSignature
	}

	return nil
}

// BodyHash returns the hex SHA-256 of a request body.
func BodyHash(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// SignaturePayload creates the canonical data to sign.
// Format: method|request-uri|body-sha256|nonce|timestamp
func SignaturePayload(method, requestURI, bodyHash, nonce string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%d", method, requestURI, bodyHash, nonce, timestamp))
}

// SignRequest sets the auth headers on req for the given body. The body is
// passed separately because req.Body is consumed by the transport.
func SignRequest(req *http.Request, priv ed25519.PrivateKey, body []byte, now time.Time) error {
	nonceBytes := make([]byte, MinNonceLength/2)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	ts := now.UnixMilli()

	payload := SignaturePayload(req.Method, req.URL.RequestURI(), BodyHash(body), nonce, ts)
	sig := ed25519.Sign(priv, payload)

	req.Header.Set(HeaderAgent, Address(priv.Public().(ed25519.PublicKey)))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}
