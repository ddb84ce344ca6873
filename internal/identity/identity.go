// Package identity implements the cryptographic identity layer: Ed25519
// signature verification over canonical signing strings, agent id
// derivation, and the pending challenge / captcha / peer-verification
// session stores.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// AgentIDLen is the stored id length; ShortIDLen the display form.
const (
	AgentIDLen = 16
	ShortIDLen = 8
)

var (
	// ErrNotEd25519 marks a PEM that parses but is not an Ed25519 key.
	ErrNotEd25519 = errors.New("public key is not Ed25519")
	// ErrBadPEM marks undecodable key material.
	ErrBadPEM = errors.New("malformed SPKI PEM block")
)

// ParsePublicKey decodes an Ed25519 public key from SPKI PEM.
func ParsePublicKey(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, ErrBadPEM
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return edPub, nil
}

// EncodePublicKey renders an Ed25519 public key as SPKI PEM.
func EncodePublicKey(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Verify checks a base64 Ed25519 signature over data against an SPKI PEM
// public key. This is the single verification primitive; every signed
// transition in the relay funnels through it.
func Verify(data []byte, sigB64, pubPEM string) (bool, error) {
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(pub, data, sig), nil
}

// AgentID derives the canonical agent id from an SPKI PEM public key: the
// first 16 hex characters of SHA-256 over the PEM text. ShortID truncates
// it to 8 for display and @-mentions.
func AgentID(pubPEM string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(pubPEM)))
	return hex.EncodeToString(sum[:])[:AgentIDLen]
}

// ShortID returns the 8-hex display form of an agent id.
func ShortID(id string) string {
	if len(id) <= ShortIDLen {
		return id
	}
	return id[:ShortIDLen]
}

// IsEphemeral reports whether an id belongs to a keyless session.
func IsEphemeral(id string) bool {
	return strings.HasPrefix(id, "anon_")
}

// NewEphemeralID mints an anon_* id for keyless sessions.
func NewEphemeralID() string {
	return "anon_" + NewNonce(4)
}

// NewNonce returns n random bytes hex-encoded (2n characters).
func NewNonce(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for an auth server.
		panic(fmt.Sprintf("identity: rand.Read: %v", err))
	}
	return hex.EncodeToString(buf)
}
