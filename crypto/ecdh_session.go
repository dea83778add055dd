package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const sessionKeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a fresh X25519 keypair for one handshake.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ephemeral X25519 keypair: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey parses a raw 32-byte X25519 public key.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret performs the ECDH exchange.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	shared, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey derives a 32-byte AES key from the shared secret via
// HKDF-SHA256. The device IDs are sorted into the info string so both sides
// derive the same key regardless of which one initiated.
func DeriveSessionKey(sharedSecret []byte, localDeviceID, peerDeviceID string) ([]byte, error) {
	return DeriveSessionKeyWithContext(sharedSecret, localDeviceID, peerDeviceID, nil)
}

// DeriveSessionKeyWithContext derives a session key bound to extra context
// bytes, such as the handshake challenge nonce.
func DeriveSessionKeyWithContext(sharedSecret []byte, localDeviceID, peerDeviceID string, context []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("derive session key: shared secret is required")
	}

	first, second := localDeviceID, peerDeviceID
	if strings.Compare(first, second) > 0 {
		first, second = second, first
	}

	info := append([]byte("dropwire-session|"+first+"|"+second), context...)
	reader := hkdf.New(sha256.New, sharedSecret, nil, info)

	key := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
