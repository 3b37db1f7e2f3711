package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Domain separation string for session key derivation.
const sessionInfo = "teleporter-v1-session-key"

// NewContext generates a fresh ephemeral X25519 keypair. The keypair is
// generated per connection and never reused.
func NewContext() (*Context, error) {
	c := &Context{}
	if _, err := rand.Read(c.private[:]); err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&c.Public, &c.private)
	return c, nil
}

// Derive completes key agreement with the peer's public key: X25519
// scalar multiplication, then HKDF-SHA256 to the symmetric session key,
// then AEAD construction. Both peers derive the same key.
func (c *Context) Derive(peerPublic []byte) error {
	if len(peerPublic) != KeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPeerKey, len(peerPublic))
	}

	shared, err := curve25519.X25519(c.private[:], peerPublic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(sessionInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("init AEAD: %w", err)
	}
	c.aead = aead
	return nil
}
