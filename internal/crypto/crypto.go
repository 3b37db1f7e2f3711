// Package crypto implements the per-connection cryptographic context for
// teleporter transfers:
//
//   - X25519 ephemeral keypairs for key agreement
//   - HKDF-based derivation of the 256-bit session key
//   - ChaCha20-Poly1305 authenticated encryption of frame payloads
//
// A Context is owned exclusively by the session that established it and
// dies with the connection. The exchange is confidential but not
// authenticated: it protects against passive observers, not an active
// man-in-the-middle.
package crypto

import (
	"crypto/cipher"
	"errors"
)

var (
	// ErrNoContext is returned when an encrypted frame arrives before key
	// agreement has completed.
	ErrNoContext = errors.New("no cryptographic context established")

	// ErrInvalidPeerKey is returned when the peer's public key is
	// malformed or produces a degenerate shared secret.
	ErrInvalidPeerKey = errors.New("invalid peer public key")

	// ErrDecrypt is returned when AEAD authentication fails; the frame
	// must be treated as hostile and the session aborted.
	ErrDecrypt = errors.New("payload decryption failed")
)

// KeySize is the length of both X25519 public keys and the derived
// session key.
const KeySize = 32

// Context holds one connection's key agreement state. Public is sent to
// the peer inside an Ecdh/EcdhAck frame; the AEAD becomes available once
// Derive has consumed the peer's key.
type Context struct {
	private [KeySize]byte
	Public  [KeySize]byte
	aead    cipher.AEAD
}

// Ready reports whether key agreement has completed and the context can
// seal and open payloads.
func (c *Context) Ready() bool {
	return c != nil && c.aead != nil
}
