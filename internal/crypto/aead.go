package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// IVSize is the AEAD nonce length carried on each encrypted frame.
const IVSize = chacha20poly1305.NonceSize

// NewIV draws a fresh random nonce. Every encrypted frame gets its own;
// reuse within one key lifetime is a protocol violation.
func NewIV() ([IVSize]byte, error) {
	var iv [IVSize]byte
	if _, err := rand.Read(iv[:]); err != nil {
		return iv, fmt.Errorf("generate IV: %w", err)
	}
	return iv, nil
}

// Seal encrypts and authenticates a frame payload under the session key.
// Associated data is empty; the ciphertext carries the 16-byte tag.
func (c *Context) Seal(iv [IVSize]byte, plaintext []byte) ([]byte, error) {
	if !c.Ready() {
		return nil, ErrNoContext
	}
	return c.aead.Seal(nil, iv[:], plaintext, nil), nil
}

// Open decrypts and verifies a frame payload. Authentication failure
// returns ErrDecrypt and no plaintext.
func (c *Context) Open(iv [IVSize]byte, ciphertext []byte) ([]byte, error) {
	if !c.Ready() {
		return nil, ErrNoContext
	}
	plaintext, err := c.aead.Open(nil, iv[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
