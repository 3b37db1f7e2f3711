package crypto

import (
	"bytes"
	"errors"
	"testing"
)

// handshake pairs two fresh contexts the way a client and server would.
func handshake(t *testing.T) (*Context, *Context) {
	t.Helper()

	client, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext(client) failed: %v", err)
	}
	server, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext(server) failed: %v", err)
	}

	if err := client.Derive(server.Public[:]); err != nil {
		t.Fatalf("client Derive failed: %v", err)
	}
	if err := server.Derive(client.Public[:]); err != nil {
		t.Fatalf("server Derive failed: %v", err)
	}
	return client, server
}

func TestSealOpenAcrossPeers(t *testing.T) {
	client, server := handshake(t)

	iv, err := NewIV()
	if err != nil {
		t.Fatalf("NewIV failed: %v", err)
	}

	plaintext := []byte("the quick brown fox")
	ciphertext, err := client.Seal(iv, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := server.Open(iv, ciphertext)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	client, server := handshake(t)

	iv, _ := NewIV()
	ciphertext, err := client.Seal(iv, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := server.Open(iv, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
}

func TestOpenRejectsWrongIV(t *testing.T) {
	client, server := handshake(t)

	iv, _ := NewIV()
	ciphertext, _ := client.Seal(iv, []byte("payload"))

	var other [IVSize]byte
	copy(other[:], iv[:])
	other[0] ^= 0xFF
	if _, err := server.Open(other, ciphertext); !errors.Is(err, ErrDecrypt) {
		t.Errorf("err = %v, want ErrDecrypt", err)
	}
}

func TestSealWithoutContext(t *testing.T) {
	c, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	if c.Ready() {
		t.Error("context ready before Derive")
	}

	var iv [IVSize]byte
	if _, err := c.Seal(iv, []byte("x")); !errors.Is(err, ErrNoContext) {
		t.Errorf("Seal err = %v, want ErrNoContext", err)
	}
	if _, err := c.Open(iv, []byte("x")); !errors.Is(err, ErrNoContext) {
		t.Errorf("Open err = %v, want ErrNoContext", err)
	}

	var nilCtx *Context
	if nilCtx.Ready() {
		t.Error("nil context reports ready")
	}
}

func TestDeriveRejectsBadPeerKey(t *testing.T) {
	c, _ := NewContext()

	if err := c.Derive(make([]byte, 16)); !errors.Is(err, ErrInvalidPeerKey) {
		t.Errorf("short key: err = %v, want ErrInvalidPeerKey", err)
	}

	// All-zero point is a low-order input; X25519 rejects it.
	if err := c.Derive(make([]byte, KeySize)); !errors.Is(err, ErrInvalidPeerKey) {
		t.Errorf("zero key: err = %v, want ErrInvalidPeerKey", err)
	}
}
