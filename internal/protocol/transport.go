package protocol

import (
	"fmt"
	"io"

	"github.com/telexfer/teleporter/internal/crypto"
)

// Send writes one frame carrying payload. When the crypto context is
// established the payload is sealed under a fresh random IV and the
// encrypted flag is set; pass a nil context to force plaintext (the
// Ecdh/EcdhAck exchange itself).
func Send(w io.Writer, action Action, ctx *crypto.Context, payload []byte) error {
	f := &Frame{Action: action, Payload: payload}

	if ctx.Ready() {
		iv, err := crypto.NewIV()
		if err != nil {
			return err
		}
		sealed, err := ctx.Seal(iv, payload)
		if err != nil {
			return err
		}
		f.Encrypted = true
		f.IV = iv
		f.Payload = sealed
	}

	return WriteFrame(w, f)
}

// Recv reads one frame and returns it with a plaintext payload. An
// encrypted frame arriving before key agreement is rejected with
// crypto.ErrNoContext; an authentication failure surfaces as
// crypto.ErrDecrypt.
func Recv(r io.Reader, ctx *crypto.Context) (*Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	if f.Encrypted {
		if !ctx.Ready() {
			return nil, crypto.ErrNoContext
		}
		plain, err := ctx.Open(f.IV, f.Payload)
		if err != nil {
			return nil, fmt.Errorf("frame %s: %w", f.Action, err)
		}
		f.Payload = plain
		f.Encrypted = false
	}

	return f, nil
}
