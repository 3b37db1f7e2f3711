// Package protocol implements the teleporter wire protocol: the framed
// header that carries every control and data message, the typed message
// payloads, and the version negotiation rules.
//
// All multi-byte integers on the wire are little-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed protocol identifier carried by every frame
// ("TELEPORT" read as a little-endian u64).
const Magic uint64 = 0x54524F50454C4554

// IVSize is the length of the per-frame nonce appended to encrypted frames.
const IVSize = 12

// preambleSize covers magic (8), payload length (4) and action (1).
const preambleSize = 13

// maxPayloadSize bounds a single frame payload. Anything larger than this
// is treated as corrupt framing rather than attempted as an allocation.
const maxPayloadSize = 1 << 30

// Action identifies the message kind carried by a frame. The high bit of
// the on-wire action byte is the encrypted flag, not part of the kind.
type Action uint8

const (
	ActionInit    Action = 0x01
	ActionInitAck Action = 0x02
	ActionEcdh    Action = 0x03
	ActionEcdhAck Action = 0x04
	ActionData    Action = 0x05

	// FlagEncrypted marks a frame whose payload is AEAD ciphertext and
	// which carries a trailing IV.
	FlagEncrypted uint8 = 0x80
)

func (a Action) valid() bool {
	return a >= ActionInit && a <= ActionData
}

func (a Action) String() string {
	switch a {
	case ActionInit:
		return "init"
	case ActionInitAck:
		return "init-ack"
	case ActionEcdh:
		return "ecdh"
	case ActionEcdhAck:
		return "ecdh-ack"
	case ActionData:
		return "data"
	}
	return fmt.Sprintf("action(0x%02x)", uint8(a))
}

var (
	ErrInvalidMagic    = errors.New("frame does not begin with the protocol magic")
	ErrInvalidAction   = errors.New("unknown frame action")
	ErrPayloadTooLarge = errors.New("frame payload length exceeds limit")
)

// Frame is the wire unit for every message. Payload is ciphertext and IV
// is set when Encrypted is true, otherwise Payload is plaintext and IV is
// unused.
type Frame struct {
	Action    Action
	Encrypted bool
	IV        [IVSize]byte
	Payload   []byte
}

// Encode serializes the frame: magic, payload length, action byte (with
// the encrypted flag folded in), payload, and the trailing IV when
// encrypted. The length field covers the payload only; the IV rides after
// it so a decryptor can locate both without a second length.
func (f *Frame) Encode() []byte {
	size := preambleSize + len(f.Payload)
	if f.Encrypted {
		size += IVSize
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint64(buf, Magic)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	action := uint8(f.Action)
	if f.Encrypted {
		action |= FlagEncrypted
	}
	buf = append(buf, action)
	buf = append(buf, f.Payload...)
	if f.Encrypted {
		buf = append(buf, f.IV[:]...)
	}
	return buf
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	if _, err := w.Write(f.Encode()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. Decoding is two-phase: the 13-byte
// preamble is read and validated first, and only then is the body
// (payload plus IV, if the encrypted flag is set) consumed. A short read
// surfaces as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Frame, error) {
	var pre [preambleSize]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read frame preamble: %w", err)
	}

	if binary.LittleEndian.Uint64(pre[0:8]) != Magic {
		return nil, ErrInvalidMagic
	}
	payloadLen := binary.LittleEndian.Uint32(pre[8:12])
	if payloadLen > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, payloadLen)
	}

	action := pre[12]
	f := &Frame{
		Action:    Action(action &^ FlagEncrypted),
		Encrypted: action&FlagEncrypted != 0,
	}
	if !f.Action.valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidAction, action)
	}

	body := int(payloadLen)
	if f.Encrypted {
		body += IVSize
	}
	buf := make([]byte, body)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	f.Payload = buf[:payloadLen]
	if f.Encrypted {
		copy(f.IV[:], buf[payloadLen:])
	}
	return f, nil
}
