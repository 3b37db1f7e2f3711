package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Feature bits advertised in Init and echoed back in InitAck.
const (
	FeatureNewFile   uint32 = 1 << 0
	FeatureOverwrite uint32 = 1 << 1
	FeatureBackup    uint32 = 1 << 2
	FeatureRename    uint32 = 1 << 3
	FeatureEncrypted uint32 = 1 << 4
	FeatureDelta     uint32 = 1 << 5
)

// HasFeature reports whether the given bit is set in a feature set.
func HasFeature(features, bit uint32) bool {
	return features&bit == bit
}

// Status is the server's verdict carried in InitAck.
type Status uint8

const (
	StatusProceed Status = iota
	StatusNoOverwrite
	StatusNoPermission
	StatusNoSpace
	StatusWrongVersion
	StatusRequiresEncryption
	StatusEncryptionError
	StatusUnknownAction
)

func (s Status) String() string {
	switch s {
	case StatusProceed:
		return "proceed"
	case StatusNoOverwrite:
		return "no-overwrite"
	case StatusNoPermission:
		return "no-permission"
	case StatusNoSpace:
		return "no-space"
	case StatusWrongVersion:
		return "wrong-version"
	case StatusRequiresEncryption:
		return "requires-encryption"
	case StatusEncryptionError:
		return "encryption-error"
	}
	return "unknown-action"
}

// ErrTruncated is returned when a payload is shorter than its fields (or
// a length prefix) claim.
var ErrTruncated = errors.New("truncated message payload")

// decoder walks a payload buffer, failing on any read past the end.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = ErrTruncated
		return nil
	}
	out := d.buf[:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// bytes reads a 32-bit length prefix followed by that many bytes.
func (d *decoder) bytes() []byte {
	n := d.uint32()
	return d.take(int(n))
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrTruncated, len(d.buf))
	}
	return nil
}

// Init declares the intent to send one file.
type Init struct {
	Version  [3]uint16
	Features uint32
	Chmod    uint32
	Filesize uint64
	Filename string
}

func (m *Init) Marshal() []byte {
	buf := make([]byte, 0, 26+len(m.Filename))
	for _, v := range m.Version {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, m.Features)
	buf = binary.LittleEndian.AppendUint32(buf, m.Chmod)
	buf = binary.LittleEndian.AppendUint64(buf, m.Filesize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Filename)))
	buf = append(buf, m.Filename...)
	return buf
}

func (m *Init) Unmarshal(payload []byte) error {
	d := &decoder{buf: payload}
	for i := range m.Version {
		m.Version[i] = d.uint16()
	}
	m.Features = d.uint32()
	m.Chmod = d.uint32()
	m.Filesize = d.uint64()
	m.Filename = string(d.bytes())
	return d.finish()
}

// Delta is a content digest of one file: a whole-file hash plus one hash
// per chunk, in file order.
type Delta struct {
	Filesize  uint64
	ChunkSize uint32
	Hash      uint64
	ChunkHash []uint64
}

func (m *Delta) Marshal() []byte {
	buf := make([]byte, 0, 24+8*len(m.ChunkHash))
	buf = binary.LittleEndian.AppendUint64(buf, m.Filesize)
	buf = binary.LittleEndian.AppendUint32(buf, m.ChunkSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.Hash)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.ChunkHash)))
	for _, h := range m.ChunkHash {
		buf = binary.LittleEndian.AppendUint64(buf, h)
	}
	return buf
}

func (m *Delta) Unmarshal(payload []byte) error {
	d := &decoder{buf: payload}
	m.Filesize = d.uint64()
	m.ChunkSize = d.uint32()
	m.Hash = d.uint64()
	n := d.uint32()
	if d.err == nil && int(n) > len(d.buf)/8 {
		return ErrTruncated
	}
	m.ChunkHash = make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		m.ChunkHash = append(m.ChunkHash, d.uint64())
	}
	return d.finish()
}

// InitAck is the server's reply to Init. Delta is present only when the
// server computed a digest of an existing destination file.
type InitAck struct {
	Status   Status
	Version  [3]uint16
	Features uint32
	Delta    *Delta
}

func (m *InitAck) Marshal() []byte {
	var delta []byte
	if m.Delta != nil {
		delta = m.Delta.Marshal()
	}
	buf := make([]byte, 0, 15+len(delta))
	buf = append(buf, uint8(m.Status))
	for _, v := range m.Version {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, m.Features)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(delta)))
	buf = append(buf, delta...)
	return buf
}

func (m *InitAck) Unmarshal(payload []byte) error {
	d := &decoder{buf: payload}
	m.Status = Status(d.uint8())
	for i := range m.Version {
		m.Version[i] = d.uint16()
	}
	m.Features = d.uint32()
	delta := d.bytes()
	if err := d.finish(); err != nil {
		return err
	}
	m.Delta = nil
	if len(delta) > 0 {
		m.Delta = new(Delta)
		if err := m.Delta.Unmarshal(delta); err != nil {
			return err
		}
	}
	return nil
}

// Data carries one slice of file content. A Data with an empty payload
// and Offset equal to the file size terminates the transfer.
type Data struct {
	Offset uint64
	Data   []byte
}

func (m *Data) Marshal() []byte {
	buf := make([]byte, 0, 12+len(m.Data))
	buf = binary.LittleEndian.AppendUint64(buf, m.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Data)))
	buf = append(buf, m.Data...)
	return buf
}

func (m *Data) Unmarshal(payload []byte) error {
	d := &decoder{buf: payload}
	m.Offset = d.uint64()
	m.Data = d.bytes()
	return d.finish()
}
