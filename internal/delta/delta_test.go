package delta

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/cespare/xxhash/v2"
)

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "delta.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open test file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestChunkSize(t *testing.T) {
	cases := []struct {
		filesize uint64
		want     uint32
	}{
		{0, 1024},
		{1, 1024},
		{1024 * 2048, 1024},
		{1024 * 2049, 2048},
		{2048 * 2048, 2048},
		{2048 * 2049, 4096},
		{1 << 40, 1 << 29},
		{math.MaxUint64, math.MaxUint32},
	}
	for _, c := range cases {
		if got := ChunkSize(c.filesize); got != c.want {
			t.Errorf("ChunkSize(%d) = %d, want %d", c.filesize, got, c.want)
		}
	}
}

func TestComputeKnownContent(t *testing.T) {
	data := bytes.Repeat([]byte("teleport"), 512) // 4096 bytes, 4 chunks of 1024
	f := writeTempFile(t, data)

	d, err := Compute(f)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if d.Filesize != uint64(len(data)) {
		t.Errorf("filesize = %d, want %d", d.Filesize, len(data))
	}
	if d.ChunkSize != 1024 {
		t.Errorf("chunk size = %d, want 1024", d.ChunkSize)
	}
	if len(d.ChunkHash) != 4 {
		t.Fatalf("chunk count = %d, want 4", len(d.ChunkHash))
	}
	if d.Hash != xxhash.Sum64(data) {
		t.Errorf("whole-file hash = %x, want %x", d.Hash, xxhash.Sum64(data))
	}
	for i := 0; i < 4; i++ {
		want := xxhash.Sum64(data[i*1024 : (i+1)*1024])
		if d.ChunkHash[i] != want {
			t.Errorf("chunk %d hash = %x, want %x", i, d.ChunkHash[i], want)
		}
	}

	// The handle must be rewound for the caller.
	if off, _ := f.Seek(0, 1); off != 0 {
		t.Errorf("file offset after Compute = %d, want 0", off)
	}
}

// A short final chunk hashes exactly the bytes read, not the full buffer.
func TestComputeShortFinalChunk(t *testing.T) {
	data := make([]byte, 1024+100)
	rand.New(rand.NewSource(7)).Read(data)
	f := writeTempFile(t, data)

	d, err := Compute(f)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if len(d.ChunkHash) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(d.ChunkHash))
	}
	if want := xxhash.Sum64(data[1024:]); d.ChunkHash[1] != want {
		t.Errorf("final chunk hash = %x, want %x (must cover only the bytes read)", d.ChunkHash[1], want)
	}
}

func TestComputeEmptyFile(t *testing.T) {
	f := writeTempFile(t, nil)

	d, err := Compute(f)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if d.Filesize != 0 || len(d.ChunkHash) != 0 {
		t.Errorf("empty file delta = %+v, want zero filesize and no chunks", d)
	}
	if d.Hash != xxhash.Sum64(nil) {
		t.Errorf("whole-file hash = %x, want hash of empty input", d.Hash)
	}
}

// Identical content always yields identical deltas, regardless of which
// peer computes them.
func TestComputeDeterministic(t *testing.T) {
	data := make([]byte, 300_000)
	rand.New(rand.NewSource(42)).Read(data)

	a, err := Compute(writeTempFile(t, data))
	if err != nil {
		t.Fatalf("Compute(a) failed: %v", err)
	}
	b, err := Compute(writeTempFile(t, data))
	if err != nil {
		t.Fatalf("Compute(b) failed: %v", err)
	}

	if a.Hash != b.Hash || a.ChunkSize != b.ChunkSize || len(a.ChunkHash) != len(b.ChunkHash) {
		t.Fatalf("deltas differ: %+v vs %+v", a, b)
	}
	for i := range a.ChunkHash {
		if a.ChunkHash[i] != b.ChunkHash[i] {
			t.Errorf("chunk %d differs", i)
		}
	}
}

func TestComputeBackground(t *testing.T) {
	data := bytes.Repeat([]byte{0x5A}, 10_000)
	f := writeTempFile(t, data)

	res := <-ComputeBackground(f)
	if res.Err != nil {
		t.Fatalf("background compute failed: %v", res.Err)
	}
	if res.Delta.Hash != xxhash.Sum64(data) {
		t.Error("background delta hash mismatch")
	}
}
