// Package delta computes the content digests used to suppress
// re-transmission of unchanged chunks. Both peers run the same algorithm
// over their copy of a file and compare per-chunk 64-bit hashes.
package delta

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/telexfer/teleporter/internal/protocol"
)

// baseChunkSize is the smallest chunk the hasher will use.
const baseChunkSize = 1024

// targetChunkCount bounds how many chunks a file is split into; the
// chunk size doubles until the file fits.
const targetChunkCount = 2048

// ChunkSize picks the hashing chunk size for a file length. It is a pure
// function of the length, so both peers always agree on chunk
// boundaries.
func ChunkSize(filesize uint64) uint32 {
	chunk := uint64(baseChunkSize)
	for filesize/chunk > targetChunkCount {
		chunk *= 2
	}
	if chunk > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(chunk)
}

// Compute reads f from the start and produces its Delta: the whole-file
// hash plus one hash per chunk, in file order. The handle is rewound to
// offset zero before and after, so the caller can keep using it. Only
// the bytes actually read contribute to each chunk hash, including a
// short final chunk.
func Compute(f *os.File) (*protocol.Delta, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	filesize := uint64(info.Size())

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind file: %w", err)
	}

	chunkSize := ChunkSize(filesize)
	buf := make([]byte, chunkSize)
	whole := xxhash.New()
	var chunkHash []uint64

	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunkHash = append(chunkHash, xxhash.Sum64(buf[:n]))
			whole.Write(buf[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %d: %w", len(chunkHash), err)
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind file: %w", err)
	}

	return &protocol.Delta{
		Filesize:  filesize,
		ChunkSize: chunkSize,
		Hash:      whole.Sum64(),
		ChunkHash: chunkHash,
	}, nil
}

// ComputeBackground launches Compute on its own goroutine, for hiding
// hash latency behind connection setup. The file handle must not be
// shared with other readers. The result is delivered exactly once on the
// returned channel.
func ComputeBackground(f *os.File) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		d, err := Compute(f)
		ch <- Result{Delta: d, Err: err}
	}()
	return ch
}

// Result is the outcome of a background hash computation.
type Result struct {
	Delta *protocol.Delta
	Err   error
}
