// Package client implements the sending side of a teleporter transfer:
// one session per file, serially, against a listening server reached
// directly or through the rendezvous broker.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/telexfer/teleporter/internal/crypto"
	"github.com/telexfer/teleporter/internal/delta"
	"github.com/telexfer/teleporter/internal/observability"
	"github.com/telexfer/teleporter/internal/protocol"
	"github.com/telexfer/teleporter/internal/rndz"
)

const (
	dialTimeout = 30 * time.Second
	ioTimeout   = 30 * time.Second

	// fallbackChunkSize is used for reading when the server sent no
	// delta to take a chunk size from.
	fallbackChunkSize = 4096
)

// ErrAllRefused is returned when every file in the run was refused by
// the server's destination policy.
var ErrAllRefused = errors.New("every transfer was refused by the server")

// Config is the operator's view of one client run.
type Config struct {
	Inputs []string
	Dest   string
	Port   int

	RndzServer string
	LocalID    string
	RemoteID   string

	Overwrite      bool
	Recursive      bool
	Encrypt        bool
	NoDelta        bool
	KeepPath       bool
	Backup         bool
	FilenameAppend bool

	// Progress draws a per-file progress bar on stderr.
	Progress bool
}

// Stats summarizes a run for the caller.
type Stats struct {
	Sent      int
	Same      int
	Refused   int
	BytesSent uint64
	Elapsed   time.Duration
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSame
	outcomeRefused
)

type client struct {
	cfg          *Config
	log          *observability.Logger
	stats        Stats
	serverLogged bool
}

// Run sends every file named by the config, one session each. It
// returns the run statistics together with the first fatal error, if
// any; per-file policy refusals are counted, not fatal.
func Run(cfg *Config, log *observability.Logger) (*Stats, error) {
	c := &client{cfg: cfg, log: log}
	start := time.Now()

	if cfg.RndzServer != "" && cfg.RemoteID == "" {
		return &c.stats, errors.New("remote_id not set but rndz_server is configured")
	}

	inputs, renames := ParseRenames(cfg.Inputs)
	files := BuildFileList(inputs, cfg.Recursive, func(msg string) { log.Warn(msg) })
	if len(files) == 0 {
		log.Warn("no files to send (did you mean to add -r?)")
		return &c.stats, nil
	}

	for num, path := range files {
		out, err := c.sendFile(num, len(files), path, renames)
		if err != nil {
			c.stats.Elapsed = time.Since(start)
			return &c.stats, fmt.Errorf("send %s: %w", path, err)
		}
		switch out {
		case outcomeSent:
			c.stats.Sent++
		case outcomeSame:
			c.stats.Same++
		case outcomeRefused:
			c.stats.Refused++
		}
	}

	c.stats.Elapsed = time.Since(start)
	if c.stats.Refused == len(files) {
		return &c.stats, ErrAllRefused
	}
	return &c.stats, nil
}

func (c *client) dial() (net.Conn, error) {
	if c.cfg.RndzServer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return rndz.Dial(ctx, c.cfg.RndzServer, c.cfg.RemoteID)
	}
	addr := net.JoinHostPort(c.cfg.Dest, strconv.Itoa(c.cfg.Port))
	return net.DialTimeout("tcp", addr, dialTimeout)
}

// sendFile drives one complete session: prepare, dial, optional ECDH,
// Init/InitAck, stream data, terminate.
func (c *client) sendFile(num, total int, path string, renames RenameMap) (outcome, error) {
	sessionID := uuid.New().String()
	log := c.log.WithSession(sessionID)

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	filesize := uint64(info.Size())

	// The delta hash runs on its own handle while the socket is being
	// established; the result is joined only if the server wants it.
	var hashed <-chan delta.Result
	if c.cfg.Overwrite && !c.cfg.NoDelta {
		hashFile, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("open file for hashing: %w", err)
		}
		defer hashFile.Close()
		hashed = delta.ComputeBackground(hashFile)
	}

	wireName := WireName(path, c.cfg.KeepPath, renames)
	log.TransferStarted(sessionID, wireName, filesize, c.cfg.Encrypt)

	conn, err := c.dial()
	if err != nil {
		c.log.ConnectionFailed(c.cfg.Dest, err)
		return 0, fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()
	log.ConnectionEstablished(conn.RemoteAddr().String(), sessionID)

	var enc *crypto.Context
	if c.cfg.Encrypt {
		enc, err = c.handshake(conn)
		if err != nil {
			return 0, err
		}
		log.HandshakeCompleted(sessionID)
	}

	init := &protocol.Init{
		Version:  protocol.VersionComponents(),
		Features: c.features(),
		Chmod:    uint32(info.Mode().Perm()),
		Filesize: filesize,
		Filename: wireName,
	}
	if err := c.send(conn, protocol.ActionInit, enc, init.Marshal()); err != nil {
		return 0, err
	}

	ack, err := c.recvInitAck(conn, enc)
	if err != nil {
		return 0, err
	}
	if num == 0 && !c.serverLogged {
		c.serverLogged = true
		log.Info(fmt.Sprintf("server version %s", protocol.VersionString(ack.Version)))
	}

	switch ack.Status {
	case protocol.StatusProceed:
	case protocol.StatusNoOverwrite, protocol.StatusNoPermission, protocol.StatusNoSpace:
		log.PolicyRefused(sessionID, wireName, ack.Status.String())
		return outcomeRefused, nil
	case protocol.StatusWrongVersion:
		return 0, fmt.Errorf("version mismatch: server %s, us %s",
			protocol.VersionString(ack.Version), protocol.Version)
	case protocol.StatusRequiresEncryption:
		return 0, errors.New("the server requires encryption (-e)")
	case protocol.StatusEncryptionError:
		return 0, errors.New("server reported an encryption handshake error")
	default:
		return 0, fmt.Errorf("unknown init-ack status %d", ack.Status)
	}

	// Join the background hash only when the server will overwrite and
	// can therefore use the comparison.
	var fileDelta *protocol.Delta
	if hashed != nil && protocol.HasFeature(ack.Features, protocol.FeatureOverwrite) {
		res := <-hashed
		if res.Err != nil {
			return 0, fmt.Errorf("hash file: %w", res.Err)
		}
		fileDelta = res.Delta
	}

	start := time.Now()

	if ack.Delta != nil && fileDelta != nil && ack.Delta.Hash == fileDelta.Hash {
		// Identical content; a lone terminator concludes the session.
		if err := c.sendTerminator(conn, enc, filesize); err != nil {
			return 0, err
		}
		log.TransferCompleted(sessionID, filesize, 0, len(fileDelta.ChunkHash), time.Since(start))
		return outcomeSame, nil
	}

	sentBytes, skipped, err := c.stream(conn, enc, f, filesize, wireName, ack.Delta, fileDelta)
	if err != nil {
		return 0, err
	}
	if err := c.sendTerminator(conn, enc, filesize); err != nil {
		return 0, err
	}

	c.stats.BytesSent += sentBytes
	log.TransferCompleted(sessionID, filesize, sentBytes, skipped, time.Since(start))
	return outcomeSent, nil
}

func (c *client) features() uint32 {
	features := protocol.FeatureNewFile
	if !c.cfg.NoDelta {
		features |= protocol.FeatureDelta
	}
	if c.cfg.Overwrite {
		features |= protocol.FeatureOverwrite
	}
	if c.cfg.Backup {
		features |= protocol.FeatureBackup
	}
	if c.cfg.FilenameAppend {
		features |= protocol.FeatureRename
	}
	if c.cfg.Encrypt {
		features |= protocol.FeatureEncrypted
	}
	return features
}

// handshake sends our ephemeral public key and derives the session key
// from the server's reply. Both Ecdh frames travel in plaintext; the
// derived key covers everything after.
func (c *client) handshake(conn net.Conn) (*crypto.Context, error) {
	enc, err := crypto.NewContext()
	if err != nil {
		return nil, err
	}
	if err := c.send(conn, protocol.ActionEcdh, nil, enc.Public[:]); err != nil {
		return nil, err
	}

	frame, err := c.recv(conn, nil)
	if err != nil {
		return nil, err
	}
	if frame.Action != protocol.ActionEcdhAck {
		return nil, fmt.Errorf("expected ecdh-ack, got %s", frame.Action)
	}
	if err := enc.Derive(frame.Payload); err != nil {
		return nil, err
	}
	return enc, nil
}

func (c *client) recvInitAck(conn net.Conn, enc *crypto.Context) (*protocol.InitAck, error) {
	frame, err := c.recv(conn, enc)
	if err != nil {
		return nil, err
	}
	if frame.Action != protocol.ActionInitAck {
		return nil, fmt.Errorf("expected init-ack, got %s", frame.Action)
	}
	var ack protocol.InitAck
	if err := ack.Unmarshal(frame.Payload); err != nil {
		return nil, err
	}
	return &ack, nil
}

// stream sends the file content chunk by chunk, suppressing chunks whose
// hash matches the server's copy. The chunk size comes from the server's
// delta so both sides agree on boundaries.
func (c *client) stream(conn net.Conn, enc *crypto.Context, f *os.File, filesize uint64,
	wireName string, serverDelta, fileDelta *protocol.Delta) (uint64, int, error) {

	chunkSize := uint64(fallbackChunkSize)
	if serverDelta != nil && serverDelta.ChunkSize > 0 {
		chunkSize = uint64(serverDelta.ChunkSize)
	}
	buf := make([]byte, chunkSize)

	var bar *progressbar.ProgressBar
	if c.cfg.Progress {
		bar = progressbar.NewOptions64(
			int64(filesize),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(wireName),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(15),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
	}

	compare := serverDelta != nil && fileDelta != nil

	var offset, sentBytes uint64
	var skipped int
	for {
		index := int(offset / chunkSize)
		if compare &&
			index < len(serverDelta.ChunkHash) && index < len(fileDelta.ChunkHash) &&
			serverDelta.ChunkHash[index] == fileDelta.ChunkHash[index] {
			offset += chunkSize
			skipped++
			if bar != nil {
				bar.Add64(int64(chunkSize))
			}
			continue
		}

		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			return sentBytes, skipped, fmt.Errorf("seek: %w", err)
		}
		// A full read keeps chunk boundaries aligned with the skip set;
		// only the final chunk may come up short.
		n, err := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return sentBytes, skipped, fmt.Errorf("read chunk: %w", err)
		}

		chunk := &protocol.Data{Offset: offset, Data: buf[:n]}
		if err := c.send(conn, protocol.ActionData, enc, chunk.Marshal()); err != nil {
			return sentBytes, skipped, err
		}

		offset += uint64(n)
		sentBytes += uint64(n)
		if bar != nil {
			bar.Add64(int64(n))
		}
	}

	return sentBytes, skipped, nil
}

// sendTerminator sends the zero-length data frame at offset=filesize
// that concludes a transfer.
func (c *client) sendTerminator(conn net.Conn, enc *crypto.Context, filesize uint64) error {
	end := &protocol.Data{Offset: filesize}
	return c.send(conn, protocol.ActionData, enc, end.Marshal())
}

func (c *client) send(conn net.Conn, action protocol.Action, enc *crypto.Context, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	return protocol.Send(conn, action, enc, payload)
}

func (c *client) recv(conn net.Conn, enc *crypto.Context) (*protocol.Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return nil, err
	}
	return protocol.Recv(conn, enc)
}
