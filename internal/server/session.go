package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/telexfer/teleporter/internal/crypto"
	"github.com/telexfer/teleporter/internal/delta"
	"github.com/telexfer/teleporter/internal/observability"
	"github.com/telexfer/teleporter/internal/protocol"
	"github.com/telexfer/teleporter/internal/validation"
)

const ioTimeout = 30 * time.Second

// ErrProtocolViolation marks a frame the session state machine cannot
// accept; the connection is dropped and any partial file removed.
var ErrProtocolViolation = errors.New("protocol violation")

// session owns one accepted connection: its socket, file handles, and
// crypto context. Nothing is shared across sessions except the
// filesystem, guarded by the server's per-path locks.
type session struct {
	srv  *Server
	conn net.Conn
	id   string
	log  *observability.Logger
	enc  *crypto.Context
}

// handleConn services one inbound connection to completion. A failure
// here never affects other sessions.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()
	start := time.Now()

	sess := &session{srv: s, conn: conn, id: uuid.New().String()}
	sess.log = s.log.WithSession(sess.id).WithPeer(conn.RemoteAddr().String())
	sess.log.ConnectionEstablished(conn.RemoteAddr().String(), sess.id)

	tracer := otel.Tracer("teleporter-server")
	ctx, span := tracer.Start(context.Background(), "receive-session")
	span.SetAttributes(attribute.String("session_id", sess.id))
	defer span.End()

	result := "ok"
	if err := sess.run(ctx); err != nil {
		result = "error"
		sess.log.Error(err, "session aborted")
	}
	s.metrics.SessionsTotal.WithLabelValues(result).Inc()
	s.metrics.SessionDuration.Observe(time.Since(start).Seconds())
}

func (sess *session) run(ctx context.Context) error {
	frame, err := sess.recv()
	if err != nil {
		return err
	}

	// An optional key agreement precedes Init. The exchange itself is
	// plaintext; everything after is sealed under the derived key.
	if frame.Action == protocol.ActionEcdh {
		if err := sess.establishCrypto(frame.Payload); err != nil {
			sess.reply(protocol.StatusEncryptionError, 0, nil)
			return err
		}
		sess.log.HandshakeCompleted(sess.id)

		if frame, err = sess.recv(); err != nil {
			return err
		}
	}

	if frame.Action != protocol.ActionInit {
		sess.reply(protocol.StatusUnknownAction, 0, nil)
		return fmt.Errorf("%w: expected init, got %s", ErrProtocolViolation, frame.Action)
	}

	if sess.srv.cfg.MustEncrypt && !sess.enc.Ready() {
		sess.refuse(protocol.StatusRequiresEncryption, "")
		return nil
	}

	var init protocol.Init
	if err := init.Unmarshal(frame.Payload); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	if !protocol.VersionCompatible(init.Version, protocol.VersionComponents()) {
		sess.log.Warn(fmt.Sprintf("version mismatch: peer %s, us %s",
			protocol.VersionString(init.Version), protocol.Version))
		sess.reply(protocol.StatusWrongVersion, 0, nil)
		return nil
	}

	if err := validation.ValidateFilename(init.Filename, sess.srv.cfg.AllowDangerousFilepath); err != nil {
		sess.log.Error(err, "rejected transmitted filename")
		sess.refuse(protocol.StatusNoPermission, init.Filename)
		return nil
	}

	dest := sess.srv.destPath(init.Filename)

	// One writer per destination path at a time.
	unlock := sess.srv.lockPath(dest)
	defer unlock()

	res := resolveDestination(dest, init.Features)
	if res.status != protocol.StatusProceed {
		sess.refuse(res.status, init.Filename)
		return nil
	}

	// The temp file is created before the ack so creation failures can
	// still be reported as a policy status.
	if err := os.MkdirAll(filepath.Dir(res.dest), 0o755); err != nil {
		sess.refuse(statusFromErr(err), init.Filename)
		return nil
	}
	perm := os.FileMode(init.Chmod & 0o7777)
	tmp := res.dest + ".partial"
	out, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		sess.refuse(statusFromErr(err), init.Filename)
		return nil
	}

	srvDelta := sess.computeDelta(res.deltaSource, init.Features)
	features := res.features
	if srvDelta != nil {
		features |= protocol.FeatureDelta
		if err := seedFromSource(out, res.deltaSource); err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := sess.reply(protocol.StatusProceed, features, srvDelta); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}

	log := sess.log.WithFile(init.Filename, init.Filesize)
	log.TransferStarted(sess.id, init.Filename, init.Filesize, sess.enc.Ready())

	start := time.Now()
	received, err := sess.receiveData(out, init.Filesize)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}

	if err := finalize(out, tmp, res.dest, init.Filesize, perm); err != nil {
		os.Remove(tmp)
		return err
	}

	sess.srv.metrics.FilesMaterialized.Inc()
	log.TransferCompleted(sess.id, init.Filesize, received, 0, time.Since(start))
	return nil
}

// establishCrypto installs the per-connection context and answers with
// our ephemeral public key.
func (sess *session) establishCrypto(peerPublic []byte) error {
	enc, err := crypto.NewContext()
	if err != nil {
		return err
	}
	// The ack must leave before the context is considered installed, or
	// it would be sealed under a key the peer cannot derive yet.
	if err := sess.send(protocol.ActionEcdhAck, nil, enc.Public[:]); err != nil {
		return err
	}
	if err := enc.Derive(peerPublic); err != nil {
		return err
	}
	sess.enc = enc
	return nil
}

// computeDelta hashes the delta source file, when there is one and the
// sender asked for delta suppression. Hash failures fall back to a full
// transfer rather than killing the session.
func (sess *session) computeDelta(source string, features uint32) *protocol.Delta {
	if source == "" || !protocol.HasFeature(features, protocol.FeatureDelta) {
		return nil
	}
	f, err := os.Open(source)
	if err != nil {
		sess.log.Error(err, "cannot open existing file for delta")
		return nil
	}
	defer f.Close()

	d, err := delta.Compute(f)
	if err != nil {
		sess.log.Error(err, "delta computation failed")
		return nil
	}
	return d
}

// seedFromSource pre-populates the temp file with the delta source
// content so chunks the sender skips are already in place.
func seedFromSource(out *os.File, source string) error {
	src, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("seed from %s: %w", source, err)
	}
	defer src.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("seed from %s: %w", source, err)
	}
	return nil
}

// receiveData applies Data frames until the zero-length terminator at
// offset=filesize. Any other frame, or a write outside the declared
// size, is a protocol violation.
func (sess *session) receiveData(out *os.File, filesize uint64) (uint64, error) {
	var received uint64
	for {
		frame, err := sess.recv()
		if err != nil {
			return received, err
		}
		if frame.Action != protocol.ActionData {
			return received, fmt.Errorf("%w: expected data, got %s", ErrProtocolViolation, frame.Action)
		}

		var chunk protocol.Data
		if err := chunk.Unmarshal(frame.Payload); err != nil {
			return received, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}

		if len(chunk.Data) == 0 {
			if chunk.Offset != filesize {
				return received, fmt.Errorf("%w: terminator at offset %d, filesize %d",
					ErrProtocolViolation, chunk.Offset, filesize)
			}
			return received, nil
		}

		if chunk.Offset+uint64(len(chunk.Data)) > filesize {
			return received, fmt.Errorf("%w: data frame [%d, %d) beyond filesize %d",
				ErrProtocolViolation, chunk.Offset, chunk.Offset+uint64(len(chunk.Data)), filesize)
		}

		if _, err := out.WriteAt(chunk.Data, int64(chunk.Offset)); err != nil {
			return received, fmt.Errorf("write chunk: %w", err)
		}
		received += uint64(len(chunk.Data))
		sess.srv.metrics.BytesReceived.Add(float64(len(chunk.Data)))
		sess.srv.metrics.ChunksReceived.Inc()
	}
}

// finalize truncates to the declared size, flushes, and renames the temp
// file into place.
func finalize(out *os.File, tmp, dest string, filesize uint64, perm os.FileMode) error {
	if err := out.Truncate(int64(filesize)); err != nil {
		out.Close()
		return fmt.Errorf("truncate: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	// The open may have been narrowed by the umask; the sender's mode
	// wins.
	if err := os.Chmod(dest, perm); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	return nil
}

// refuse reports a policy refusal to the sender and the metrics.
func (sess *session) refuse(status protocol.Status, filename string) {
	sess.srv.metrics.PolicyRefusals.WithLabelValues(status.String()).Inc()
	sess.log.PolicyRefused(sess.id, filename, status.String())
	sess.reply(status, 0, nil)
}

// reply sends an InitAck with our version, best effort on error paths.
func (sess *session) reply(status protocol.Status, features uint32, d *protocol.Delta) error {
	ack := &protocol.InitAck{
		Status:   status,
		Version:  protocol.VersionComponents(),
		Features: features,
		Delta:    d,
	}
	return sess.send(protocol.ActionInitAck, sess.enc, ack.Marshal())
}

func (sess *session) send(action protocol.Action, enc *crypto.Context, payload []byte) error {
	if err := sess.conn.SetWriteDeadline(time.Now().Add(ioTimeout)); err != nil {
		return err
	}
	return protocol.Send(sess.conn, action, enc, payload)
}

func (sess *session) recv() (*protocol.Frame, error) {
	if err := sess.conn.SetReadDeadline(time.Now().Add(ioTimeout)); err != nil {
		return nil, err
	}
	frame, err := protocol.Recv(sess.conn, sess.enc)
	if errors.Is(err, crypto.ErrDecrypt) || errors.Is(err, crypto.ErrNoContext) {
		sess.srv.metrics.DecryptFailures.Inc()
	}
	return frame, err
}
