package server

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/telexfer/teleporter/internal/client"
	"github.com/telexfer/teleporter/internal/observability"
	"github.com/telexfer/teleporter/internal/protocol"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("test", protocol.Version, io.Discard)
}

// startServer runs a server on a loopback listener and returns its port.
func startServer(t *testing.T, cfg Config) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := New(cfg, testLogger())
	go s.Serve(ln)

	return ln.Addr().(*net.TCPAddr).Port
}

func clientConfig(port int, inputs ...string) *client.Config {
	return &client.Config{
		Inputs: inputs,
		Dest:   "127.0.0.1",
		Port:   port,
	}
}

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// waitForContent polls until path holds exactly want, since the server
// finalizes shortly after the client returns.
func waitForContent(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := os.ReadFile(path)
		if err == nil && sha256.Sum256(got) == sha256.Sum256(want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("destination %s never matched: err=%v, got %d bytes, want %d",
				path, err, len(got), len(want))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTransferNewFile(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	src := filepath.Join(srcDir, "fresh.bin")
	data := randomBytes(t, 10_000, 1)
	writeFile(t, src, data)
	if err := os.Chmod(src, 0o640); err != nil {
		t.Fatal(err)
	}

	port := startServer(t, Config{BaseDir: dstDir})

	stats, err := client.Run(clientConfig(port, src), testLogger())
	if err != nil {
		t.Fatalf("client run failed: %v", err)
	}
	if stats.Sent != 1 {
		t.Errorf("sent = %d, want 1", stats.Sent)
	}

	dest := filepath.Join(dstDir, "fresh.bin")
	waitForContent(t, dest, data)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(dest)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o640 {
			t.Errorf("destination mode = %o, want 640", info.Mode().Perm())
		}
	}
}

func TestTransferDeltaSkipsMatchingChunks(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := randomBytes(t, 200_000, 2)
	src := filepath.Join(srcDir, "payload.bin")
	writeFile(t, src, data)

	// The destination differs in the first half only.
	existing := append([]byte{}, data...)
	for i := 0; i < 100_000; i++ {
		existing[i] ^= 0xFF
	}
	writeFile(t, filepath.Join(dstDir, "payload.bin"), existing)

	port := startServer(t, Config{BaseDir: dstDir})

	cfg := clientConfig(port, src)
	cfg.Overwrite = true
	stats, err := client.Run(cfg, testLogger())
	if err != nil {
		t.Fatalf("client run failed: %v", err)
	}

	waitForContent(t, filepath.Join(dstDir, "payload.bin"), data)

	// Only the changed first half travels; the matching second half is
	// suppressed by the chunk comparison.
	if stats.BytesSent < 90_000 || stats.BytesSent > 150_000 {
		t.Errorf("bytes sent = %d, want roughly the changed half", stats.BytesSent)
	}
}

func TestTransferIdenticalShortCircuit(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := randomBytes(t, 50_000, 3)
	src := filepath.Join(srcDir, "same.bin")
	writeFile(t, src, data)
	writeFile(t, filepath.Join(dstDir, "same.bin"), data)

	port := startServer(t, Config{BaseDir: dstDir})

	cfg := clientConfig(port, src)
	cfg.Overwrite = true
	stats, err := client.Run(cfg, testLogger())
	if err != nil {
		t.Fatalf("client run failed: %v", err)
	}
	if stats.Same != 1 || stats.Sent != 0 {
		t.Errorf("stats = %+v, want exactly one Same", stats)
	}
	if stats.BytesSent != 0 {
		t.Errorf("bytes sent = %d, want 0", stats.BytesSent)
	}

	waitForContent(t, filepath.Join(dstDir, "same.bin"), data)
}

// recordingProxy forwards client connections to the server while
// recording every byte the client sends.
func recordingProxy(t *testing.T, serverPort int) (int, *bytes.Buffer, *sync.Mutex) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var recorded bytes.Buffer

	go func() {
		for {
			down, err := ln.Accept()
			if err != nil {
				return
			}
			up, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(serverPort)))
			if err != nil {
				down.Close()
				return
			}
			go func() {
				io.Copy(down, up)
				down.Close()
			}()
			go func() {
				tee := io.TeeReader(down, lockedWriter{&mu, &recorded})
				io.Copy(up, tee)
				up.Close()
			}()
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, &recorded, &mu
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestTransferEncrypted(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	// A distinctive plaintext pattern that must not appear on the wire.
	data := bytes.Repeat([]byte("TELEPORTER-SECRET-PAYLOAD"), 200)[:4096]
	src := filepath.Join(srcDir, "secret.bin")
	writeFile(t, src, data)

	serverPort := startServer(t, Config{BaseDir: dstDir})
	proxyPort, recorded, mu := recordingProxy(t, serverPort)

	cfg := clientConfig(proxyPort, src)
	cfg.Encrypt = true
	stats, err := client.Run(cfg, testLogger())
	if err != nil {
		t.Fatalf("client run failed: %v", err)
	}
	if stats.Sent != 1 {
		t.Errorf("sent = %d, want 1", stats.Sent)
	}

	waitForContent(t, filepath.Join(dstDir, "secret.bin"), data)

	mu.Lock()
	wire := append([]byte{}, recorded.Bytes()...)
	mu.Unlock()
	if bytes.Contains(wire, []byte("TELEPORTER-SECRET-PAYLOAD")) {
		t.Error("plaintext visible on the wire despite encryption")
	}
}

func TestTransferRefusedWithoutOverwrite(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	src := filepath.Join(srcDir, "clash.bin")
	writeFile(t, src, randomBytes(t, 5_000, 4))

	existing := []byte("do not touch")
	writeFile(t, filepath.Join(dstDir, "clash.bin"), existing)

	port := startServer(t, Config{BaseDir: dstDir})

	stats, err := client.Run(clientConfig(port, src), testLogger())
	if !errors.Is(err, client.ErrAllRefused) {
		t.Errorf("err = %v, want ErrAllRefused", err)
	}
	if stats.Refused != 1 {
		t.Errorf("refused = %d, want 1", stats.Refused)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "clash.bin"))
	if err != nil || !bytes.Equal(got, existing) {
		t.Errorf("existing destination changed: %q, %v", got, err)
	}
}

func TestTransferBackup(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := randomBytes(t, 30_000, 5)
	src := filepath.Join(srcDir, "b.bin")
	writeFile(t, src, data)

	old := []byte("previous generation")
	writeFile(t, filepath.Join(dstDir, "b.bin"), old)

	port := startServer(t, Config{BaseDir: dstDir})

	cfg := clientConfig(port, src)
	cfg.Overwrite = true
	cfg.Backup = true
	if _, err := client.Run(cfg, testLogger()); err != nil {
		t.Fatalf("client run failed: %v", err)
	}

	waitForContent(t, filepath.Join(dstDir, "b.bin"), data)
	waitForContent(t, filepath.Join(dstDir, "b.bin.bak"), old)
}

func TestTransferFilenameAppend(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := randomBytes(t, 10_000, 6)
	src := filepath.Join(srcDir, "n.bin")
	writeFile(t, src, data)

	existing := []byte("first occupant")
	writeFile(t, filepath.Join(dstDir, "n.bin"), existing)

	port := startServer(t, Config{BaseDir: dstDir})

	cfg := clientConfig(port, src)
	cfg.FilenameAppend = true
	if _, err := client.Run(cfg, testLogger()); err != nil {
		t.Fatalf("client run failed: %v", err)
	}

	waitForContent(t, filepath.Join(dstDir, "n.bin.1"), data)

	got, err := os.ReadFile(filepath.Join(dstDir, "n.bin"))
	if err != nil || !bytes.Equal(got, existing) {
		t.Errorf("original destination changed: %q, %v", got, err)
	}
}

func TestServerRequiresEncryption(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	src := filepath.Join(srcDir, "p.bin")
	writeFile(t, src, randomBytes(t, 1_000, 7))

	port := startServer(t, Config{BaseDir: dstDir, MustEncrypt: true})

	stats, err := client.Run(clientConfig(port, src), testLogger())
	if err == nil {
		t.Fatal("run succeeded against a must-encrypt server without -e")
	}
	if stats.Sent != 0 {
		t.Errorf("sent = %d, want 0", stats.Sent)
	}

	// With encryption offered, the same transfer goes through.
	cfg := clientConfig(port, src)
	cfg.Encrypt = true
	if _, err := client.Run(cfg, testLogger()); err != nil {
		t.Fatalf("encrypted run failed: %v", err)
	}
	data, _ := os.ReadFile(src)
	waitForContent(t, filepath.Join(dstDir, "p.bin"), data)
}

func TestServerRejectsVersionSkew(t *testing.T) {
	port := startServer(t, Config{BaseDir: t.TempDir()})

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	init := &protocol.Init{
		Version:  [3]uint16{0, 1, 0},
		Features: protocol.FeatureNewFile,
		Filesize: 1,
		Filename: "v.bin",
	}
	if err := protocol.Send(conn, protocol.ActionInit, nil, init.Marshal()); err != nil {
		t.Fatal(err)
	}

	frame, err := protocol.Recv(conn, nil)
	if err != nil {
		t.Fatalf("no init-ack: %v", err)
	}
	var ack protocol.InitAck
	if err := ack.Unmarshal(frame.Payload); err != nil {
		t.Fatal(err)
	}
	if ack.Status != protocol.StatusWrongVersion {
		t.Errorf("status = %s, want wrong-version", ack.Status)
	}
}

func TestServerRejectsUnexpectedFirstAction(t *testing.T) {
	port := startServer(t, Config{BaseDir: t.TempDir()})

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	chunk := &protocol.Data{Offset: 0, Data: []byte("x")}
	if err := protocol.Send(conn, protocol.ActionData, nil, chunk.Marshal()); err != nil {
		t.Fatal(err)
	}

	frame, err := protocol.Recv(conn, nil)
	if err != nil {
		t.Fatalf("no init-ack: %v", err)
	}
	var ack protocol.InitAck
	if err := ack.Unmarshal(frame.Payload); err != nil {
		t.Fatal(err)
	}
	if ack.Status != protocol.StatusUnknownAction {
		t.Errorf("status = %s, want unknown-action", ack.Status)
	}
}

func TestServerUnlinksPartialOnViolation(t *testing.T) {
	dstDir := t.TempDir()
	port := startServer(t, Config{BaseDir: dstDir})

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	init := &protocol.Init{
		Version:  protocol.VersionComponents(),
		Features: protocol.FeatureNewFile,
		Chmod:    0o644,
		Filesize: 10,
		Filename: "partial.bin",
	}
	if err := protocol.Send(conn, protocol.ActionInit, nil, init.Marshal()); err != nil {
		t.Fatal(err)
	}
	if _, err := protocol.Recv(conn, nil); err != nil {
		t.Fatal(err)
	}

	// A write past the declared filesize is a protocol violation.
	bad := &protocol.Data{Offset: 8, Data: []byte("too much data")}
	if err := protocol.Send(conn, protocol.ActionData, nil, bad.Marshal()); err != nil {
		t.Fatal(err)
	}

	// Give the session time to process the violation, then confirm both
	// the destination and the temp file are gone and stay gone.
	time.Sleep(300 * time.Millisecond)
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, errDest := os.Lstat(filepath.Join(dstDir, "partial.bin"))
		_, errTmp := os.Lstat(filepath.Join(dstDir, "partial.bin.partial"))
		if os.IsNotExist(errDest) && os.IsNotExist(errTmp) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("partial file still present after protocol violation")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
