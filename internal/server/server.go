// Package server implements the receiving side of teleporter: a TCP
// listener that services each inbound connection on its own worker,
// applies the destination collision policy, and materializes received
// files rollback-safely.
package server

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"

	"github.com/telexfer/teleporter/internal/observability"
)

// Config is the operator's view of one server instance.
type Config struct {
	Port int

	// BaseDir is the directory received files are written under. Empty
	// means the current working directory.
	BaseDir string

	// MustEncrypt refuses senders that do not perform key agreement.
	MustEncrypt bool

	// AllowDangerousFilepath permits absolute and ".."-bearing
	// transmitted filenames.
	AllowDangerousFilepath bool
}

// Server accepts connections and spawns one session per connection.
type Server struct {
	cfg     Config
	log     *observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// New creates a server with its own metrics registry.
func New(cfg Config, log *observability.Logger) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		metrics:   observability.NewMetrics(),
		pathLocks: make(map[string]*sync.Mutex),
	}
}

// Metrics exposes the server's metrics registry for the HTTP endpoint.
func (s *Server) Metrics() *observability.Metrics {
	return s.metrics
}

// ListenAndServe binds the configured port on the unspecified address
// and serves until the listener fails.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", s.cfg.Port, err)
	}
	defer ln.Close()
	return s.Serve(ln)
}

// Serve accepts connections from ln until it is closed. Each connection
// gets an independent worker; a session failure never touches its
// siblings.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info(fmt.Sprintf("listening on %s", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

// destPath maps a validated wire filename to the local destination path.
func (s *Server) destPath(wireName string) string {
	rel := filepath.FromSlash(wireName)
	if filepath.IsAbs(rel) {
		// Only reachable with AllowDangerousFilepath.
		return filepath.Clean(rel)
	}
	base := s.cfg.BaseDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, rel)
}

// lockPath takes the per-destination exclusion for dest and returns the
// release function. Two sessions writing the same path serialize here.
func (s *Server) lockPath(dest string) func() {
	key := filepath.Clean(dest)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	s.mu.Lock()
	l, ok := s.pathLocks[key]
	if !ok {
		l = new(sync.Mutex)
		s.pathLocks[key] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
