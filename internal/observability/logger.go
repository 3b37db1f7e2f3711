package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithSession adds session_id context to logger.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("session_id", sessionID).Logger(),
	}
}

// WithPeer adds peer address context to logger.
func (l *Logger) WithPeer(addr string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("peer_addr", addr).Logger(),
	}
}

// WithFile adds file context to logger.
func (l *Logger) WithFile(filename string, filesize uint64) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("filename", filename).
			Uint64("filesize", filesize).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// TransferStarted logs the start of one file transfer session.
func (l *Logger) TransferStarted(sessionID, filename string, filesize uint64, encrypted bool) {
	l.logger.Info().
		Str("session_id", sessionID).
		Str("filename", filename).
		Uint64("filesize", filesize).
		Bool("encrypted", encrypted).
		Msg("transfer session started")
}

// TransferCompleted logs a finished transfer.
func (l *Logger) TransferCompleted(sessionID string, filesize, sentBytes uint64, skippedChunks int, duration time.Duration) {
	l.logger.Info().
		Str("session_id", sessionID).
		Uint64("filesize", filesize).
		Uint64("sent_bytes", sentBytes).
		Int("skipped_chunks", skippedChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("transfer completed")
}

// PolicyRefused logs a server-side destination policy refusal.
func (l *Logger) PolicyRefused(sessionID, filename, status string) {
	l.logger.Warn().
		Str("session_id", sessionID).
		Str("filename", filename).
		Str("status", status).
		Msg("transfer refused by destination policy")
}

// ChunkSkipped logs one delta-suppressed chunk.
func (l *Logger) ChunkSkipped(sessionID string, index int, size uint32) {
	l.logger.Debug().
		Str("session_id", sessionID).
		Int("chunk_index", index).
		Uint32("chunk_size", size).
		Msg("chunk matched remote hash, skipped")
}

// HandshakeCompleted logs a finished ECDH key agreement.
func (l *Logger) HandshakeCompleted(sessionID string) {
	l.logger.Info().
		Str("session_id", sessionID).
		Msg("key agreement completed, payloads encrypted")
}

// ConnectionEstablished logs an accepted or dialed connection.
func (l *Logger) ConnectionEstablished(remoteAddr, sessionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("session_id", sessionID).
		Msg("connection established")
}

// ConnectionFailed logs a failed dial or accept.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
