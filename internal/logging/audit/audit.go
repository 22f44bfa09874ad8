// Package audit writes structured security and data-lifecycle events for the vault.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
// A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func resultLevel(result string) zerolog.Level {
	if result == "denied" || result == "failed" {
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}

// LogAuth logs an admin API authentication decision.
// result: "allowed" or "denied"
func (l *Logger) LogAuth(method, result, details, sourceIP string) {
	if l == nil {
		return
	}
	l.logger.WithLevel(resultLevel(result)).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result).
		Str("details", details).
		Str("source_ip", sourceIP).
		Msg("Authentication event")
}

// LogUpload logs the outcome of an upload session.
// result: "completed", "failed", "cancelled" or "expired"
func (l *Logger) LogUpload(vaultID, sessionID, fileID, result, details string, size int64) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(resultLevel(result)).
		Str("event_type", "upload").
		Str("vault_id", vaultID).
		Str("session_id", sessionID).
		Str("result", result).
		Int64("size", size)

	if fileID != "" {
		event = event.Str("file_id", fileID)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Upload event")
}

// LogShareAccess logs an access decision on a share link.
// action: "resolve" or "download"
// result: "allowed" or "denied"
// reason: why access was denied (empty for allowed)
func (l *Logger) LogShareAccess(shareID, code, action, result, reason, sourceIP string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(resultLevel(result)).
		Str("event_type", "share_access").
		Str("share_code", code).
		Str("action", action).
		Str("result", result).
		Str("source_ip", sourceIP)

	if shareID != "" {
		event = event.Str("share_id", shareID)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Share access event")
}

// LogShareMgmt logs creation or deletion of a share link.
func (l *Logger) LogShareMgmt(action, vaultID, shareID, details string) {
	if l == nil {
		return
	}
	event := l.logger.Info().
		Str("event_type", "share_management").
		Str("action", action).
		Str("vault_id", vaultID).
		Str("share_id", shareID)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Share management event")
}

// LogBatch logs a batch operation over files of a vault.
func (l *Logger) LogBatch(vaultID, action string, requested, processed, failed int) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if failed > 0 {
		level = zerolog.WarnLevel
	}
	l.logger.WithLevel(level).
		Str("event_type", "batch").
		Str("vault_id", vaultID).
		Str("action", action).
		Int("requested", requested).
		Int("processed", processed).
		Int("failed", failed).
		Msg("Batch operation")
}

// LogVersion logs a change to a file's version history.
// action: "replace", "restore" or "purge"
func (l *Logger) LogVersion(vaultID, fileID, action string, version int) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "version").
		Str("vault_id", vaultID).
		Str("file_id", fileID).
		Str("action", action).
		Int("version", version).
		Msg("Version event")
}
