// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawremote/internal/shared"
)

const (
	logFileName = "system.jsonl"
	redacted    = "[REDACTED]"
)

// NewLogger writes JSON lines to <homeDir>/logs/system.jsonl, mirrored to
// stdout unless quiet. Every record carries component and trace_id.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}

	sinks := []io.Writer{file}
	if !quiet {
		sinks = append(sinks, os.Stdout)
	}
	logger := slog.New(NewHandler(io.MultiWriter(sinks...), ParseLevel(level)))
	return logger.With("component", "daemon", "trace_id", "-"), file, nil
}

// NewHandler is the redacting JSON handler used for every log sink.
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: scrubAttr})
}

// Component derives a logger tagged with a subsystem name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// scrubAttr renames the time key and masks secrets. A sensitive group name
// masks every attribute inside it.
func scrubAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	for _, g := range groups {
		if sensitiveKey(g) {
			return slog.String(a.Key, redacted)
		}
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}

	switch v := a.Value.Any().(type) {
	case string:
		if strings.Contains(strings.ToLower(v), "authorization:") {
			return slog.String(a.Key, redacted)
		}
		if s := shared.Redact(v); s != v {
			return slog.String(a.Key, s)
		}
	case error:
		if s := shared.Redact(v.Error()); s != v.Error() {
			return slog.String(a.Key, s)
		}
	}
	return a
}

var sensitiveFragments = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey",
	"signature", "nonce", "private_key",
}

func sensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(key, frag) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if strings.EqualFold(strings.TrimSpace(level), "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}
