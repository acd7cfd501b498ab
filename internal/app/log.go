package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LogFileName is the log file inside the log directory.
const LogFileName = "dpm.log"

// logHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Every record goes to file; console only gets records at consoleLevel
// and above.
type logHandler struct {
	file         io.Writer
	console      io.Writer
	consoleLevel slog.Level
	opID         string
	attrs        []slog.Attr
}

func (h *logHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.file != nil || (h.console != nil && level >= h.consoleLevel)
}

func (h *logHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	fmt.Fprintf(&buf, "%s\t%s\t%s\t%s", ts, r.Level.String(), h.opID, r.Message)

	// Write pre-set attrs.
	for _, a := range h.attrs {
		fmt.Fprintf(&buf, "\t%s=%v", a.Key, a.Value)
	}

	// Write per-record attrs.
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&buf, "\t%s=%v", a.Key, a.Value)
		return true
	})
	buf.WriteByte('\n')

	if h.file != nil {
		if _, err := h.file.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	if h.console != nil && r.Level >= h.consoleLevel {
		if _, err := h.console.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (h *logHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logHandler{
		file:         h.file,
		console:      h.console,
		consoleLevel: h.consoleLevel,
		opID:         h.opID,
		attrs:        append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *logHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to logDir/dpm.log and
// warnings and errors to stderr. An empty logDir logs to stderr only.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, opID string, consoleLevel slog.Level) (*slog.Logger, *os.File, error) {
	handler := &logHandler{console: os.Stderr, consoleLevel: consoleLevel, opID: opID}
	if logDir == "" {
		return slog.New(handler), nil, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, LogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler.file = f
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the dpm.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
