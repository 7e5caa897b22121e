package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"stackline/internal/config"
)

// New returns a slog.Logger writing to stdout with the provided level string
// (debug, info, warn, error). format may be "json", "text", "traditional" or "auto".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, parseLevel(level), format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "traditional":
		return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
	case "auto", "":
		if f, ok := w.(*os.File); ok && !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
			return slog.NewJSONHandler(w, opts)
		}
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// Setup configures global logging with optional daily file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}
	format := cfg.Logging.Format

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("stackline-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "stackline-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)

		// a tee is never a terminal
		if format == "auto" || format == "" {
			format = "json"
		}
	}

	var out io.Writer = os.Stdout
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}
	logger := slog.New(newHandler(out, level, format))
	slog.SetDefault(logger)

	logger.Debug("stackline logging initialized",
		"level", cfg.Logging.Level,
		"format", format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// Or returns l, or the default logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &TraditionalHandler{logger: h.logger, level: h.level, attrs: merged}
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogGroupStart logs the beginning of a group's processing attempt
func LogGroupStart(logger *slog.Logger, jobID, groupID string, index, frames, attempt int) {
	logger.Info("group processing started",
		"job", jobID,
		"group", groupID,
		"index", index,
		"frames", frames,
		"attempt", attempt,
	)
}

// LogGroupComplete logs successful processing of a group
func LogGroupComplete(logger *slog.Logger, jobID, groupID string, duration time.Duration, outputKey string) {
	logger.Info("group processing completed",
		"job", jobID,
		"group", groupID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.Round(time.Millisecond).String(),
		"output", outputKey,
	)
}

// LogGroupError logs group failures with the full cause
func LogGroupError(logger *slog.Logger, jobID, groupID string, duration time.Duration, err error) {
	logger.Error("group processing failed",
		"job", jobID,
		"group", groupID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "version", version, "path", path)
	} else {
		logger.Debug("tool not available", "tool", tool, "error", err)
	}
}

// LogTransfer logs a completed frame transfer
func LogTransfer(logger *slog.Logger, frameID, protocol string, size int64, duration time.Duration) {
	rate := ""
	if secs := duration.Seconds(); secs > 0 {
		rate = humanize.Bytes(uint64(float64(size)/secs)) + "/s"
	}
	logger.Info("frame uploaded",
		"frame", frameID,
		"protocol", protocol,
		"size", humanize.Bytes(uint64(size)),
		"duration_ms", duration.Milliseconds(),
		"rate", rate,
	)
}

// LogStageTransition logs a job or group status change
func LogStageTransition(logger *slog.Logger, jobID, subject, from, to string) {
	logger.Info("status changed",
		"job", jobID,
		"subject", subject,
		"from", from,
		"to", to,
	)
}
