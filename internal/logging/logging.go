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

	"stereodsm/internal/config"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

// LevelCritical is used for soft stops that end a run early without failing it.
const LevelCritical = slog.Level(12)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: replaceLevel}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup builds the logger of one run. Records go to stdout and, when file
// output is enabled, to a dated log file inside outDir.
func Setup(cfg *config.Logging, outDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Level)

	writers := []io.Writer{os.Stdout}
	var closer io.Closer = nopCloser{}

	if cfg.FileOutput && outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(outDir, fmt.Sprintf("stereodsm-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
		closer = file

		currentLogPath := filepath.Join(outDir, "stereodsm-current.log")
		os.Remove(currentLogPath)
		// a missing symlink only costs convenience
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	logger := log.New(io.MultiWriter(writers...), "", log.LstdFlags)
	slogLogger := slog.New(&TraditionalHandler{logger: logger, level: level})

	slogLogger.Info("stereodsm logging initialized",
		"level", cfg.Level,
		"file_output", cfg.FileOutput,
		"out_dir", outDir,
	)

	return slogLogger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// TraditionalHandler implements slog.Handler with traditional log formatting
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

	h.logger.Printf("[%s] %s", levelName(r.Level), msg)
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

func levelName(l slog.Level) string {
	if l >= LevelCritical {
		return "CRITICAL"
	}
	return strings.ToUpper(l.String())
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok && l >= LevelCritical {
			a.Value = slog.StringValue("CRITICAL")
		}
	}
	return a
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

// Critical logs at LevelCritical.
func Critical(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelCritical, msg, args...)
}

// LogSystemInfo records the host resources a run starts with.
func LogSystemInfo(logger *slog.Logger) {
	logger.Info("host resources",
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"logical_cores", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.AVX2(),
		"memory_mib", memory.TotalMemory()/1024/1024,
	)
}

// LogTaskStart logs a unit of work handed to a backend.
func LogTaskStart(logger *slog.Logger, kind, handle string, index int, backend string) {
	logger.Debug("task submitted",
		"kind", kind,
		"handle", handle,
		"index", index,
		"backend", backend,
	)
}

// LogTaskComplete logs successful task completion
func LogTaskComplete(logger *slog.Logger, kind, handle string, duration time.Duration) {
	logger.Debug("task completed",
		"kind", kind,
		"handle", handle,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogTaskError logs task failures
func LogTaskError(logger *slog.Logger, kind, handle string, duration time.Duration, err error) {
	logger.Error("task failed",
		"kind", kind,
		"handle", handle,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogStep logs individual steps of a pipeline run.
func LogStep(logger *slog.Logger, runID, step, status string, details map[string]any) {
	logger.Info("pipeline step",
		"run_id", runID,
		"step", step,
		"status", status,
		"details", details,
	)
}
