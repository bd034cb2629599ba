package logging

import (
	"bytes"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stereodsm/internal/config"
)

func TestTraditionalHandlerFormatsCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelInfo})

	Critical(logger.With("run_id", "r1"), "insufficient matches", "count", 12)

	got := buf.String()
	if !strings.HasPrefix(got, "[CRITICAL] insufficient matches [") {
		t.Fatalf("unexpected line %q", got)
	}
	if !strings.Contains(got, "run_id=r1") || !strings.Contains(got, "count=12") {
		t.Fatalf("attributes missing from %q", got)
	}
}

func TestTraditionalHandlerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&TraditionalHandler{logger: log.New(&buf, "", 0), level: slog.LevelWarn})
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "[WARN] shown") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestSetupWritesRunLogFile(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := Setup(&config.Logging{Level: "debug", FileOutput: true}, dir)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("hello file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "stereodsm-*.log"))
	var found bool
	for _, m := range matches {
		if strings.HasSuffix(m, "current.log") {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		found = strings.Contains(string(data), "hello file")
	}
	if !found {
		t.Fatalf("log line not written to run log, files %v", matches)
	}
}

func TestNewWriterRendersCriticalLevelName(t *testing.T) {
	var buf bytes.Buffer
	Critical(NewWriter(&buf, "info", "json"), "stop")
	if !strings.Contains(buf.String(), `"level":"CRITICAL"`) {
		t.Fatalf("expected CRITICAL level in %q", buf.String())
	}
}
