package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_StdoutOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: slog.LevelWarn, Stdout: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("sync: hidden")
	logger.Warn("sync: shown", slog.Int("pending", 3))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "sync: shown" || rec["pending"] != float64(3) {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "slabsync.log")
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: slog.LevelInfo, File: path, MaxSizeMB: 1, Stdout: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("connectivity: online")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file: %v", err)
	}
	if !strings.Contains(string(data), "connectivity: online") || !strings.Contains(buf.String(), "connectivity: online") {
		t.Errorf("file = %q stdout = %q", data, buf.String())
	}
}
