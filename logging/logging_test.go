package logging

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/sockrelay/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{in: "debug", want: zap.DebugLevel},
		{in: "", want: zap.InfoLevel},
		{in: " INFO ", want: zap.InfoLevel},
		{in: "warning", want: zap.WarnLevel},
		{in: "error", want: zap.ErrorLevel},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		lvl, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && lvl.Level() != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, lvl.Level(), tt.want)
		}
	}
}

func restoreGlobals(t *testing.T) {
	t.Helper()
	prev := zap.L()
	flags, prefix, out := log.Flags(), log.Prefix(), log.Writer()
	t.Cleanup(func() {
		zap.ReplaceGlobals(prev)
		log.SetFlags(flags)
		log.SetPrefix(prefix)
		log.SetOutput(out)
	})
}

func TestSetup_FileJSON(t *testing.T) {
	restoreGlobals(t)
	path := filepath.Join(t.TempDir(), "logs", "relay.log")

	logger, err := Setup(config.LogConfig{Level: "info", Format: "json", Outputs: []string{path}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("Open: session opened", zap.Int("fd", 3))
	log.Print("from stdlib")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "Open: session opened" || entry["fd"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
	if !strings.Contains(lines[1], "from stdlib") {
		t.Errorf("stdlib log not redirected: %s", lines[1])
	}
	if zap.L() != logger {
		t.Error("global logger not replaced")
	}
}

func TestSetup_Rotation(t *testing.T) {
	restoreGlobals(t)
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")

	logger, err := Setup(config.LogConfig{
		Level:   "debug",
		Outputs: []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{
			Enable:    true,
			Filename:  rotated,
			MaxSizeMB: 1,
		},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Debug("rotating")
	_ = logger.Sync()

	data, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "rotating") {
		t.Errorf("rotated file = %q", data)
	}
}

func TestSetup_BadLevel(t *testing.T) {
	if _, err := Setup(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("expected error")
	}
}
