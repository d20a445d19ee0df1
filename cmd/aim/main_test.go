package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/simplelife2010/AIM/internal/config"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "aim v"+version) {
		t.Errorf("Expected version output, got %q", out.String())
	}
}

func TestSweepCommand(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2026-01-01", "00")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a.wav", "b.wav", "c.wav"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("Failed to write file: %v", err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		os.Chtimes(path, mtime, mtime)
	}

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "storage:\n  root: " + root + "\nlogging:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	rootCmd.SetArgs([]string{"sweep", "--config", configPath, "--keep", "1"})
	defer rootCmd.SetArgs(nil)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "c.wav" {
		t.Errorf("Expected only c.wav to remain, got %v", entries)
	}
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, closeLog := initLogger(config.LoggingConfig{Level: tt.level, Format: "json", Output: "stderr"})
			defer closeLog()

			if !logger.Enabled(context.Background(), tt.expected) {
				t.Errorf("Expected level %v to be enabled", tt.expected)
			}
			if tt.expected > slog.LevelDebug && logger.Enabled(context.Background(), tt.expected-4) {
				t.Errorf("Expected level below %v to be disabled", tt.expected)
			}
		})
	}
}

func TestInitLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aim.log")
	logger, closeLog := initLogger(config.LoggingConfig{Level: "info", Format: "text", Output: path})
	logger.Info("Hello")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "msg=Hello") {
		t.Errorf("Expected log line in file, got %q", data)
	}
}
