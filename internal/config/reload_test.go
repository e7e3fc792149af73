package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return logger, &buf
}

func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test-config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const validConfig = `
server:
  port: 8000
proxy:
  target_host: "cdn.cribl.io"
capture:
  dir: "captures"
  max_writes_per_second: 5
`

const validConfigUpdated = `
server:
  port: 8000
proxy:
  target_host: "telemetry.example.com"
  verbose: true
capture:
  dir: "captures"
  max_writes_per_second: 20
`

const invalidConfig = `
server:
  port: -1
`

func TestReloader_Current(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)
	cfg := r.Current()
	if cfg.Capture.MaxWritesPerSecond != 5 {
		t.Errorf("expected 5 writes/s, got %v", cfg.Capture.MaxWritesPerSecond)
	}
}

func TestReloader_Reload_ValidConfig(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	// Update the config file
	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	ok := r.Reload()
	if !ok {
		t.Fatal("expected reload to succeed")
	}

	cfg := r.Current()
	if cfg.Capture.MaxWritesPerSecond != 20 {
		t.Errorf("expected 20 writes/s after reload, got %v", cfg.Capture.MaxWritesPerSecond)
	}
	if cfg.Proxy.TargetHost != "telemetry.example.com" {
		t.Errorf("expected new target host after reload, got %q", cfg.Proxy.TargetHost)
	}
}

func TestReloader_Reload_InvalidConfig(t *testing.T) {
	logger, logBuf := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	// Write invalid config
	if err := os.WriteFile(path, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	ok := r.Reload()
	if ok {
		t.Fatal("expected reload to fail for invalid config")
	}

	// Original config should be preserved
	cfg := r.Current()
	if cfg.Proxy.TargetHost != "cdn.cribl.io" {
		t.Errorf("expected original target host preserved, got %q", cfg.Proxy.TargetHost)
	}

	if !strings.Contains(logBuf.String(), "config reload failed") {
		t.Error("expected error to be logged")
	}
}

func TestReloader_OnReload_Callback(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	var callbackCalled bool
	var callbackTarget string
	r.OnReload(func(cfg *Config) {
		callbackCalled = true
		callbackTarget = cfg.Proxy.TargetHost
	})

	// Update and reload
	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	if !callbackCalled {
		t.Fatal("expected callback to be called")
	}
	if callbackTarget != "telemetry.example.com" {
		t.Errorf("expected callback to receive new target, got %q", callbackTarget)
	}
}

func TestReloader_OnReload_NotCalledOnFailure(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	callbackCalled := false
	r.OnReload(func(cfg *Config) {
		callbackCalled = true
	})

	// Write invalid config and attempt reload
	if err := os.WriteFile(path, []byte(invalidConfig), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	if callbackCalled {
		t.Fatal("callback should not be called on failed reload")
	}
}

func TestReloader_FileWatch(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	reloadDone := make(chan struct{}, 1)
	r.OnReload(func(cfg *Config) {
		select {
		case reloadDone <- struct{}{}:
		default:
		}
	})

	r.Start()
	defer r.Stop()

	// Give the watcher time to initialize
	time.Sleep(100 * time.Millisecond)

	// Write updated config to trigger file watch
	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	// Wait for reload with timeout
	select {
	case <-reloadDone:
		cfg := r.Current()
		if !cfg.Proxy.Verbose {
			t.Error("expected verbose after file watch reload")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("file watch reload timed out")
	}
}

func TestReloader_LogChanges(t *testing.T) {
	logger, logBuf := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)

	// Update and reload
	if err := os.WriteFile(path, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	r.Reload()

	logOutput := logBuf.String()
	for _, want := range []string{"interception target changed", "interceptor verbosity changed", "capture write limit changed"} {
		if !strings.Contains(logOutput, want) {
			t.Errorf("expected %q to be logged", want)
		}
	}
	if strings.Contains(logOutput, "restart required") {
		t.Error("capture.dir did not change; no restart warning expected")
	}
}

func TestReloader_FileWatch_ReplaceByRename(t *testing.T) {
	logger, _ := newTestLogger()
	dir := t.TempDir()
	path := writeTestConfig(t, dir, validConfig)

	initial, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load initial config: %v", err)
	}

	r := NewReloader(path, initial, logger)
	reloadDone := make(chan struct{}, 1)
	r.OnReload(func(cfg *Config) {
		select {
		case reloadDone <- struct{}{}:
		default:
		}
	})

	r.Start()
	defer r.Stop()
	time.Sleep(100 * time.Millisecond)

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, ".test-config.yaml.tmp")
	if err := os.WriteFile(tmp, []byte(validConfigUpdated), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloadDone:
		if got := r.Current().Proxy.TargetHost; got != "telemetry.example.com" {
			t.Errorf("expected new target host after rename, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload after rename timed out")
	}

	// The replaced file is still watched.
	if err := os.WriteFile(path, []byte(validConfig), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-reloadDone:
		if got := r.Current().Proxy.TargetHost; got != "cdn.cribl.io" {
			t.Errorf("expected original target host after second edit, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second reload timed out")
	}
}
