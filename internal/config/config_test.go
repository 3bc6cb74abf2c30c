package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MonitorMode != MonitorModeAuto {
		t.Fatalf("MonitorMode = %q, want %q", cfg.MonitorMode, MonitorModeAuto)
	}
	if cfg.MaxVoiceBytes != 10<<20 || cfg.MaxImageBytes != 5<<20 {
		t.Fatalf("size caps = %d/%d, want 10MiB/5MiB", cfg.MaxVoiceBytes, cfg.MaxImageBytes)
	}
	if cfg.ManualMaxChars != 5000 || cfg.ManualHistoryLimit != 10 {
		t.Fatalf("manual limits = %d/%d, want 5000/10", cfg.ManualMaxChars, cfg.ManualHistoryLimit)
	}
	if cfg.RemoteStreamURL != "ws://localhost:8000/api/v1/tasks/stream" {
		t.Fatalf("RemoteStreamURL = %q, want derived ws url", cfg.RemoteStreamURL)
	}
}

func TestLoadDerivesSecureStreamURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("REMOTE_BASE_URL", "https://avatar.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RemoteBaseURL != "https://avatar.example.com" {
		t.Fatalf("RemoteBaseURL = %q, want trailing slash trimmed", cfg.RemoteBaseURL)
	}
	if cfg.RemoteStreamURL != "wss://avatar.example.com/api/v1/tasks/stream" {
		t.Fatalf("RemoteStreamURL = %q", cfg.RemoteStreamURL)
	}
}

func TestLoadRejectsUnknownMonitorMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MONITOR_MODE", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want invalid monitor mode")
	}
}

func TestLoadRequiresNATSURLForNATSMode(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MONITOR_MODE", "nats")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want missing NATS_URL")
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "talkavatar.yaml")
	body := []byte("poll_interval: 250ms\nmanual_history_limit: 4\nremote_mode: mock\nbind_addr: 127.0.0.1:7000\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", "127.0.0.1:7100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.ManualHistoryLimit != 4 {
		t.Fatalf("ManualHistoryLimit = %d, want 4", cfg.ManualHistoryLimit)
	}
	if cfg.RemoteMode != RemoteModeMock {
		t.Fatalf("RemoteMode = %q, want mock", cfg.RemoteMode)
	}
	if cfg.BindAddr != "127.0.0.1:7100" {
		t.Fatalf("BindAddr = %q, want env override", cfg.BindAddr)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MONITOR_POLL_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_TRACE_EXPORTER",
		"APP_EVENT_SUBSCRIBER_QUEUE",
		"REMOTE_MODE",
		"REMOTE_BASE_URL",
		"REMOTE_STREAM_URL",
		"REMOTE_TIMEOUT",
		"MONITOR_MODE",
		"MONITOR_POLL_INTERVAL",
		"MONITOR_MAX_POLL_ERRORS",
		"TASK_TIMEOUT",
		"NATS_URL",
		"NATS_SUBJECT_PREFIX",
		"SESSION_STORE_URL",
		"SESSION_PROFILE",
		"SETUP_MAX_VOICE_BYTES",
		"SETUP_MAX_IMAGE_BYTES",
		"SETUP_MIN_VOICE_SECONDS",
		"SETUP_CLONE_NAME",
		"MANUAL_MAX_CHARS",
		"MANUAL_HISTORY_LIMIT",
		"CHAT_GENERATE_VIDEO",
		"CAPTURE_SAMPLE_RATE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
