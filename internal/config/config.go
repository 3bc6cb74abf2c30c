package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the avatar client.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	TraceExporter string `yaml:"trace_exporter"`

	RemoteMode      string        `yaml:"remote_mode"`
	RemoteBaseURL   string        `yaml:"remote_base_url"`
	RemoteStreamURL string        `yaml:"remote_stream_url"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`

	MonitorMode       string        `yaml:"monitor_mode"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxPollErrors     int           `yaml:"max_poll_errors"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	NATSURL           string        `yaml:"nats_url"`
	NATSSubjectPrefix string        `yaml:"nats_subject_prefix"`

	SessionStoreURL string `yaml:"session_store_url"`
	SessionProfile  string `yaml:"session_profile"`

	MaxVoiceBytes    int64  `yaml:"max_voice_bytes"`
	MaxImageBytes    int64  `yaml:"max_image_bytes"`
	MinVoiceSeconds  int    `yaml:"min_voice_seconds"`
	DefaultCloneName string `yaml:"clone_name"`

	ManualMaxChars       int  `yaml:"manual_max_chars"`
	ManualHistoryLimit   int  `yaml:"manual_history_limit"`
	ChatGenerateVideo    bool `yaml:"chat_generate_video"`
	CaptureSampleRate    int  `yaml:"capture_sample_rate"`
	EventSubscriberQueue int  `yaml:"event_subscriber_queue"`
}

const (
	RemoteModeHTTP = "http"
	RemoteModeMock = "mock"

	MonitorModePoll   = "poll"
	MonitorModeStream = "stream"
	MonitorModeNATS   = "nats"
	MonitorModeAuto   = "auto"
)

// Default returns the built-in settings before any file or environment
// overrides are applied.
func Default() Config {
	return Config{
		BindAddr:             "127.0.0.1:8090",
		ShutdownTimeout:      15 * time.Second,
		MetricsNamespace:     "talkavatar",
		LogLevel:             "info",
		LogFormat:            "console",
		TraceExporter:        "none",
		RemoteMode:           RemoteModeHTTP,
		RemoteBaseURL:        "http://localhost:8000",
		RemoteTimeout:        60 * time.Second,
		MonitorMode:          MonitorModeAuto,
		PollInterval:         time.Second,
		MaxPollErrors:        5,
		TaskTimeout:          10 * time.Minute,
		NATSSubjectPrefix:    "avatar.tasks",
		SessionStoreURL:      defaultSessionStoreURL(),
		SessionProfile:       "default",
		MaxVoiceBytes:        10 << 20,
		MaxImageBytes:        5 << 20,
		MinVoiceSeconds:      10,
		DefaultCloneName:     "My Clone",
		ManualMaxChars:       5000,
		ManualHistoryLimit:   10,
		ChatGenerateVideo:    true,
		CaptureSampleRate:    16000,
		EventSubscriberQueue: 256,
	}
}

// Load reads .env, the optional YAML file named by APP_CONFIG_FILE and
// environment variables, in that order of increasing precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		var err error
		cfg, err = loadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("APP_LOG_FORMAT", cfg.LogFormat))
	cfg.TraceExporter = strings.ToLower(envOrDefault("APP_TRACE_EXPORTER", cfg.TraceExporter))
	cfg.RemoteMode = strings.ToLower(envOrDefault("REMOTE_MODE", cfg.RemoteMode))
	cfg.RemoteBaseURL = strings.TrimRight(envOrDefault("REMOTE_BASE_URL", cfg.RemoteBaseURL), "/")
	cfg.RemoteStreamURL = envOrDefault("REMOTE_STREAM_URL", cfg.RemoteStreamURL)
	cfg.MonitorMode = strings.ToLower(envOrDefault("MONITOR_MODE", cfg.MonitorMode))
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = envOrDefault("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)
	cfg.SessionStoreURL = envOrDefault("SESSION_STORE_URL", cfg.SessionStoreURL)
	cfg.SessionProfile = envOrDefault("SESSION_PROFILE", cfg.SessionProfile)
	cfg.DefaultCloneName = envOrDefault("SETUP_CLONE_NAME", cfg.DefaultCloneName)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RemoteTimeout, err = durationFromEnv("REMOTE_TIMEOUT", cfg.RemoteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("MONITOR_POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPollErrors, err = intFromEnv("MONITOR_MAX_POLL_ERRORS", cfg.MaxPollErrors)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatGenerateVideo, err = boolFromEnv("CHAT_GENERATE_VIDEO", cfg.ChatGenerateVideo)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxVoiceBytes, err = int64FromEnv("SETUP_MAX_VOICE_BYTES", cfg.MaxVoiceBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxImageBytes, err = int64FromEnv("SETUP_MAX_IMAGE_BYTES", cfg.MaxImageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MinVoiceSeconds, err = intFromEnv("SETUP_MIN_VOICE_SECONDS", cfg.MinVoiceSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.ManualMaxChars, err = intFromEnv("MANUAL_MAX_CHARS", cfg.ManualMaxChars)
	if err != nil {
		return Config{}, err
	}
	cfg.ManualHistoryLimit, err = intFromEnv("MANUAL_HISTORY_LIMIT", cfg.ManualHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.CaptureSampleRate, err = intFromEnv("CAPTURE_SAMPLE_RATE", cfg.CaptureSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.EventSubscriberQueue, err = intFromEnv("APP_EVENT_SUBSCRIBER_QUEUE", cfg.EventSubscriberQueue)
	if err != nil {
		return Config{}, err
	}

	if cfg.RemoteStreamURL == "" {
		cfg.RemoteStreamURL = deriveStreamURL(cfg.RemoteBaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	switch c.RemoteMode {
	case RemoteModeHTTP, RemoteModeMock:
	default:
		return fmt.Errorf("REMOTE_MODE must be one of http|mock, got %q", c.RemoteMode)
	}
	switch c.MonitorMode {
	case MonitorModePoll, MonitorModeStream, MonitorModeNATS, MonitorModeAuto:
	default:
		return fmt.Errorf("MONITOR_MODE must be one of poll|stream|nats|auto, got %q", c.MonitorMode)
	}
	if c.MonitorMode == MonitorModeNATS && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when MONITOR_MODE=nats")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	switch c.TraceExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("APP_TRACE_EXPORTER must be none or stdout, got %q", c.TraceExporter)
	}
	if c.RemoteMode == RemoteModeHTTP {
		u, err := url.Parse(c.RemoteBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("REMOTE_BASE_URL must be an absolute URL, got %q", c.RemoteBaseURL)
		}
	}
	if c.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("MONITOR_POLL_INTERVAL must be at least 50ms")
	}
	if c.MaxPollErrors <= 0 {
		return fmt.Errorf("MONITOR_MAX_POLL_ERRORS must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}
	if c.MaxVoiceBytes <= 0 || c.MaxImageBytes <= 0 {
		return fmt.Errorf("SETUP_MAX_VOICE_BYTES and SETUP_MAX_IMAGE_BYTES must be positive")
	}
	if c.MinVoiceSeconds < 0 {
		return fmt.Errorf("SETUP_MIN_VOICE_SECONDS must be >= 0")
	}
	if c.ManualMaxChars <= 0 {
		return fmt.Errorf("MANUAL_MAX_CHARS must be positive")
	}
	if c.ManualHistoryLimit <= 0 {
		return fmt.Errorf("MANUAL_HISTORY_LIMIT must be positive")
	}
	if c.CaptureSampleRate < 8000 {
		return fmt.Errorf("CAPTURE_SAMPLE_RATE must be at least 8000")
	}
	if c.EventSubscriberQueue <= 0 {
		return fmt.Errorf("APP_EVENT_SUBSCRIBER_QUEUE must be positive")
	}
	if strings.TrimSpace(c.SessionProfile) == "" {
		return fmt.Errorf("SESSION_PROFILE must not be empty")
	}
	return nil
}

func loadFile(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func deriveStreamURL(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/tasks/stream"
	return u.String()
}

func defaultSessionStoreURL() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "file://" + filepath.Join(os.TempDir(), "talkavatar", "session.json")
	}
	return "file://" + filepath.Join(home, ".talkavatar", "session.json")
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func int64FromEnv(key string, fallback int64) (int64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
