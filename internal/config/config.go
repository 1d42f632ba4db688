// Package config loads and validates relay server configuration.
//
// Configuration is environment-first: every key can be set through a
// RELAY_-prefixed environment variable (RELAY_HTTP_PORT,
// RELAY_MAX_FILE_SIZE_MB, ...), with an optional relay.yaml file for
// local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChunkSize is fixed: the client splits files into 64KB chunks and the
// server computes totalChunks from the same constant. Changing it breaks
// every in-flight client, so it is not configurable.
const ChunkSize = 64 * 1024

// Config contains all relay server settings.
type Config struct {
	// HTTP
	Host string
	Port int

	// Logging
	LogLevel  slog.Level
	LogFormat string // "text" or "json"

	// School registration numbers allowed to join sessions.
	ValidSchoolNumbers []string

	// Document limits.
	MaxDocumentChars int
	// Quiet period before a changed document is written to the store.
	PersistDebounce time.Duration

	// Member liveness.
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	SweepInterval     time.Duration

	// File transfers.
	MaxFileSize       int64
	ChunkSize         int
	FileTTL           time.Duration
	MaxUploadsPerUser int
	UploadWindow      time.Duration

	// Image cache.
	MaxCachedImages    int
	ImageCacheDir      string
	ImageInactivity    time.Duration
	ImageSweepInterval time.Duration
	ImageCacheBackend  string // "disk" or "s3"
	ImageCacheS3Bucket string
	ImageCacheS3Prefix string

	// Persistent store.
	DatabasePath    string
	SessionPurgeAge time.Duration

	// Operator message injection.
	MessageDir string

	// AI completion service.
	AIAPIKey  string
	AIBaseURL string
	AIModel   string

	// Shutdown.
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment (and relay.yaml if
// present), applies defaults, and validates the result.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host: v.GetString("http.host"),
		Port: v.GetInt("http.port"),

		LogFormat: v.GetString("log.format"),

		ValidSchoolNumbers: splitList(v.GetString("valid.school.numbers")),

		MaxDocumentChars: v.GetInt("max.document.chars"),
		PersistDebounce:  v.GetDuration("persist.debounce"),

		HeartbeatInterval: v.GetDuration("heartbeat.interval"),
		ClientTimeout:     v.GetDuration("client.timeout"),
		SweepInterval:     v.GetDuration("sweep.interval"),

		MaxFileSize:       int64(v.GetInt("max.file.size.mb")) * 1024 * 1024,
		ChunkSize:         ChunkSize,
		FileTTL:           time.Duration(v.GetInt("file.timeout.minutes")) * time.Minute,
		MaxUploadsPerUser: v.GetInt("max.uploads.per.user"),
		UploadWindow:      time.Duration(v.GetInt("upload.window.minutes")) * time.Minute,

		MaxCachedImages:    v.GetInt("max.cached.images"),
		ImageCacheDir:      v.GetString("image.cache.dir"),
		ImageInactivity:    v.GetDuration("image.inactivity"),
		ImageSweepInterval: v.GetDuration("image.sweep.interval"),
		ImageCacheBackend:  v.GetString("image.cache.backend"),
		ImageCacheS3Bucket: v.GetString("image.cache.s3.bucket"),
		ImageCacheS3Prefix: v.GetString("image.cache.s3.prefix"),

		DatabasePath:    v.GetString("database.path"),
		SessionPurgeAge: v.GetDuration("session.purge.age"),

		MessageDir: v.GetString("message.dir"),

		AIAPIKey:  v.GetString("ai.api.key"),
		AIBaseURL: v.GetString("ai.base.url"),
		AIModel:   v.GetString("ai.model"),

		ShutdownTimeout: v.GetDuration("shutdown.timeout"),
	}

	level, err := parseLogLevel(v.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 3001)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("valid.school.numbers", "906484,894362")

	v.SetDefault("max.document.chars", 20000)
	v.SetDefault("persist.debounce", 5*time.Second)

	v.SetDefault("heartbeat.interval", 15*time.Second)
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("sweep.interval", 10*time.Second)

	v.SetDefault("max.file.size.mb", 100)
	v.SetDefault("file.timeout.minutes", 5)
	v.SetDefault("max.uploads.per.user", 3)
	v.SetDefault("upload.window.minutes", 5)

	v.SetDefault("max.cached.images", 5)
	v.SetDefault("image.cache.dir", "cached-images")
	v.SetDefault("image.inactivity", 7*24*time.Hour)
	v.SetDefault("image.sweep.interval", 6*time.Hour)
	v.SetDefault("image.cache.backend", "disk")
	v.SetDefault("image.cache.s3.prefix", "cached-images/")

	v.SetDefault("database.path", "sessions.db")
	v.SetDefault("session.purge.age", 30*24*time.Hour)

	v.SetDefault("message.dir", "messages")

	v.SetDefault("ai.base.url", "https://api.cohere.com")
	v.SetDefault("ai.model", "command-a-03-2025")

	v.SetDefault("shutdown.timeout", 15*time.Second)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("http.port: %d out of range", c.Port)
	}
	if c.MaxDocumentChars <= 0 {
		return fmt.Errorf("max.document.chars must be positive, got %d", c.MaxDocumentChars)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max.file.size.mb must be positive")
	}
	if c.MaxUploadsPerUser <= 0 {
		return fmt.Errorf("max.uploads.per.user must be positive, got %d", c.MaxUploadsPerUser)
	}
	if c.MaxCachedImages <= 0 {
		return fmt.Errorf("max.cached.images must be positive, got %d", c.MaxCachedImages)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log.format: %q (want text or json)", c.LogFormat)
	}
	switch c.ImageCacheBackend {
	case "disk":
	case "s3":
		if c.ImageCacheS3Bucket == "" {
			return fmt.Errorf("image.cache.s3.bucket is required when image.cache.backend=s3")
		}
	default:
		return fmt.Errorf("image.cache.backend: %q (want disk or s3)", c.ImageCacheBackend)
	}
	if len(c.ValidSchoolNumbers) == 0 {
		return fmt.Errorf("valid.school.numbers must not be empty")
	}
	return nil
}

// Logger builds the process-wide slog.Logger from the configured level
// and format.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
