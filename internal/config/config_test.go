package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	return cfg
}

// TestDefaults checks the documented default values.
func TestDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Port != 3001 {
		t.Errorf("Port = %d, want 3001", cfg.Port)
	}
	if cfg.MaxDocumentChars != 20000 {
		t.Errorf("MaxDocumentChars = %d, want 20000", cfg.MaxDocumentChars)
	}
	if cfg.MaxFileSize != 100*1024*1024 {
		t.Errorf("MaxFileSize = %d, want 100MB", cfg.MaxFileSize)
	}
	if cfg.ChunkSize != 64*1024 {
		t.Errorf("ChunkSize = %d, want 64KB", cfg.ChunkSize)
	}
	if cfg.PersistDebounce != 5*time.Second {
		t.Errorf("PersistDebounce = %v, want 5s", cfg.PersistDebounce)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if len(cfg.ValidSchoolNumbers) != 2 {
		t.Errorf("ValidSchoolNumbers = %v, want two entries", cfg.ValidSchoolNumbers)
	}
	if cfg.SessionPurgeAge != 30*24*time.Hour {
		t.Errorf("SessionPurgeAge = %v, want 30 days", cfg.SessionPurgeAge)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
}

// TestEnvOverride checks that RELAY_ environment variables win over
// defaults.
func TestEnvOverride(t *testing.T) {
	t.Setenv("RELAY_HTTP_PORT", "8080")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_VALID_SCHOOL_NUMBERS", "111111, 222222,333333")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	want := []string{"111111", "222222", "333333"}
	if len(cfg.ValidSchoolNumbers) != len(want) {
		t.Fatalf("ValidSchoolNumbers = %v, want %v", cfg.ValidSchoolNumbers, want)
	}
	for i, n := range want {
		if cfg.ValidSchoolNumbers[i] != n {
			t.Errorf("ValidSchoolNumbers[%d] = %q, want %q", i, cfg.ValidSchoolNumbers[i], n)
		}
	}
}

// TestValidation covers the rejection paths.
func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		set  func(v *viper.Viper)
	}{
		{"bad port", func(v *viper.Viper) { v.Set("http.port", 0) }},
		{"bad log level", func(v *viper.Viper) { v.Set("log.level", "verbose") }},
		{"bad log format", func(v *viper.Viper) { v.Set("log.format", "xml") }},
		{"no school numbers", func(v *viper.Viper) { v.Set("valid.school.numbers", "") }},
		{"s3 without bucket", func(v *viper.Viper) { v.Set("image.cache.backend", "s3") }},
		{"unknown backend", func(v *viper.Viper) { v.Set("image.cache.backend", "ftp") }},
		{"zero document chars", func(v *viper.Viper) { v.Set("max.document.chars", 0) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			tc.set(v)
			if _, err := fromViper(v); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
