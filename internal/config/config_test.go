package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
debit:
  backend: redis
auth:
  jwt_secret: test-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.APIPort != 8080 {
		t.Errorf("Expected api_port 8080, got %d", cfg.Server.APIPort)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("Expected memory storage, got %s", cfg.Storage.Type)
	}
	if cfg.Metering.BeatInterval != "10s" {
		t.Errorf("Expected beat_interval 10s, got %s", cfg.Metering.BeatInterval)
	}
	if cfg.Metering.TokensPerBeat != "1.5" {
		t.Errorf("Expected tokens_per_beat 1.5, got %s", cfg.Metering.TokensPerBeat)
	}
	if cfg.Metering.MinBeatRatio != 0.9 {
		t.Errorf("Expected min_beat_ratio 0.9, got %v", cfg.Metering.MinBeatRatio)
	}
	if strings.Join(cfg.Metering.Pages, ",") != "DRILL,LIVE,REALTIME" {
		t.Errorf("Unexpected pages: %v", cfg.Metering.Pages)
	}
	if cfg.Auth.CookieName != "sb-access-token" {
		t.Errorf("Expected cookie sb-access-token, got %s", cfg.Auth.CookieName)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
debit:
  backend: redis
auth:
  jwt_secret: test-secret
`)
	t.Setenv("TOKENMETER_SERVER_API_PORT", "9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.APIPort != 9999 {
		t.Errorf("Expected env override 9999, got %d", cfg.Server.APIPort)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing jwt secret",
			body:    "debit:\n  backend: redis\n",
			wantErr: "jwt_secret",
		},
		{
			name:    "supabase without url",
			body:    "auth:\n  jwt_secret: s\n",
			wantErr: "debit.supabase.url",
		},
		{
			name:    "unknown storage",
			body:    "storage:\n  type: bolt\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "unknown storage type",
		},
		{
			name:    "bad tokens per beat",
			body:    "metering:\n  tokens_per_beat: \"-1\"\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "tokens_per_beat",
		},
		{
			name:    "bad ratio",
			body:    "metering:\n  min_beat_ratio: 1.5\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "min_beat_ratio",
		},
		{
			name:    "idle timeout shorter than a beat",
			body:    "metering:\n  idle_timeout: 5s\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "idle_timeout",
		},
		{
			name:    "idle timeout at beat threshold",
			body:    "metering:\n  idle_timeout: 9s\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "idle_timeout",
		},
		{
			name:    "unparseable idle timeout",
			body:    "metering:\n  idle_timeout: soon\ndebit:\n  backend: redis\nauth:\n  jwt_secret: s\n",
			wantErr: "idle_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("30s", time.Minute); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
	if got := ParseDuration("nonsense", time.Minute); got != time.Minute {
		t.Errorf("Expected fallback, got %v", got)
	}
}

func TestLoad_IdleTimeoutDisabled(t *testing.T) {
	path := writeConfig(t, `
metering:
  idle_timeout: -1s
debit:
  backend: redis
auth:
  jwt_secret: s
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Expected a negative idle timeout to disable expiry, got %v", err)
	}
}
