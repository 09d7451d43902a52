package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// mockEnv creates an environment lookup function from a map.
func mockEnv(env map[string]string) func(string) string {
	return func(key string) string {
		return env[key]
	}
}

func baseRequiredEnv(tmpDir string) map[string]string {
	return map[string]string{
		"XDG_CONFIG_HOME":          tmpDir,
		"TICKETARC_TMS_BASE_URL":   "https://tms.example.com",
		"TICKETARC_TMS_TOKEN":      "test-token",
		"TICKETARC_ARCHIVE_ROOT":   tmpDir,
		"TICKETARC_WEBHOOK_SECRET": "test-secret",
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Tags.Trigger != "pdf:sign" {
		t.Errorf("DefaultConfig() Tags.Trigger = %q, want %q", cfg.Tags.Trigger, "pdf:sign")
	}
	if cfg.Tags.Done != "pdf:signed" {
		t.Errorf("DefaultConfig() Tags.Done = %q, want %q", cfg.Tags.Done, "pdf:signed")
	}
	if cfg.Archive.FilenamePattern != "Ticket-{ticket_number}_{timestamp_utc}.pdf" {
		t.Errorf("DefaultConfig() Archive.FilenamePattern = %q", cfg.Archive.FilenamePattern)
	}
	if cfg.Hardening.BodyMaxBytes != 1<<20 {
		t.Errorf("DefaultConfig() Hardening.BodyMaxBytes = %d, want %d", cfg.Hardening.BodyMaxBytes, 1<<20)
	}
	if cfg.Server.DispatcherBackend != "inprocess" {
		t.Errorf("DefaultConfig() Server.DispatcherBackend = %q, want %q", cfg.Server.DispatcherBackend, "inprocess")
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	if _, err := LoadWithEnv(env); err == nil {
		t.Fatal("LoadWithEnv() with no required settings should return an error")
	}
}

func TestLoadWithRequiredEnv(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(baseRequiredEnv(tmpDir))

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.TMS.BaseURL != "https://tms.example.com" {
		t.Errorf("LoadWithEnv() TMS.BaseURL = %q", cfg.TMS.BaseURL)
	}
	if cfg.Webhook.Secret != "test-secret" {
		t.Errorf("LoadWithEnv() Webhook.Secret = %q", cfg.Webhook.Secret)
	}
}

func TestLoadAllowsUnsignedWithoutSecret(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := mockEnv(map[string]string{
		"XDG_CONFIG_HOME":                  tmpDir,
		"TICKETARC_TMS_BASE_URL":           "https://tms.example.com",
		"TICKETARC_TMS_TOKEN":              "test-token",
		"TICKETARC_ARCHIVE_ROOT":           tmpDir,
		"TICKETARC_WEBHOOK_ALLOW_UNSIGNED": "true",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if !cfg.Webhook.AllowUnsigned {
		t.Error("LoadWithEnv() Webhook.AllowUnsigned should be true")
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
tms:
  base_url: "https://file.example.com"
  token: "file-token"
archive:
  root: "` + tmpDir + `"
webhook:
  secret: "file-secret"
tags:
  trigger: "custom:trigger"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"CONFIG_PATH": configPath})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.TMS.BaseURL != "https://file.example.com" {
		t.Errorf("LoadWithEnv() TMS.BaseURL = %q, want file value", cfg.TMS.BaseURL)
	}
	if cfg.Tags.Trigger != "custom:trigger" {
		t.Errorf("LoadWithEnv() Tags.Trigger = %q, want %q", cfg.Tags.Trigger, "custom:trigger")
	}
	// Default tags not overridden by the partial file should remain defaults.
	if cfg.Tags.Done != "pdf:signed" {
		t.Errorf("LoadWithEnv() Tags.Done = %q, want default %q", cfg.Tags.Done, "pdf:signed")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
tms:
  base_url: "https://file.example.com"
  token: "file-token"
archive:
  root: "` + tmpDir + `"
webhook:
  secret: "file-secret"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{
		"CONFIG_PATH":            configPath,
		"TICKETARC_TMS_BASE_URL": "https://env.example.com",
	})

	cfg, err := LoadWithEnv(env)
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.TMS.BaseURL != "https://env.example.com" {
		t.Errorf("LoadWithEnv() TMS.BaseURL = %q, want env override", cfg.TMS.BaseURL)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("tms: [this is invalid yaml"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	env := mockEnv(map[string]string{"CONFIG_PATH": configPath})

	if _, err := LoadWithEnv(env); err == nil {
		t.Error("LoadWithEnv() with invalid YAML should return an error")
	}
}

func TestLoadSigningEnabledRequiresPFXPath(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := baseRequiredEnv(tmpDir)
	env["TICKETARC_SIGNING_ENABLED"] = "true"

	if _, err := LoadWithEnv(mockEnv(env)); err == nil {
		t.Error("LoadWithEnv() with signing enabled and no pfx_path should return an error")
	}
}

func TestGetDefaultConfigPathXDG(t *testing.T) {
	t.Parallel()
	tmpDir := "/custom/config/path"

	env := mockEnv(map[string]string{"XDG_CONFIG_HOME": tmpDir})

	path := defaultConfigPathWithEnv(env)
	expected := filepath.Join(tmpDir, "ticketarc", "config.yaml")
	if path != expected {
		t.Errorf("defaultConfigPathWithEnv() = %q, want %q", path, expected)
	}
}

func TestLoadAllowedPrefixesFromEnv(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := baseRequiredEnv(tmpDir)
	env["TICKETARC_ARCHIVE_ALLOWED_PREFIXES"] = "Customers, Internal"

	cfg, err := LoadWithEnv(mockEnv(env))
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	want := []string{"Customers", "Internal"}
	if len(cfg.Archive.AllowedPrefixes) != len(want) {
		t.Fatalf("LoadWithEnv() AllowedPrefixes = %v, want %v", cfg.Archive.AllowedPrefixes, want)
	}
	for i := range want {
		if cfg.Archive.AllowedPrefixes[i] != want[i] {
			t.Errorf("LoadWithEnv() AllowedPrefixes[%d] = %q, want %q", i, cfg.Archive.AllowedPrefixes[i], want[i])
		}
	}
}

func TestLoadDurationOverride(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	env := baseRequiredEnv(tmpDir)
	env["TICKETARC_DELIVERY_TTL"] = "2h"

	cfg, err := LoadWithEnv(mockEnv(env))
	if err != nil {
		t.Fatalf("LoadWithEnv() error: %v", err)
	}
	if cfg.Server.DeliveryTTL != 2*time.Hour {
		t.Errorf("LoadWithEnv() Server.DeliveryTTL = %v, want %v", cfg.Server.DeliveryTTL, 2*time.Hour)
	}
}
