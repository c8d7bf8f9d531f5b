package config

import (
	"strings"
	"testing"
	"time"
)

const testSigningSecret = "0123456789abcdef0123456789abcdef"

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", testSigningSecret)
	configViper.Set("x.client_id", "client-id")
	configViper.Set("upstream.api_key", " key ")
	configViper.Set("sync.privileged_handle", "@owner")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address: %s", cfg.HTTPAddress)
	}
	if cfg.SyncCooldown != 24*time.Hour {
		t.Fatalf("expected 24h cooldown, got %s", cfg.SyncCooldown)
	}
	if cfg.UpstreamAPIKey != "key" {
		t.Fatalf("expected trimmed api key, got %q", cfg.UpstreamAPIKey)
	}
	if cfg.PrivilegedHandle != "owner" {
		t.Fatalf("expected privileged handle without @, got %q", cfg.PrivilegedHandle)
	}
	if cfg.CookieName != defaultCookieName {
		t.Fatalf("unexpected cookie name: %s", cfg.CookieName)
	}
}

func TestLoadReportsEveryMissingSetting(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "short")

	_, err := Load(configViper)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	message := err.Error()
	for _, expected := range []string{"auth.signing_secret", "x.client_id", "upstream.api_key"} {
		if !strings.Contains(message, expected) {
			t.Fatalf("expected %q in error, got %s", expected, message)
		}
	}
}
