package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars with per-test cleanup.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"STRAND_DATABASE_URL": "postgres://strand@localhost/strand",
		"STRAND_REFS_KEY":     "a9f73d18e5249b6a35f7419d11c603e2",
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0")
	assertEqual(t, "Port", cfg.Port, 8080)
	assertEqual(t, "ReplicaDatabaseURL", cfg.ReplicaDatabaseURL, cfg.DatabaseURL)
	assertEqual(t, "ReplicationSlot", cfg.ReplicationSlot, "strand")
	assertEqual(t, "Publication", cfg.Publication, "strand_changes")
	assertEqual(t, "AlertThreshold", cfg.AlertThreshold, 5*time.Second)
	assertEqual(t, "RelayPresenceDebounce", cfg.RelayPresenceDebounce, time.Second)
	assertEqual(t, "GeoIPReloadSchedule", cfg.GeoIPReloadSchedule, "10 4 * * *")
	assertEqual(t, "ChangeLogRetention", cfg.ChangeLogRetention, 30*24*time.Hour)
	assertEqual(t, "DirectorySyncSchedule", cfg.DirectorySyncSchedule, "@every 3m")
	if cfg.NodeID == "" {
		t.Fatal("NodeID should default to the hostname")
	}
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	envs := requiredEnvs()
	envs["STRAND_PORT"] = "9443"
	envs["STRAND_REPLICA_DATABASE_URL"] = "postgres://strand@replica/strand"
	envs["STRAND_ALERT_THRESHOLD_MS"] = "2500"
	envs["STRAND_RELAY_PRESENCE_DEBOUNCE_MS"] = "200"
	envs["STRAND_CHANGELOG_RETENTION"] = "72h"
	envs["STRAND_NODE_ID"] = "node-7"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "Port", cfg.Port, 9443)
	assertEqual(t, "ReplicaDatabaseURL", cfg.ReplicaDatabaseURL, "postgres://strand@replica/strand")
	assertEqual(t, "AlertThreshold", cfg.AlertThreshold, 2500*time.Millisecond)
	assertEqual(t, "RelayPresenceDebounce", cfg.RelayPresenceDebounce, 200*time.Millisecond)
	assertEqual(t, "ChangeLogRetention", cfg.ChangeLogRetention, 72*time.Hour)
	assertEqual(t, "NodeID", cfg.NodeID, "node-7")
}

func TestLoadEnvConfig_MissingDatabase(t *testing.T) {
	t.Setenv("STRAND_REFS_KEY", "a9f73d18e5249b6a35f7419d11c603e2")
	os.Unsetenv("STRAND_DATABASE_URL")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing database url")
	}
	assertContains(t, err.Error(), "STRAND_DATABASE_URL")
}

func TestLoadEnvConfig_MissingRefsKey(t *testing.T) {
	t.Setenv("STRAND_DATABASE_URL", "postgres://strand@localhost/strand")
	os.Unsetenv("STRAND_REFS_KEY")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing refs key")
	}
	assertContains(t, err.Error(), "STRAND_REFS_KEY")
}

func TestLoadEnvConfig_WeakRefsKey(t *testing.T) {
	envs := requiredEnvs()
	envs["STRAND_REFS_KEY"] = "password"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for weak refs key")
	}
	assertContains(t, err.Error(), "STRAND_REFS_KEY")
}

func TestLoadEnvConfig_InvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		value   string
		errWant string
	}{
		{"port out of range", "STRAND_PORT", "70000", "STRAND_PORT"},
		{"bad integer", "STRAND_ALERT_THRESHOLD_MS", "soon", "STRAND_ALERT_THRESHOLD_MS"},
		{"zero debounce", "STRAND_RELAY_PRESENCE_DEBOUNCE_MS", "0", "STRAND_RELAY_PRESENCE_DEBOUNCE_MS"},
		{"bad geoip cron", "STRAND_GEOIP_RELOAD_SCHEDULE", "whenever", "STRAND_GEOIP_RELOAD_SCHEDULE"},
		{"bad retention", "STRAND_CHANGELOG_RETENTION", "a fortnight", "STRAND_CHANGELOG_RETENTION"},
		{"bad sync cron", "STRAND_DIRECTORY_SYNC_SCHEDULE", "* * *", "STRAND_DIRECTORY_SYNC_SCHEDULE"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			envs := requiredEnvs()
			envs[tt.key] = tt.value
			setEnvs(t, envs)

			_, err := LoadEnvConfig()
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.errWant)
		})
	}
}

func TestLoadProviderCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yml")
	data := `
okta:
  base_url: https://corp.okta.test/api/v1
  token_url: https://corp.okta.test/oauth2/token
  client_id: strand
  client_secret: s3cret
entra:
  base_url: https://graph.microsoft.test/v1.0
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	creds, err := LoadProviderCredentials(path)
	if err != nil {
		t.Fatalf("LoadProviderCredentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("got %d adapters, want 2", len(creds))
	}
	if creds["okta"].ClientSecret != "s3cret" {
		t.Fatalf("okta credentials not parsed: %+v", creds["okta"])
	}
}

func TestLoadProviderCredentials_MissingBaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yml")
	if err := os.WriteFile(path, []byte("okta:\n  client_id: x\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadProviderCredentials(path); err == nil {
		t.Fatal("expected base_url error")
	}
}

func TestLoadProviderCredentials_EmptyPath(t *testing.T) {
	creds, err := LoadProviderCredentials("")
	if err != nil || creds != nil {
		t.Fatalf("empty path: got %v, %v", creds, err)
	}
}

// --- test helpers ---

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
