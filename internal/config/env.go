// Package config handles environment-based configuration loading and the
// provider credentials file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int

	// Database
	DatabaseURL        string
	ReplicaDatabaseURL string

	// Cluster
	RedisURL string
	NodeID   string

	// Replication
	ReplicationSlot       string
	Publication           string
	AlertThreshold        time.Duration
	RelayPresenceDebounce time.Duration

	// Channel
	RefsKey string

	// GeoIP
	GeoIPDB             string
	GeoIPReloadSchedule string

	// Jobs
	ChangeLogRetention        time.Duration
	ChangeLogTruncateSchedule string
	DirectorySyncSchedule     string

	// Directory
	ProvidersFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("STRAND_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("STRAND_PORT", 8080, &errs)

	// --- Database ---
	cfg.DatabaseURL = envStr("STRAND_DATABASE_URL", "")
	cfg.ReplicaDatabaseURL = envStr("STRAND_REPLICA_DATABASE_URL", cfg.DatabaseURL)

	// --- Cluster ---
	cfg.RedisURL = envStr("STRAND_REDIS_URL", "")
	cfg.NodeID = envStr("STRAND_NODE_ID", defaultNodeID())

	// --- Replication ---
	cfg.ReplicationSlot = envStr("STRAND_REPLICATION_SLOT", "strand")
	cfg.Publication = envStr("STRAND_PUBLICATION", "strand_changes")
	cfg.AlertThreshold = envMillis("STRAND_ALERT_THRESHOLD_MS", 5000, &errs)
	cfg.RelayPresenceDebounce = envMillis("STRAND_RELAY_PRESENCE_DEBOUNCE_MS", 1000, &errs)

	// --- Channel ---
	cfg.RefsKey = os.Getenv("STRAND_REFS_KEY")

	// --- GeoIP ---
	cfg.GeoIPDB = envStr("STRAND_GEOIP_DB", "/var/lib/strand/GeoLite2-City.mmdb")
	cfg.GeoIPReloadSchedule = envStr("STRAND_GEOIP_RELOAD_SCHEDULE", "10 4 * * *")

	// --- Jobs ---
	cfg.ChangeLogRetention = envDuration("STRAND_CHANGELOG_RETENTION", 30*24*time.Hour, &errs)
	cfg.ChangeLogTruncateSchedule = envStr("STRAND_CHANGELOG_TRUNCATE_SCHEDULE", "@every 1h")
	cfg.DirectorySyncSchedule = envStr("STRAND_DIRECTORY_SYNC_SCHEDULE", "@every 3m")

	// --- Directory ---
	cfg.ProvidersFile = envStr("STRAND_PROVIDERS_FILE", "")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "STRAND_LISTEN_ADDRESS must not be empty")
	}
	validatePort("STRAND_PORT", cfg.Port, &errs)
	if cfg.DatabaseURL == "" {
		errs = append(errs, "STRAND_DATABASE_URL is required")
	}
	if cfg.NodeID == "" {
		errs = append(errs, "STRAND_NODE_ID must not be empty")
	}
	if cfg.ReplicationSlot == "" {
		errs = append(errs, "STRAND_REPLICATION_SLOT must not be empty")
	}
	if cfg.Publication == "" {
		errs = append(errs, "STRAND_PUBLICATION must not be empty")
	}
	if cfg.AlertThreshold <= 0 {
		errs = append(errs, "STRAND_ALERT_THRESHOLD_MS must be positive")
	}
	if cfg.RelayPresenceDebounce <= 0 {
		errs = append(errs, "STRAND_RELAY_PRESENCE_DEBOUNCE_MS must be positive")
	}
	switch {
	case cfg.RefsKey == "":
		errs = append(errs, "STRAND_REFS_KEY is required")
	case IsWeakKey(cfg.RefsKey):
		errs = append(errs, "STRAND_REFS_KEY is too weak; use a long random value")
	}
	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("STRAND_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	if cfg.ChangeLogRetention <= 0 {
		errs = append(errs, "STRAND_CHANGELOG_RETENTION must be positive")
	}
	if _, err := cron.ParseStandard(cfg.ChangeLogTruncateSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("STRAND_CHANGELOG_TRUNCATE_SCHEDULE: invalid cron expression %q: %v", cfg.ChangeLogTruncateSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.DirectorySyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("STRAND_DIRECTORY_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.DirectorySyncSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envMillis(key string, defaultVal int, errs *[]string) time.Duration {
	return time.Duration(envInt(key, defaultVal, errs)) * time.Millisecond
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}
