// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings, loaded once at
// startup. There are no ambient globals; the loaded config is passed by
// reference into every component that needs it.
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	APIPort         int
	APIMaxBodyBytes int

	// Auth
	AdminToken string

	// Server directory
	ServerRegistryPath       string
	DirectoryRefreshInterval time.Duration
	DirectoryRefreshJitter   time.Duration

	// Subscription ledger (Postgres)
	SubscriptionDSN string

	// Notification (Telegram Bot API; empty token disables delivery)
	TelegramToken    string
	TelegramAdminIDs []int64
	TelegramAPIBase  string

	// Transports
	SSHUser           string
	SSHConnectTimeout time.Duration
	SSHCommandTimeout time.Duration
	PanelHTTPTimeout  time.Duration

	// Reconciliation
	SweepSchedule      string
	HealthProbeTimeout time.Duration

	// Batch regeneration
	RegenUserPacing    time.Duration
	RegenProgressEvery int

	// Run log
	RunLogDBMaxMB       int
	RunLogDBRetainCount int
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("KEYFLEET_STATE_DIR", "/var/lib/keyfleet")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("KEYFLEET_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("KEYFLEET_API_PORT", 8780, &errs)
	cfg.APIMaxBodyBytes = envInt("KEYFLEET_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("KEYFLEET_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Server directory ---
	cfg.ServerRegistryPath = envStr("KEYFLEET_SERVER_REGISTRY", "/etc/keyfleet/servers.yaml")
	cfg.DirectoryRefreshInterval = envDuration("KEYFLEET_DIRECTORY_REFRESH_INTERVAL", 10*time.Minute, &errs)
	cfg.DirectoryRefreshJitter = envDuration("KEYFLEET_DIRECTORY_REFRESH_JITTER", time.Minute, &errs)

	// --- Subscription ledger ---
	cfg.SubscriptionDSN = envStr("KEYFLEET_SUBSCRIPTION_DSN", "")

	// --- Notification ---
	cfg.TelegramToken = envStr("KEYFLEET_TG_TOKEN", "")
	cfg.TelegramAdminIDs = envInt64Slice("KEYFLEET_TG_ADMIN_IDS", []int64{}, &errs)
	cfg.TelegramAPIBase = envStr("KEYFLEET_TG_API_BASE", "https://api.telegram.org")

	// --- Transports ---
	cfg.SSHUser = envStr("KEYFLEET_SSH_USER", "root")
	cfg.SSHConnectTimeout = envDuration("KEYFLEET_SSH_CONNECT_TIMEOUT", 10*time.Second, &errs)
	cfg.SSHCommandTimeout = envDuration("KEYFLEET_SSH_COMMAND_TIMEOUT", 30*time.Second, &errs)
	cfg.PanelHTTPTimeout = envDuration("KEYFLEET_PANEL_HTTP_TIMEOUT", 15*time.Second, &errs)

	// --- Reconciliation ---
	cfg.SweepSchedule = envStr("KEYFLEET_SWEEP_SCHEDULE", "0 4 * * 1")
	cfg.HealthProbeTimeout = envDuration("KEYFLEET_HEALTH_PROBE_TIMEOUT", 10*time.Second, &errs)

	// --- Batch regeneration ---
	cfg.RegenUserPacing = envDuration("KEYFLEET_REGEN_USER_PACING", 50*time.Millisecond, &errs)
	cfg.RegenProgressEvery = envInt("KEYFLEET_REGEN_PROGRESS_EVERY", 10, &errs)

	// --- Run log ---
	cfg.RunLogDBMaxMB = envInt("KEYFLEET_RUN_LOG_DB_MAX_MB", 64, &errs)
	cfg.RunLogDBRetainCount = envInt("KEYFLEET_RUN_LOG_DB_RETAIN_COUNT", 5, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "KEYFLEET_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "KEYFLEET_LISTEN_ADDRESS must not be empty")
	}
	if cfg.SubscriptionDSN == "" {
		errs = append(errs, "KEYFLEET_SUBSCRIPTION_DSN must be defined")
	}
	if cfg.ServerRegistryPath == "" {
		errs = append(errs, "KEYFLEET_SERVER_REGISTRY must not be empty")
	}
	if cfg.SSHUser == "" {
		errs = append(errs, "KEYFLEET_SSH_USER must not be empty")
	}

	validatePort("KEYFLEET_API_PORT", cfg.APIPort, &errs)
	validatePositive("KEYFLEET_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("KEYFLEET_REGEN_PROGRESS_EVERY", cfg.RegenProgressEvery, &errs)
	validatePositive("KEYFLEET_RUN_LOG_DB_MAX_MB", cfg.RunLogDBMaxMB, &errs)
	validatePositive("KEYFLEET_RUN_LOG_DB_RETAIN_COUNT", cfg.RunLogDBRetainCount, &errs)

	if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("KEYFLEET_SWEEP_SCHEDULE: invalid cron expression %q: %v", cfg.SweepSchedule, err))
	}
	if cfg.DirectoryRefreshInterval <= 0 {
		errs = append(errs, "KEYFLEET_DIRECTORY_REFRESH_INTERVAL must be positive")
	}
	if cfg.DirectoryRefreshJitter < 0 {
		errs = append(errs, "KEYFLEET_DIRECTORY_REFRESH_JITTER must not be negative")
	}
	if cfg.SSHConnectTimeout <= 0 {
		errs = append(errs, "KEYFLEET_SSH_CONNECT_TIMEOUT must be positive")
	}
	if cfg.SSHCommandTimeout <= 0 {
		errs = append(errs, "KEYFLEET_SSH_COMMAND_TIMEOUT must be positive")
	}
	if cfg.PanelHTTPTimeout <= 0 {
		errs = append(errs, "KEYFLEET_PANEL_HTTP_TIMEOUT must be positive")
	}
	if cfg.HealthProbeTimeout <= 0 {
		errs = append(errs, "KEYFLEET_HEALTH_PROBE_TIMEOUT must be positive")
	}
	if cfg.RegenUserPacing < 0 {
		errs = append(errs, "KEYFLEET_REGEN_USER_PACING must not be negative")
	}
	if cfg.TelegramToken != "" && len(cfg.TelegramAdminIDs) == 0 {
		errs = append(errs, "KEYFLEET_TG_ADMIN_IDS must be non-empty when KEYFLEET_TG_TOKEN is set")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

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

// envInt64Slice parses a comma-separated list of integers.
func envInt64Slice(key string, defaultVal []int64, errs *[]string) []int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, p))
			return defaultVal
		}
		out = append(out, n)
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive, got %d", name, value))
	}
}
