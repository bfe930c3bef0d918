package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"KEYFLEET_ADMIN_TOKEN":      "admin-secret",
		"KEYFLEET_SUBSCRIPTION_DSN": "postgres://keyfleet@localhost:5432/vpnhub",
	}
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "StateDir", cfg.StateDir, "/var/lib/keyfleet")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0")
	assertEqual(t, "APIPort", cfg.APIPort, 8780)
	assertEqual(t, "APIMaxBodyBytes", cfg.APIMaxBodyBytes, 1<<20)
	assertEqual(t, "AdminToken", cfg.AdminToken, "admin-secret")
	assertEqual(t, "ServerRegistryPath", cfg.ServerRegistryPath, "/etc/keyfleet/servers.yaml")
	assertEqual(t, "DirectoryRefreshInterval", cfg.DirectoryRefreshInterval, 10*time.Minute)
	assertEqual(t, "DirectoryRefreshJitter", cfg.DirectoryRefreshJitter, time.Minute)
	assertEqual(t, "TelegramAPIBase", cfg.TelegramAPIBase, "https://api.telegram.org")
	assertEqual(t, "SSHUser", cfg.SSHUser, "root")
	assertEqual(t, "SSHConnectTimeout", cfg.SSHConnectTimeout, 10*time.Second)
	assertEqual(t, "SSHCommandTimeout", cfg.SSHCommandTimeout, 30*time.Second)
	assertEqual(t, "PanelHTTPTimeout", cfg.PanelHTTPTimeout, 15*time.Second)
	assertEqual(t, "SweepSchedule", cfg.SweepSchedule, "0 4 * * 1")
	assertEqual(t, "HealthProbeTimeout", cfg.HealthProbeTimeout, 10*time.Second)
	assertEqual(t, "RegenUserPacing", cfg.RegenUserPacing, 50*time.Millisecond)
	assertEqual(t, "RegenProgressEvery", cfg.RegenProgressEvery, 10)
	assertEqual(t, "RunLogDBMaxMB", cfg.RunLogDBMaxMB, 64)
	assertEqual(t, "RunLogDBRetainCount", cfg.RunLogDBRetainCount, 5)
	assertEqual(t, "TelegramAdminIDsLen", len(cfg.TelegramAdminIDs), 0)
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	envs := requiredEnvs()
	envs["KEYFLEET_API_PORT"] = "9100"
	envs["KEYFLEET_SSH_USER"] = "ops"
	envs["KEYFLEET_SSH_CONNECT_TIMEOUT"] = "5s"
	envs["KEYFLEET_SWEEP_SCHEDULE"] = "30 2 * * *"
	envs["KEYFLEET_TG_TOKEN"] = "123:abc"
	envs["KEYFLEET_TG_ADMIN_IDS"] = "870499087, 42"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "APIPort", cfg.APIPort, 9100)
	assertEqual(t, "SSHUser", cfg.SSHUser, "ops")
	assertEqual(t, "SSHConnectTimeout", cfg.SSHConnectTimeout, 5*time.Second)
	assertEqual(t, "SweepSchedule", cfg.SweepSchedule, "30 2 * * *")
	if len(cfg.TelegramAdminIDs) != 2 || cfg.TelegramAdminIDs[0] != 870499087 || cfg.TelegramAdminIDs[1] != 42 {
		t.Fatalf("TelegramAdminIDs = %v, want [870499087 42]", cfg.TelegramAdminIDs)
	}
}

func TestLoadEnvConfig_MissingRequired(t *testing.T) {
	os.Unsetenv("KEYFLEET_ADMIN_TOKEN")
	os.Unsetenv("KEYFLEET_SUBSCRIPTION_DSN")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing required vars")
	}
	if !strings.Contains(err.Error(), "KEYFLEET_ADMIN_TOKEN") {
		t.Errorf("error should mention KEYFLEET_ADMIN_TOKEN, got: %v", err)
	}
	if !strings.Contains(err.Error(), "KEYFLEET_SUBSCRIPTION_DSN") {
		t.Errorf("error should mention KEYFLEET_SUBSCRIPTION_DSN, got: %v", err)
	}
}

func TestLoadEnvConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantSub string
	}{
		{name: "bad_port", key: "KEYFLEET_API_PORT", value: "70000", wantSub: "KEYFLEET_API_PORT"},
		{name: "bad_int", key: "KEYFLEET_API_PORT", value: "ten", wantSub: "invalid integer"},
		{name: "bad_duration", key: "KEYFLEET_SSH_CONNECT_TIMEOUT", value: "fast", wantSub: "invalid duration"},
		{name: "bad_cron", key: "KEYFLEET_SWEEP_SCHEDULE", value: "not a cron", wantSub: "invalid cron expression"},
		{name: "bad_admin_ids", key: "KEYFLEET_TG_ADMIN_IDS", value: "abc", wantSub: "invalid integer"},
		{name: "zero_progress_every", key: "KEYFLEET_REGEN_PROGRESS_EVERY", value: "0", wantSub: "KEYFLEET_REGEN_PROGRESS_EVERY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, requiredEnvs())
			t.Setenv(tt.key, tt.value)

			_, err := LoadEnvConfig()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadEnvConfig_TelegramTokenRequiresAdmins(t *testing.T) {
	envs := requiredEnvs()
	envs["KEYFLEET_TG_TOKEN"] = "123:abc"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "KEYFLEET_TG_ADMIN_IDS") {
		t.Fatalf("expected KEYFLEET_TG_ADMIN_IDS error, got: %v", err)
	}
}
