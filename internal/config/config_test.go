package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress = %q, want %q", cfg.BindAddress, "0.0.0.0")
	}
	if cfg.Port != 3389 {
		t.Errorf("Port = %d, want 3389", cfg.Port)
	}
	if cfg.MaxConcurrentSessions != 50 {
		t.Errorf("MaxConcurrentSessions = %d, want 50", cfg.MaxConcurrentSessions)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d, want 50 (defaults to session ceiling)", cfg.MaxConnections)
	}
	if cfg.MaxIdle() != 30*time.Minute {
		t.Errorf("MaxIdle = %v, want 30m", cfg.MaxIdle())
	}
	if cfg.SessionTimeout() != 480*time.Minute {
		t.Errorf("SessionTimeout = %v, want 480m", cfg.SessionTimeout())
	}
	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval = %v, want 30s", cfg.HealthInterval())
	}
	if cfg.IdleScanEvery() != 5*time.Minute {
		t.Errorf("IdleScanEvery = %v, want 5m", cfg.IdleScanEvery())
	}
	if cfg.CPUCriticalPercent != 95 || cfg.MemoryCriticalPercent != 95 {
		t.Errorf("critical thresholds = %v/%v, want 95/95", cfg.CPUCriticalPercent, cfg.MemoryCriticalPercent)
	}
	if cfg.DefaultDomain != "LOCAL" {
		t.Errorf("DefaultDomain = %q, want %q", cfg.DefaultDomain, "LOCAL")
	}
	if cfg.FailedLoginAttempts != 3 {
		t.Errorf("FailedLoginAttempts = %d, want 3", cfg.FailedLoginAttempts)
	}
	if cfg.LockoutDuration() != 15*time.Minute {
		t.Errorf("LockoutDuration = %v, want 15m", cfg.LockoutDuration())
	}
	if cfg.AdminGRPCAddr != ":8080" {
		t.Errorf("AdminGRPCAddr = %q, want %q", cfg.AdminGRPCAddr, ":8080")
	}
	if cfg.SecurityEventsTopic != "rdp-security-events" {
		t.Errorf("SecurityEventsTopic = %q, want %q", cfg.SecurityEventsTopic, "rdp-security-events")
	}
	if cfg.BcryptCost != 12 {
		t.Errorf("BcryptCost = %d, want 12", cfg.BcryptCost)
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("RDP_PORT", "13389")
	os.Setenv("MAX_CONCURRENT_SESSIONS", "10")
	os.Setenv("MAX_CONNECTIONS", "25")
	os.Setenv("CPU_CRITICAL_PERCENT", "80")
	os.Setenv("DEFAULT_DOMAIN", "CORP")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 13389 {
		t.Errorf("Port = %d, want 13389", cfg.Port)
	}
	if cfg.MaxConcurrentSessions != 10 {
		t.Errorf("MaxConcurrentSessions = %d, want 10", cfg.MaxConcurrentSessions)
	}
	if cfg.MaxConnections != 25 {
		t.Errorf("MaxConnections = %d, want 25", cfg.MaxConnections)
	}
	if cfg.CPUCriticalPercent != 80 {
		t.Errorf("CPUCriticalPercent = %v, want 80", cfg.CPUCriticalPercent)
	}
	if cfg.DefaultDomain != "CORP" {
		t.Errorf("DefaultDomain = %q, want %q", cfg.DefaultDomain, "CORP")
	}
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"port too high", "RDP_PORT", "70000"},
		{"zero sessions", "MAX_CONCURRENT_SESSIONS", "0"},
		{"negative connections", "MAX_CONNECTIONS", "-1"},
		{"zero idle", "MAX_IDLE_MINUTES", "0"},
		{"zero session timeout", "SESSION_TIMEOUT_MINUTES", "0"},
		{"zero failed attempts", "FAILED_LOGIN_ATTEMPTS", "0"},
		{"bcrypt too low", "BCRYPT_COST", "3"},
		{"bcrypt too high", "BCRYPT_COST", "32"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			os.Clearenv()
			os.Setenv(tc.key, tc.val)
			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load with %s=%s should return error", tc.key, tc.val)
			}
			if cfg != nil {
				t.Error("Load should return nil config on error")
			}
		})
	}
}

func TestIntervals_InvalidFallBackToDefaults(t *testing.T) {
	os.Clearenv()
	os.Setenv("HEALTH_CHECK_INTERVAL", "invalid")
	os.Setenv("IDLE_SCAN_INTERVAL", "-1m")
	os.Setenv("SESSION_MONITOR_INTERVAL", "0")
	os.Setenv("HANDSHAKE_TIMEOUT", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HealthInterval() != 30*time.Second {
		t.Errorf("HealthInterval = %v, want 30s", cfg.HealthInterval())
	}
	if cfg.IdleScanEvery() != 5*time.Minute {
		t.Errorf("IdleScanEvery = %v, want 5m", cfg.IdleScanEvery())
	}
	if cfg.MonitorInterval() != 30*time.Second {
		t.Errorf("MonitorInterval = %v, want 30s", cfg.MonitorInterval())
	}
	if cfg.HandshakeDeadline() != 2*time.Second {
		t.Errorf("HandshakeDeadline = %v, want 2s", cfg.HandshakeDeadline())
	}
}

func TestKafkaBrokersList(t *testing.T) {
	testCases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"localhost:9092", []string{"localhost:9092"}},
		{" a:9092 , ,b:9092 ", []string{"a:9092", "b:9092"}},
	}
	for _, tc := range testCases {
		cfg := &Config{KafkaBrokers: tc.in}
		got := cfg.KafkaBrokersList()
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("KafkaBrokersList(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil {
		t.Error("nil config should return nil broker list")
	}
}
