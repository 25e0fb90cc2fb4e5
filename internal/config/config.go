// Package config loads and validates server config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// BindAddress is the interface the RDP listener binds to (e.g. 0.0.0.0).
	BindAddress string `mapstructure:"RDP_BIND_ADDRESS"`
	// Port is the RDP listener port; 0 picks an ephemeral port.
	Port int `mapstructure:"RDP_PORT"`
	// ServerName identifies this host in security events and status responses.
	ServerName string `mapstructure:"SERVER_NAME"`

	// MaxConcurrentSessions is the global session ceiling.
	MaxConcurrentSessions int `mapstructure:"MAX_CONCURRENT_SESSIONS"`
	// MaxConnections is the live connection ceiling; defaults to MaxConcurrentSessions.
	MaxConnections int `mapstructure:"MAX_CONNECTIONS"`
	MaxIdleMinutes int `mapstructure:"MAX_IDLE_MINUTES"`
	// SessionTimeoutMinutes bounds how long a connected session may sit idle before cleanup ends it.
	SessionTimeoutMinutes int `mapstructure:"SESSION_TIMEOUT_MINUTES"`

	HealthCheckInterval    string `mapstructure:"HEALTH_CHECK_INTERVAL"`
	IdleScanInterval       string `mapstructure:"IDLE_SCAN_INTERVAL"`
	SessionMonitorInterval string `mapstructure:"SESSION_MONITOR_INTERVAL"`
	SessionCleanupInterval string `mapstructure:"SESSION_CLEANUP_INTERVAL"`
	HandshakeTimeout       string `mapstructure:"HANDSHAKE_TIMEOUT"`

	// CPUCriticalPercent and MemoryCriticalPercent trigger HIGH_*_USAGE events in the health loop.
	CPUCriticalPercent    float64 `mapstructure:"CPU_CRITICAL_PERCENT"`
	MemoryCriticalPercent float64 `mapstructure:"MEMORY_CRITICAL_PERCENT"`

	// DefaultDomain is applied when a client omits the domain from its credentials.
	DefaultDomain string `mapstructure:"DEFAULT_DOMAIN"`
	// FailedLoginAttempts is the number of consecutive failures before an account is locked.
	FailedLoginAttempts    int  `mapstructure:"FAILED_LOGIN_ATTEMPTS"`
	LockoutDurationMinutes int  `mapstructure:"LOCKOUT_DURATION_MINUTES"`
	RequireTwoFactorAdmins bool `mapstructure:"REQUIRE_TWO_FACTOR_FOR_ADMINS"`
	// AuthPolicyFile is an optional path to a Rego module overriding the built-in auth policy.
	AuthPolicyFile string `mapstructure:"AUTH_POLICY_FILE"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// AdminGRPCAddr is the address the admin gRPC server listens on (e.g. :8080).
	AdminGRPCAddr string `mapstructure:"ADMIN_GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN holding users, sessions and security events. Required by cmd/server.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	// The admin gRPC API is served only when it is set.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; derived from the private key when empty.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`

	// Blocklist (optional). When RedisAddr is empty an in-memory blocklist is used.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Telemetry (optional). When Kafka brokers are set, security events are published to Kafka.
	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SecurityEventsTopic is the Kafka topic for security events (default rdp-security-events).
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_KAFKA_TOPIC"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. localhost:4317); empty disables OTel export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// Worker-only: Loki URL for the security event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the security event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("RDP_BIND_ADDRESS", "0.0.0.0")
	v.SetDefault("RDP_PORT", 3389)
	v.SetDefault("SERVER_NAME", "rdp-server")
	v.SetDefault("MAX_CONCURRENT_SESSIONS", 50)
	v.SetDefault("MAX_CONNECTIONS", 0)
	v.SetDefault("MAX_IDLE_MINUTES", 30)
	v.SetDefault("SESSION_TIMEOUT_MINUTES", 480)
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("IDLE_SCAN_INTERVAL", "5m")
	v.SetDefault("SESSION_MONITOR_INTERVAL", "30s")
	v.SetDefault("SESSION_CLEANUP_INTERVAL", "5m")
	v.SetDefault("HANDSHAKE_TIMEOUT", "30s")
	v.SetDefault("CPU_CRITICAL_PERCENT", 95.0)
	v.SetDefault("MEMORY_CRITICAL_PERCENT", 95.0)
	v.SetDefault("DEFAULT_DOMAIN", "LOCAL")
	v.SetDefault("FAILED_LOGIN_ATTEMPTS", 3)
	v.SetDefault("LOCKOUT_DURATION_MINUTES", 15)
	v.SetDefault("REQUIRE_TWO_FACTOR_FOR_ADMINS", false)
	v.SetDefault("AUTH_POLICY_FILE", "")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("ADMIN_GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "rdp-admin")
	v.SetDefault("JWT_AUDIENCE", "rdp-admin-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_KAFKA_TOPIC", "rdp-security-events")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "rdp-security-worker")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.New("config: RDP_PORT must be between 0 and 65535")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		return nil, errors.New("config: MAX_CONCURRENT_SESSIONS must be positive")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = cfg.MaxConcurrentSessions
	}
	if cfg.MaxConnections < 0 {
		return nil, errors.New("config: MAX_CONNECTIONS must not be negative")
	}
	if cfg.MaxIdleMinutes <= 0 {
		return nil, errors.New("config: MAX_IDLE_MINUTES must be positive")
	}
	if cfg.SessionTimeoutMinutes <= 0 {
		return nil, errors.New("config: SESSION_TIMEOUT_MINUTES must be positive")
	}
	if cfg.FailedLoginAttempts <= 0 {
		return nil, errors.New("config: FAILED_LOGIN_ATTEMPTS must be positive")
	}
	if cfg.AdminGRPCAddr == "" {
		return nil, errors.New("config: ADMIN_GRPC_ADDR must be set")
	}
	if cfg.DefaultDomain == "" {
		cfg.DefaultDomain = "LOCAL"
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	return &cfg, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// MaxIdle returns the idle age after which the reaper disconnects a connection.
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.MaxIdleMinutes) * time.Minute
}

// SessionTimeout returns the idle age after which cleanup ends a connected session.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// LockoutDuration returns how long an account stays locked after too many failed logins.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutDurationMinutes) * time.Minute
}

// HealthInterval parses HealthCheckInterval. Returns 30s if unset or invalid.
func (c *Config) HealthInterval() time.Duration {
	return parseDuration(c.HealthCheckInterval, 30*time.Second)
}

// IdleScanEvery parses IdleScanInterval. Returns 5m if unset or invalid.
func (c *Config) IdleScanEvery() time.Duration {
	return parseDuration(c.IdleScanInterval, 5*time.Minute)
}

// MonitorInterval parses SessionMonitorInterval. Returns 30s if unset or invalid.
func (c *Config) MonitorInterval() time.Duration {
	return parseDuration(c.SessionMonitorInterval, 30*time.Second)
}

// CleanupInterval parses SessionCleanupInterval. Returns 5m if unset or invalid.
func (c *Config) CleanupInterval() time.Duration {
	return parseDuration(c.SessionCleanupInterval, 5*time.Minute)
}

// HandshakeDeadline parses HandshakeTimeout. Returns 30s if unset or invalid.
func (c *Config) HandshakeDeadline() time.Duration {
	return parseDuration(c.HandshakeTimeout, 30*time.Second)
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if event publishing is enabled (non-empty list) and to create the producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
