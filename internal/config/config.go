package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DevelopmentEncryptionKey is substituted when no encryption key is configured.
// It is public and must never protect production secrets.
const DevelopmentEncryptionKey = "mfacore-development-only-encryption-key"

// Config holds all configuration for the MFA core
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	MFA        MFAConfig        `mapstructure:"mfa"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CacheConfig selects the transient store backing throttle state and SMS codes
type CacheConfig struct {
	// Driver is "redis" or "memory". The memory driver is per-process and
	// only suitable for development and single-instance deployments.
	Driver string `mapstructure:"driver"`
	// MemorySize bounds the number of keys held by the memory driver. Lockout
	// flags are kept outside this bound so key pressure cannot lift a lockout
	// early; other keys are evicted least recently used first.
	MemorySize int `mapstructure:"memory_size"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables a rotating log file in addition to stdout
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Encryption EncryptionConfig `mapstructure:"encryption"`
}

// EncryptionConfig configures the secret cipher used for data at rest
type EncryptionConfig struct {
	// Key is either 64 hex characters (raw AES-256 key) or a passphrase
	// from which the key is derived.
	Key string `mapstructure:"key"`
	// Mode is "gcm" (authenticated) or "cbc" (legacy, unauthenticated)
	Mode string `mapstructure:"mode"`
}

// UsesDevelopmentKey reports whether no key has been configured
func (c EncryptionConfig) UsesDevelopmentKey() bool {
	return strings.TrimSpace(c.Key) == ""
}

// EffectiveKey returns the configured key or the development fallback
func (c EncryptionConfig) EffectiveKey() string {
	if c.UsesDevelopmentKey() {
		return DevelopmentEncryptionKey
	}
	return c.Key
}

// MFAConfig holds MFA configuration
type MFAConfig struct {
	TOTP        TOTPConfig        `mapstructure:"totp"`
	BackupCodes BackupCodesConfig `mapstructure:"backup_codes"`
	SMS         SMSConfig         `mapstructure:"sms"`
	Lockout     LockoutConfig     `mapstructure:"lockout"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer     string `mapstructure:"issuer"`
	Digits     int    `mapstructure:"digits"`
	Period     int    `mapstructure:"period"`
	Skew       int    `mapstructure:"skew"`
	SecretSize int    `mapstructure:"secret_size"`
}

// BackupCodesConfig holds recovery code configuration
type BackupCodesConfig struct {
	Count  int `mapstructure:"count"`
	Length int `mapstructure:"length"`
}

// SMSConfig holds SMS one-time code configuration
type SMSConfig struct {
	CodeLength     int           `mapstructure:"code_length"`
	CodeTTL        time.Duration `mapstructure:"code_ttl"`
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
}

// LockoutConfig holds the attempt throttle policy
type LockoutConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`
	FailureWindow   time.Duration `mapstructure:"failure_window"`
	// Channels lists the verification channels guarded by the policy
	Channels []string `mapstructure:"channels"`
}

// MonitoringConfig holds anomaly detection and audit observability limits
type MonitoringConfig struct {
	// FrequencyThresholds maps event type to per-window limits
	FrequencyThresholds map[string]WindowThreshold `mapstructure:"frequency_thresholds"`
	DiversityLimit      int                        `mapstructure:"diversity_limit"`
	DiversityHighLimit  int                        `mapstructure:"diversity_high_limit"`
	SlowResponse        time.Duration              `mapstructure:"slow_response"`
	MemoryLimitBytes    int64                      `mapstructure:"memory_limit_bytes"`
	AccessChangeAllowed int                        `mapstructure:"access_change_allowance"`
	QueryLimit          int                        `mapstructure:"query_limit"`
}

// WindowThreshold is the event-count limit for an hour and for a day
type WindowThreshold struct {
	Hour int `mapstructure:"hour"`
	Day  int `mapstructure:"day"`
}

// AlertsConfig configures out-of-band notification of critical events
type AlertsConfig struct {
	Email EmailAlertConfig `mapstructure:"email"`
}

// EmailAlertConfig holds Gmail API configuration for critical event alerts
type EmailAlertConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Recipients receive a mail for every critical security event
	Recipients []string `mapstructure:"recipients"`
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	// ClientID for OAuth2 token-based auth (alternative to service account)
	ClientID string `mapstructure:"client_id"`
	// ClientSecret for OAuth2 token-based auth
	ClientSecret string `mapstructure:"client_secret"`
	// RefreshToken for OAuth2 token-based auth
	RefreshToken  string        `mapstructure:"refresh_token"`
	SenderAddress string        `mapstructure:"sender_address"`
	SenderName    string        `mapstructure:"sender_name"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus metric naming
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/mfacore")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("MFACORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by Load with no file or environment
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "mfacore")
	v.SetDefault("database.user", "mfacore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "mfacore:")

	v.SetDefault("cache.driver", "redis")
	v.SetDefault("cache.memory_size", 100000)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	// Security defaults
	v.SetDefault("security.encryption.key", "")
	v.SetDefault("security.encryption.mode", "gcm")

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "HostedID")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 2)
	v.SetDefault("mfa.totp.secret_size", 20)

	v.SetDefault("mfa.backup_codes.count", 10)
	v.SetDefault("mfa.backup_codes.length", 8)

	v.SetDefault("mfa.sms.code_length", 6)
	v.SetDefault("mfa.sms.code_ttl", "10m")
	v.SetDefault("mfa.sms.resend_cooldown", "60s")

	v.SetDefault("mfa.lockout.max_attempts", 5)
	v.SetDefault("mfa.lockout.lockout_duration", "15m")
	v.SetDefault("mfa.lockout.failure_window", "1h")
	v.SetDefault("mfa.lockout.channels", []string{"totp"})

	// Monitoring defaults
	v.SetDefault("monitoring.frequency_thresholds", map[string]interface{}{
		"login_attempt":   map[string]interface{}{"hour": 10, "day": 50},
		"failed_login":    map[string]interface{}{"hour": 5, "day": 20},
		"password_change": map[string]interface{}{"hour": 3, "day": 10},
		"mfa_setup":       map[string]interface{}{"hour": 2, "day": 5},
	})
	v.SetDefault("monitoring.diversity_limit", 3)
	v.SetDefault("monitoring.diversity_high_limit", 5)
	v.SetDefault("monitoring.slow_response", "5s")
	v.SetDefault("monitoring.memory_limit_bytes", 100*1024*1024)
	v.SetDefault("monitoring.access_change_allowance", 50)
	v.SetDefault("monitoring.query_limit", 10000)

	// Alert defaults
	v.SetDefault("alerts.email.enabled", false)
	v.SetDefault("alerts.email.sender_name", "HostedID Security")
	v.SetDefault("alerts.email.timeout", "10s")

	v.SetDefault("metrics.namespace", "mfacore")
}
