package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the sign-in service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Audit    AuditConfig    `mapstructure:"audit"`
	MFA      MFAConfig      `mapstructure:"mfa"`
	Cookie   CookieConfig   `mapstructure:"cookie"`
	Email    EmailConfig    `mapstructure:"email"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Environment string   `mapstructure:"environment"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	TLS         struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// IsProduction reports whether the server runs with production settings
func (c ServerConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
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

	MaxIdleConnections int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects it
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds the sign-in policy knobs
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	Lockout      LockoutConfig      `mapstructure:"lockout"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Session      SessionConfig      `mapstructure:"session"`
	Challenge    ChallengeConfig    `mapstructure:"challenge"`
	Device       DeviceConfig       `mapstructure:"device"`
	Password     PasswordConfig     `mapstructure:"password"`
}

// PasswordConfig is the argon2id cost new hashes are written with. Stored
// hashes below it are upgraded on the next successful sign-in.
type PasswordConfig struct {
	MemoryKiB   uint32 `mapstructure:"memory_kib"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
}

// RateLimitingConfig holds fixed-window limits for the sign-in endpoints
type RateLimitingConfig struct {
	LoginMaxAttempts  int           `mapstructure:"login_max_attempts"`
	LoginWindow       time.Duration `mapstructure:"login_window"`
	VerifyMaxAttempts int           `mapstructure:"verify_max_attempts"`
	VerifyWindow      time.Duration `mapstructure:"verify_window"`
	// RejectionRiskScore is recorded on audit events for rate-limited attempts
	RejectionRiskScore int `mapstructure:"rejection_risk_score"`
	// IPMaxRequests bounds requests per client IP to the public auth endpoints
	IPMaxRequests int           `mapstructure:"ip_max_requests"`
	IPWindow      time.Duration `mapstructure:"ip_window"`
}

// LockoutConfig controls account locking after consecutive credential failures
type LockoutConfig struct {
	Threshold   int           `mapstructure:"threshold"`
	Duration    time.Duration `mapstructure:"duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
}

// RiskConfig holds risk scoring settings
type RiskConfig struct {
	BypassCeiling     int           `mapstructure:"bypass_ceiling"`
	HistoryWindow     time.Duration `mapstructure:"history_window"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	VelocityWindow    time.Duration `mapstructure:"velocity_window"`
	VelocityThreshold int           `mapstructure:"velocity_threshold"`
}

// SessionConfig holds session lifetimes and token signing settings
type SessionConfig struct {
	TrustedTTL   time.Duration `mapstructure:"trusted_ttl"`
	UntrustedTTL time.Duration `mapstructure:"untrusted_ttl"`
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
}

// ChallengeConfig holds second-factor challenge settings
type ChallengeConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	EmailCodeLength int           `mapstructure:"email_code_length"`
}

// DeviceConfig holds device trust settings
type DeviceConfig struct {
	TrustCacheTTL time.Duration `mapstructure:"trust_cache_ttl"`
	CookieMaxAge  time.Duration `mapstructure:"cookie_max_age"`
}

// TimeoutConfig bounds every call to an external dependency
type TimeoutConfig struct {
	Store      time.Duration `mapstructure:"store"`
	Credential time.Duration `mapstructure:"credential"`
	Risk       time.Duration `mapstructure:"risk"`
	Audit      time.Duration `mapstructure:"audit"`
	Email      time.Duration `mapstructure:"email"`
}

// AuditConfig sizes the asynchronous audit writer
type AuditConfig struct {
	QueueSize int `mapstructure:"queue_size"`
	Workers   int `mapstructure:"workers"`
}

// MFAConfig holds second-factor verification configuration
type MFAConfig struct {
	TOTP TOTPConfig `mapstructure:"totp"`
}

// TOTPConfig holds TOTP configuration
type TOTPConfig struct {
	Issuer string `mapstructure:"issuer"`
	Digits int    `mapstructure:"digits"`
	Period int    `mapstructure:"period"`
	Skew   uint   `mapstructure:"skew"`
}

// CookieConfig holds cookie configuration
type CookieConfig struct {
	SessionName string `mapstructure:"session_name"`
	DeviceName  string `mapstructure:"device_name"`
	Domain      string `mapstructure:"domain"`
	// Secure sets the Secure flag; forced on in production
	Secure bool `mapstructure:"secure"`
}

// EmailConfig holds email sending configuration
type EmailConfig struct {
	// Provider is "gmail" or "log"
	Provider string           `mapstructure:"provider"`
	AppName  string           `mapstructure:"app_name"`
	Gmail    GmailEmailConfig `mapstructure:"gmail"`
}

// GmailEmailConfig holds Gmail API configuration
type GmailEmailConfig struct {
	// CredentialsJSON is the service account credentials JSON content
	CredentialsJSON string `mapstructure:"credentials_json"`
	ClientID        string `mapstructure:"client_id"`
	ClientSecret    string `mapstructure:"client_secret"`
	RefreshToken    string `mapstructure:"refresh_token"`
	SenderAddress   string `mapstructure:"sender_address"`
	SenderName      string `mapstructure:"sender_name"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/signin")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("SIGNIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Server.IsProduction() {
		cfg.Cookie.Secure = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the settings the sign-in flow cannot run without
func (c *Config) Validate() error {
	var errs []error

	if len(c.Security.Session.Secret) < 32 {
		errs = append(errs, errors.New("security.session.secret must be at least 32 characters"))
	}

	durations := map[string]time.Duration{
		"security.rate_limiting.login_window":  c.Security.RateLimiting.LoginWindow,
		"security.rate_limiting.verify_window": c.Security.RateLimiting.VerifyWindow,
		"security.rate_limiting.ip_window":     c.Security.RateLimiting.IPWindow,
		"security.lockout.duration":            c.Security.Lockout.Duration,
		"security.session.trusted_ttl":         c.Security.Session.TrustedTTL,
		"security.session.untrusted_ttl":       c.Security.Session.UntrustedTTL,
		"security.challenge.ttl":               c.Security.Challenge.TTL,
		"security.device.trust_cache_ttl":      c.Security.Device.TrustCacheTTL,
		"timeouts.store":                       c.Timeouts.Store,
		"timeouts.credential":                  c.Timeouts.Credential,
		"timeouts.risk":                        c.Timeouts.Risk,
		"timeouts.audit":                       c.Timeouts.Audit,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Security.RateLimiting.LoginMaxAttempts < 1 {
		errs = append(errs, errors.New("security.rate_limiting.login_max_attempts must be at least 1"))
	}
	if c.Security.Lockout.Threshold < 1 {
		errs = append(errs, errors.New("security.lockout.threshold must be at least 1"))
	}
	if c.Security.Risk.BypassCeiling < 0 || c.Security.Risk.BypassCeiling > 100 {
		errs = append(errs, errors.New("security.risk.bypass_ceiling must be between 0 and 100"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "signin")
	v.SetDefault("database.user", "signin")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_connections", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Sign-in policy defaults
	v.SetDefault("security.password.memory_kib", 64*1024)
	v.SetDefault("security.password.iterations", 3)
	v.SetDefault("security.password.parallelism", 4)

	v.SetDefault("security.rate_limiting.login_max_attempts", 5)
	v.SetDefault("security.rate_limiting.login_window", "15m")
	v.SetDefault("security.rate_limiting.verify_max_attempts", 10)
	v.SetDefault("security.rate_limiting.verify_window", "15m")
	v.SetDefault("security.rate_limiting.rejection_risk_score", 100)
	v.SetDefault("security.rate_limiting.ip_max_requests", 60)
	v.SetDefault("security.rate_limiting.ip_window", "1m")

	v.SetDefault("security.lockout.threshold", 5)
	v.SetDefault("security.lockout.duration", "15m")
	v.SetDefault("security.lockout.max_duration", "24h")

	v.SetDefault("security.risk.bypass_ceiling", 30)
	v.SetDefault("security.risk.history_window", "720h")
	v.SetDefault("security.risk.history_limit", 200)
	v.SetDefault("security.risk.velocity_window", "10m")
	v.SetDefault("security.risk.velocity_threshold", 5)

	v.SetDefault("security.session.trusted_ttl", "720h")
	v.SetDefault("security.session.untrusted_ttl", "24h")
	v.SetDefault("security.session.secret", "")
	v.SetDefault("security.session.issuer", "coursemart")

	v.SetDefault("security.challenge.ttl", "10m")
	v.SetDefault("security.challenge.max_attempts", 5)
	v.SetDefault("security.challenge.email_code_length", 6)

	v.SetDefault("security.device.trust_cache_ttl", "720h")
	v.SetDefault("security.device.cookie_max_age", "3600h")

	// Timeouts
	v.SetDefault("timeouts.store", "2s")
	v.SetDefault("timeouts.credential", "3s")
	v.SetDefault("timeouts.risk", "750ms")
	v.SetDefault("timeouts.audit", "2s")
	v.SetDefault("timeouts.email", "10s")

	// Audit writer
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 2)

	// MFA defaults
	v.SetDefault("mfa.totp.issuer", "CourseMart")
	v.SetDefault("mfa.totp.digits", 6)
	v.SetDefault("mfa.totp.period", 30)
	v.SetDefault("mfa.totp.skew", 1)

	// Cookie defaults
	v.SetDefault("cookie.session_name", "cm_session")
	v.SetDefault("cookie.device_name", "cm_device")
	v.SetDefault("cookie.domain", "")
	v.SetDefault("cookie.secure", false)

	// Email defaults
	v.SetDefault("email.provider", "log")
	v.SetDefault("email.app_name", "CourseMart")
	v.SetDefault("email.gmail.sender_address", "")
	v.SetDefault("email.gmail.sender_name", "CourseMart")
}
