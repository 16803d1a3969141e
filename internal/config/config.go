package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/dispatch/internal/platform/auth"
	"github.com/ehr/dispatch/internal/platform/contract"
	"github.com/ehr/dispatch/internal/platform/transport"
)

// Job store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	JobStore      string `mapstructure:"JOBSTORE_DRIVER"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	DefaultTenant string `mapstructure:"DEFAULT_TENANT"`
	TenantList    string `mapstructure:"DISPATCH_TENANTS"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`

	DispatchTarget        string  `mapstructure:"DISPATCH_TARGET"`
	DispatchVendor        string  `mapstructure:"DISPATCH_VENDOR"`
	DispatchAuthMode      string  `mapstructure:"DISPATCH_AUTH_MODE"`
	APIKey                string  `mapstructure:"DISPATCH_API_KEY"`
	APIKeyHeader          string  `mapstructure:"DISPATCH_API_KEY_HEADER"`
	BearerToken           string  `mapstructure:"DISPATCH_BEARER_TOKEN"`
	HMACSecret            string  `mapstructure:"DISPATCH_HMAC_SECRET"`
	HMACSignatureHeader   string  `mapstructure:"DISPATCH_HMAC_SIGNATURE_HEADER"`
	HMACTimestampHeader   string  `mapstructure:"DISPATCH_HMAC_TIMESTAMP_HEADER"`
	WebhookURL            string  `mapstructure:"DISPATCH_WEBHOOK_URL"`
	HTTPTimeoutMS         int     `mapstructure:"DISPATCH_HTTP_TIMEOUT_MS"`
	MLLPHost              string  `mapstructure:"DISPATCH_MLLP_HOST"`
	MLLPPort              int     `mapstructure:"DISPATCH_MLLP_PORT"`
	MLLPTimeoutMS         int     `mapstructure:"DISPATCH_MLLP_TIMEOUT_MS"`
	ClientCertPath        string  `mapstructure:"DISPATCH_CLIENT_CERT_PATH"`
	ClientKeyPath         string  `mapstructure:"DISPATCH_CLIENT_KEY_PATH"`
	CACertPath            string  `mapstructure:"DISPATCH_CA_CERT_PATH"`
	MaxAttempts           int     `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	BackoffBaseMS         int     `mapstructure:"DISPATCH_BACKOFF_BASE_MS"`
	WorkerIntervalSeconds int     `mapstructure:"DISPATCH_WORKER_INTERVAL_SECONDS"`
	BatchSize             int     `mapstructure:"DISPATCH_BATCH_SIZE"`
	LeaseSeconds          int     `mapstructure:"DISPATCH_LEASE_SECONDS"`
	RateLimitRPS          float64 `mapstructure:"DISPATCH_RATE_LIMIT_RPS"`

	DLQAlertThreshold       int `mapstructure:"DLQ_ALERT_THRESHOLD"`
	DLQAlertWindowMinutes   int `mapstructure:"DLQ_ALERT_WINDOW_MINUTES"`
	DLQAlertCooldownMinutes int `mapstructure:"DLQ_ALERT_COOLDOWN_MINUTES"`

	AlertWebhookURL    string `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertWebhookSecret string `mapstructure:"ALERT_WEBHOOK_SECRET"`
	TwilioAccountSID   string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber   string `mapstructure:"TWILIO_FROM_NUMBER"`
	AlertSMSTo         string `mapstructure:"ALERT_SMS_TO"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JOBSTORE_DRIVER", "SQLITE_PATH", "REDIS_URL", "DEFAULT_TENANT", "DISPATCH_TENANTS",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"DISPATCH_TARGET", "DISPATCH_VENDOR", "DISPATCH_AUTH_MODE",
	"DISPATCH_API_KEY", "DISPATCH_API_KEY_HEADER", "DISPATCH_BEARER_TOKEN",
	"DISPATCH_HMAC_SECRET", "DISPATCH_HMAC_SIGNATURE_HEADER", "DISPATCH_HMAC_TIMESTAMP_HEADER",
	"DISPATCH_WEBHOOK_URL", "DISPATCH_HTTP_TIMEOUT_MS",
	"DISPATCH_MLLP_HOST", "DISPATCH_MLLP_PORT", "DISPATCH_MLLP_TIMEOUT_MS",
	"DISPATCH_CLIENT_CERT_PATH", "DISPATCH_CLIENT_KEY_PATH", "DISPATCH_CA_CERT_PATH",
	"DISPATCH_MAX_ATTEMPTS", "DISPATCH_BACKOFF_BASE_MS", "DISPATCH_WORKER_INTERVAL_SECONDS",
	"DISPATCH_BATCH_SIZE", "DISPATCH_LEASE_SECONDS", "DISPATCH_RATE_LIMIT_RPS",
	"DLQ_ALERT_THRESHOLD", "DLQ_ALERT_WINDOW_MINUTES", "DLQ_ALERT_COOLDOWN_MINUTES",
	"ALERT_WEBHOOK_URL", "ALERT_WEBHOOK_SECRET",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "ALERT_SMS_TO",
}

// Load reads .env (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("JOBSTORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "./data/dispatch.db")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("DISPATCH_TENANTS", "default")
	v.SetDefault("DISPATCH_TARGET", string(contract.TargetNone))
	v.SetDefault("DISPATCH_VENDOR", string(contract.VendorGeneric))
	v.SetDefault("DISPATCH_AUTH_MODE", string(auth.AuthModeNone))
	v.SetDefault("DISPATCH_API_KEY_HEADER", auth.DefaultAPIKeyHeader)
	v.SetDefault("DISPATCH_HMAC_SIGNATURE_HEADER", auth.DefaultHMACSignatureHeader)
	v.SetDefault("DISPATCH_HMAC_TIMESTAMP_HEADER", auth.DefaultHMACTimestampHeader)
	v.SetDefault("DISPATCH_HTTP_TIMEOUT_MS", 15000)
	v.SetDefault("DISPATCH_MLLP_TIMEOUT_MS", 12000)
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 5)
	v.SetDefault("DISPATCH_BACKOFF_BASE_MS", 30000)
	v.SetDefault("DISPATCH_WORKER_INTERVAL_SECONDS", 30)
	v.SetDefault("DISPATCH_BATCH_SIZE", 25)
	v.SetDefault("DISPATCH_LEASE_SECONDS", 120)
	v.SetDefault("DISPATCH_RATE_LIMIT_RPS", 0)
	v.SetDefault("DLQ_ALERT_THRESHOLD", 5)
	v.SetDefault("DLQ_ALERT_WINDOW_MINUTES", 60)
	v.SetDefault("DLQ_ALERT_COOLDOWN_MINUTES", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.JobStore = strings.ToLower(strings.TrimSpace(cfg.JobStore))

	if cfg.JobStore == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for JOBSTORE_DRIVER=postgres")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Tenants returns the tenants polled by the worker and the monitor.
func (c *Config) Tenants() []string {
	var out []string
	for _, t := range strings.Split(c.TenantList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 && c.DefaultTenant != "" {
		out = []string{c.DefaultTenant}
	}
	return out
}

func (c *Config) Target() (contract.Target, error) {
	return contract.ParseTarget(c.DispatchTarget)
}

func (c *Config) Vendor() (contract.Vendor, error) {
	return contract.ParseVendor(c.DispatchVendor)
}

// OutboundAuth assembles the outbound credential settings.
func (c *Config) OutboundAuth() (auth.OutboundAuth, error) {
	mode, err := auth.ParseAuthMode(c.DispatchAuthMode)
	if err != nil {
		return auth.OutboundAuth{}, err
	}
	vendor, err := c.Vendor()
	if err != nil {
		return auth.OutboundAuth{}, err
	}
	return auth.OutboundAuth{
		Vendor: vendor,
		Mode:   mode,
		Secrets: auth.OutboundSecrets{
			APIKey:      c.APIKey,
			BearerToken: c.BearerToken,
			HMACSecret:  c.HMACSecret,
		},
		Headers: auth.HeaderNames{
			APIKey:        c.APIKeyHeader,
			HMACSignature: c.HMACSignatureHeader,
			HMACTimestamp: c.HMACTimestampHeader,
		},
	}, nil
}

func (c *Config) Transport() transport.Config {
	return transport.Config{
		WebhookURL:     c.WebhookURL,
		HTTPTimeout:    time.Duration(c.HTTPTimeoutMS) * time.Millisecond,
		MLLPHost:       c.MLLPHost,
		MLLPPort:       c.MLLPPort,
		MLLPTimeout:    time.Duration(c.MLLPTimeoutMS) * time.Millisecond,
		ClientCertPath: c.ClientCertPath,
		ClientKeyPath:  c.ClientKeyPath,
		CACertPath:     c.CACertPath,
		RateLimitRPS:   c.RateLimitRPS,
	}
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalSeconds) * time.Second
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c *Config) AlertWindow() time.Duration {
	return time.Duration(c.DLQAlertWindowMinutes) * time.Minute
}

func (c *Config) AlertCooldown() time.Duration {
	return time.Duration(c.DLQAlertCooldownMinutes) * time.Minute
}

// Validate checks settings that would stop the service from starting.
// Delivery settings that only fail at dispatch time (missing secrets,
// endpoints) are reported by the readiness check instead.
func (c *Config) Validate() error {
	switch c.JobStore {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for JOBSTORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for JOBSTORE_DRIVER=sqlite")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("JOBSTORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.JobStore)
	}

	if _, err := c.Target(); err != nil {
		return fmt.Errorf("DISPATCH_TARGET: %w", err)
	}
	if _, err := c.OutboundAuth(); err != nil {
		return fmt.Errorf("DISPATCH_AUTH_MODE/DISPATCH_VENDOR: %w", err)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffBaseMS <= 0 {
		return fmt.Errorf("DISPATCH_BACKOFF_BASE_MS must be positive, got %d", c.BackoffBaseMS)
	}
	if c.WorkerIntervalSeconds <= 0 {
		return fmt.Errorf("DISPATCH_WORKER_INTERVAL_SECONDS must be positive, got %d", c.WorkerIntervalSeconds)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("DISPATCH_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("DISPATCH_RATE_LIMIT_RPS must not be negative")
	}
	if c.DLQAlertThreshold <= 0 || c.DLQAlertWindowMinutes <= 0 || c.DLQAlertCooldownMinutes < 0 {
		return fmt.Errorf("DLQ_ALERT_THRESHOLD and DLQ_ALERT_WINDOW_MINUTES must be positive and DLQ_ALERT_COOLDOWN_MINUTES non-negative")
	}
	if len(c.Tenants()) == 0 {
		return fmt.Errorf("DISPATCH_TENANTS must name at least one tenant")
	}

	// Outside development the operator API needs real token verification.
	if !c.IsDev() && c.AuthJWTSecret == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWT_SECRET or AUTH_JWKS_URL is required when ENV=%q", c.Env)
	}

	sms := []string{c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFromNumber, c.AlertSMSTo}
	set := 0
	for _, s := range sms {
		if s != "" {
			set++
		}
	}
	if set > 0 && set < len(sms) {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and ALERT_SMS_TO must be set together")
	}
	return nil
}
