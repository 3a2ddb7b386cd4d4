// Package config loads service configuration from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"shahin-ai.com/grc-auth/internal/auth"
	"shahin-ai.com/grc-auth/internal/provider"
)

// DefaultConfigPaths are searched in order when GRC_CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/grc-auth/config.yaml",
}

const (
	// ConfigPathEnvVar overrides the config file location.
	ConfigPathEnvVar = "GRC_CONFIG_PATH"
	envPrefix        = "GRC_"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	JWT       JWTConfig       `koanf:"jwt"`
	Security  SecurityConfig  `koanf:"security"`
	Lockout   LockoutConfig   `koanf:"lockout"`
	Providers ProvidersConfig `koanf:"providers"`
	Audit     AuditConfig     `koanf:"audit"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	Environment     string        `koanf:"environment"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	// RateLimitRPS and RateLimitBurst bound each client IP across the API.
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`
	// LoginRateLimit requests per LoginRateWindow on the credential endpoints.
	LoginRateLimit  int           `koanf:"login_rate_limit"`
	LoginRateWindow time.Duration `koanf:"login_rate_window"`
}

// Production reports whether cookies must be Secure and secrets strict.
func (s ServerConfig) Production() bool {
	return strings.EqualFold(s.Environment, "production")
}

type DatabaseConfig struct {
	// DSN selects Postgres. Empty runs on the in-memory store outside production.
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Address enables the shared revocation list. Empty uses process memory.
	Address  string `koanf:"address"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type JWTConfig struct {
	Secret         string        `koanf:"secret"`
	PrivateKeyFile string        `koanf:"private_key_file"`
	PublicKeyFile  string        `koanf:"public_key_file"`
	KeyID          string        `koanf:"key_id"`
	Issuer         string        `koanf:"issuer"`
	Audience       string        `koanf:"audience"`
	AccessTTL      time.Duration `koanf:"access_ttl"`
	RefreshTTL     time.Duration `koanf:"refresh_ttl"`
}

// RS256 reports whether key files are configured.
func (j JWTConfig) RS256() bool {
	return j.PrivateKeyFile != "" || j.PublicKeyFile != ""
}

// LoadKeys reads the PEM key files.
func (j JWTConfig) LoadKeys() (private, public string, err error) {
	priv, err := os.ReadFile(j.PrivateKeyFile)
	if err != nil {
		return "", "", fmt.Errorf("config: read private key: %w", err)
	}
	pub, err := os.ReadFile(j.PublicKeyFile)
	if err != nil {
		return "", "", fmt.Errorf("config: read public key: %w", err)
	}
	return string(priv), string(pub), nil
}

type SecurityConfig struct {
	// ServiceToken authenticates internal callers via X-Service-Token.
	ServiceToken      string `koanf:"service_token"`
	BcryptCost        int    `koanf:"bcrypt_cost"`
	PasswordMinLength int    `koanf:"password_min_length"`
}

type LockoutConfig struct {
	Threshold int           `koanf:"threshold"`
	Duration  time.Duration `koanf:"duration"`
}

// Policy converts the settings to an auth.LockoutPolicy.
func (l LockoutConfig) Policy() auth.LockoutPolicy {
	return auth.LockoutPolicy{Threshold: l.Threshold, Duration: l.Duration}
}

type ProvidersConfig struct {
	Timeout         time.Duration   `koanf:"timeout"`
	BreakerFailures uint32          `koanf:"breaker_failures"`
	BreakerOpenFor  time.Duration   `koanf:"breaker_open_for"`
	LDAP            provider.Config `koanf:"ldap"`
	OAuth           provider.Config `koanf:"oauth"`
	SAML            provider.Config `koanf:"saml"`
}

// Defaults returns the process-wide provider settings tenants inherit.
func (p ProvidersConfig) Defaults() map[provider.Kind]provider.Config {
	out := map[provider.Kind]provider.Config{
		provider.KindLDAP:  p.LDAP,
		provider.KindOAuth: p.OAuth,
		provider.KindSAML:  p.SAML,
	}
	for k, c := range out {
		if c.Timeout <= 0 {
			c.Timeout = p.Timeout
		}
		out[k] = c
	}
	return out
}

// Breaker returns the circuit breaker settings.
func (p ProvidersConfig) Breaker() provider.BreakerSettings {
	return provider.BreakerSettings{ConsecutiveFailures: p.BreakerFailures, OpenFor: p.BreakerOpenFor}
}

type AuditConfig struct {
	BufferSize int `koanf:"buffer_size"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			Environment:     "development",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORSOrigins:     []string{},
			RateLimitRPS:    50,
			RateLimitBurst:  100,
			LoginRateLimit:  10,
			LoginRateWindow: time.Minute,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{Prefix: "grc:revoked:"},
		JWT: JWTConfig{
			Issuer:     auth.DefaultIssuer,
			Audience:   auth.DefaultAudience,
			AccessTTL:  auth.DefaultAccessTTL,
			RefreshTTL: auth.DefaultRefreshTTL,
		},
		Security: SecurityConfig{
			BcryptCost:        12,
			PasswordMinLength: auth.MinPasswordLength,
		},
		Lockout: LockoutConfig{
			Threshold: auth.DefaultLockoutPolicy.Threshold,
			Duration:  auth.DefaultLockoutPolicy.Duration,
		},
		Providers: ProvidersConfig{
			Timeout:         provider.DefaultTimeout,
			BreakerFailures: provider.DefaultBreakerSettings.ConsecutiveFailures,
			BreakerOpenFor:  provider.DefaultBreakerSettings.OpenFor,
			LDAP:            provider.Config{EmailAttribute: "mail", GroupAttribute: "memberOf"},
			OAuth: provider.Config{
				ProfileURL: "https://graph.microsoft.com/v1.0/me",
				GroupsURL:  "https://graph.microsoft.com/v1.0/me/memberOf",
			},
			SAML: provider.Config{EmailAttribute: "email", RolesAttribute: "roles"},
		},
		Audit:   AuditConfig{BufferSize: 1024},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load applies defaults, then the YAML file, then environment variables.
// GRC_JWT__SECRET sets jwt.secret; a double underscore separates levels.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", legacyEnv), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	if err := k.Load(env.Provider(envPrefix, ".", prefixedEnv), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func prefixedEnv(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	if key == "config_path" {
		return ""
	}
	return strings.ReplaceAll(key, "__", ".")
}

// legacyEnv maps the unprefixed variables older deployments set.
func legacyEnv(key string) string {
	switch key {
	case "JWT_SECRET":
		return "jwt.secret"
	case "SERVICE_TOKEN":
		return "security.service_token"
	case "DATABASE_URL":
		return "database.dsn"
	case "REDIS_ADDR":
		return "redis.address"
	default:
		return ""
	}
}

// Validate checks values that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.RS256() {
		if c.JWT.PrivateKeyFile == "" || c.JWT.PublicKeyFile == "" {
			errs = append(errs, errors.New("jwt: private_key_file and public_key_file must be set together"))
		}
	} else if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt: secret or key files are required"))
	} else if c.Server.Production() && len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt: secret must be at least 32 bytes in production"))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("jwt: ttls must be positive"))
	}
	if c.Security.BcryptCost < 4 || c.Security.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("security: bcrypt_cost %d out of range 4..31", c.Security.BcryptCost))
	}
	if c.Security.PasswordMinLength < 1 {
		errs = append(errs, errors.New("security: password_min_length must be positive"))
	}
	if c.Security.ServiceToken != "" && len(c.Security.ServiceToken) < 16 {
		errs = append(errs, errors.New("security: service_token must be at least 16 bytes"))
	}
	if c.Lockout.Threshold < 1 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout: threshold and duration must be positive"))
	}
	if c.Server.Production() && c.Database.DSN == "" {
		errs = append(errs, errors.New("database: dsn is required in production"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server: addr is required"))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.LoginRateLimit < 0 {
		errs = append(errs, errors.New("server: rate limits cannot be negative"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
