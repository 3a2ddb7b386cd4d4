package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shahin-ai.com/grc-auth/internal/provider"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("GRC_JWT__SECRET", "dev-secret")
	t.Setenv("GRC_LOCKOUT__THRESHOLD", "3")
	t.Setenv("GRC_SERVER__CORS_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("GRC_PROVIDERS__LDAP__URL", "ldaps://dc.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWT.Secret != "dev-secret" || cfg.JWT.AccessTTL != 24*time.Hour || cfg.JWT.Issuer != "grc-platform" {
		t.Fatalf("unexpected jwt config %+v", cfg.JWT)
	}
	if cfg.Lockout.Threshold != 3 || cfg.Lockout.Duration != 30*time.Minute {
		t.Fatalf("unexpected lockout config %+v", cfg.Lockout)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected cors origins %v", cfg.Server.CORSOrigins)
	}
	ldap := cfg.Providers.Defaults()[provider.KindLDAP]
	if ldap.URL != "ldaps://dc.example.com" || ldap.EmailAttribute != "mail" || ldap.Timeout != provider.DefaultTimeout {
		t.Fatalf("unexpected ldap defaults %+v", ldap)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	yaml := strings.Join([]string{
		"server:",
		"  addr: \":9000\"",
		"jwt:",
		"  secret: from-file",
		"  access_ttl: 15m",
		"security:",
		"  bcrypt_cost: 10",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("GRC_JWT__SECRET", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.JWT.AccessTTL != 15*time.Minute || cfg.Security.BcryptCost != 10 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.JWT.Secret != "from-env" {
		t.Fatalf("environment must override the file, got %q", cfg.JWT.Secret)
	}
}

func TestLegacyEnvNames(t *testing.T) {
	chdirTemp(t)
	t.Setenv("JWT_SECRET", "legacy")
	t.Setenv("DATABASE_URL", "postgres://grc@localhost/grc")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWT.Secret != "legacy" || cfg.Database.DSN != "postgres://grc@localhost/grc" {
		t.Fatalf("legacy variables ignored: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := defaultConfig()
		c.JWT.Secret = "dev-secret"
		return c
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("defaults with a secret should validate: %v", err)
	}

	cases := map[string]func(*Config){
		"no secret":          func(c *Config) { c.JWT.Secret = "" },
		"half rs256":         func(c *Config) { c.JWT.PrivateKeyFile = "key.pem" },
		"weak prod secret":   func(c *Config) { c.Server.Environment = "production"; c.Database.DSN = "postgres://x" },
		"prod without db":    func(c *Config) { c.Server.Environment = "production"; c.JWT.Secret = strings.Repeat("s", 32) },
		"bcrypt cost":        func(c *Config) { c.Security.BcryptCost = 2 },
		"short service":      func(c *Config) { c.Security.ServiceToken = "short" },
		"lockout threshold":  func(c *Config) { c.Lockout.Threshold = 0 },
		"bad log level":      func(c *Config) { c.Logging.Level = "loud" },
		"negative rate":      func(c *Config) { c.Server.RateLimitRPS = -1 },
		"zero refresh ttl":   func(c *Config) { c.JWT.RefreshTTL = 0 },
		"empty listen addr":  func(c *Config) { c.Server.Addr = "" },
		"zero password min":  func(c *Config) { c.Security.PasswordMinLength = 0 },
		"zero lock duration": func(c *Config) { c.Lockout.Duration = 0 },
	}
	for name, mutate := range cases {
		c := valid()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
