package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/org/soaportal/internal/crypto"
	"github.com/org/soaportal/internal/render"
)

type config struct {
	ListenAddr     string          `yaml:"listen_addr"`
	TLSCertFile    string          `yaml:"tls_cert"`
	TLSKeyFile     string          `yaml:"tls_key"`
	DBUrl          string          `yaml:"db_url"`
	MigrationsDir  string          `yaml:"migrations_dir"`
	LogLevel       string          `yaml:"log_level"`
	PublicBaseURL  string          `yaml:"public_base_url"`
	LinkSecret     string          `yaml:"link_secret"`
	StorageDir     string          `yaml:"storage_dir"`
	SessionTTL     string          `yaml:"session_ttl"`
	RateLimitRPS   int             `yaml:"rate_limit_rps"`
	RateLimitBurst int             `yaml:"rate_limit_burst"`
	TrustedProxies []string        `yaml:"trusted_proxies"`
	Facility       render.Facility `yaml:"facility"`

	BootstrapAdminName     string `yaml:"bootstrap_admin_name"`
	BootstrapAdminEmail    string `yaml:"bootstrap_admin_email"`
	BootstrapAdminPassword string `yaml:"bootstrap_admin_password"`
}

func defaultConfig() config {
	return config{
		ListenAddr:     ":8080",
		MigrationsDir:  "migrations",
		LogLevel:       "info",
		PublicBaseURL:  "http://localhost:8080",
		StorageDir:     "storage",
		SessionTTL:     "12h",
		RateLimitRPS:   100,
		RateLimitBurst: 200,
		Facility:       render.DefaultFacility,
	}
}

// loadConfig reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func loadConfig(path string, getenv func(string) string) (config, bool, error) {
	cfg := defaultConfig()
	found := false
	if data, err := os.ReadFile(path); err == nil {
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, found, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, found, fmt.Errorf("reading %s: %w", path, err)
	}

	overrides := map[string]*string{
		"SOA_LISTEN_ADDR":     &cfg.ListenAddr,
		"DATABASE_URL":        &cfg.DBUrl,
		"SOA_LINK_SECRET":     &cfg.LinkSecret,
		"SOA_PUBLIC_BASE_URL": &cfg.PublicBaseURL,
	}
	for env, dst := range overrides {
		if v := getenv(env); v != "" {
			*dst = v
		}
	}
	if v := getenv("SOA_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	return cfg, found, nil
}

// validate checks the configuration is safe to start with.
func (c config) validate() error {
	if _, err := c.linkSecret(); err != nil {
		return err
	}
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("public_base_url must be an absolute URL, got %q", c.PublicBaseURL)
	}
	if _, err := c.sessionTTL(); err != nil {
		return err
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if c.BootstrapAdminEmail != "" && c.BootstrapAdminPassword == "" {
		return errors.New("bootstrap_admin_password is required with bootstrap_admin_email")
	}
	return nil
}

// linkSecret decodes the hex link_secret.
func (c config) linkSecret() ([]byte, error) {
	if c.LinkSecret == "" {
		return nil, errors.New("link_secret must be configured (or SOA_LINK_SECRET env var)")
	}
	b, err := hex.DecodeString(c.LinkSecret)
	if err != nil {
		return nil, fmt.Errorf("link_secret is not valid hex: %w", err)
	}
	if len(b) < crypto.MinSecretLen {
		return nil, fmt.Errorf("link_secret must decode to at least %d bytes, got %d", crypto.MinSecretLen, len(b))
	}
	return b, nil
}

func (c config) sessionTTL() (time.Duration, error) {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("session_ttl %q is not a positive duration", c.SessionTTL)
	}
	return d, nil
}

// storageURL is where /storage/* is served from.
func (c config) storageURL() string {
	return c.PublicBaseURL + "/storage"
}
