// Package config loads the service's YAML configuration. Secrets and paths
// may reference environment variables; they are expanded before validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage struct {
		Backend     string `yaml:"backend"`
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Redis struct {
		Addr            string `yaml:"addr"`
		Password        string `yaml:"password"`
		DB              int    `yaml:"db"`
		StatsTTLSeconds int    `yaml:"stats_ttl_seconds"`
	} `yaml:"redis"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Tokens struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"tokens"`

	Security struct {
		AdminBearerToken string   `yaml:"admin_bearer_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	// Directory holds the static voter and election sets used with the
	// memory backend. The postgres backend reads both from the database.
	Directory struct {
		Voters    []StaticVoter    `yaml:"voters"`
		Elections []StaticElection `yaml:"elections"`
	} `yaml:"directory"`

	Logging struct {
		Service string `yaml:"service"`
		Version string `yaml:"version"`
		Commit  string `yaml:"commit"`
		Region  string `yaml:"region"`
	} `yaml:"logging"`
}

type StaticVoter struct {
	ID       string `yaml:"id"`
	Role     string `yaml:"role"`
	IsActive bool   `yaml:"is_active"`
}

type StaticElection struct {
	ID          string    `yaml:"id"`
	Status      string    `yaml:"status"`
	VotingStart time.Time `yaml:"voting_start"`
	VotingEnd   time.Time `yaml:"voting_end"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Tokens.TTLHours) * time.Hour
}

func (c *Config) StatsTTL() time.Duration {
	return time.Duration(c.Redis.StatsTTLSeconds) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 20
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "postgres"
	}
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 12
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Redis.StatsTTLSeconds <= 0 {
		c.Redis.StatsTTLSeconds = 30
	}
	if c.Tokens.TTLHours <= 0 {
		c.Tokens.TTLHours = 24
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{
			"127.0.0.1/32",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		}
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "ballot-token-service"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "dev"
	}
	if c.Logging.Commit == "" {
		c.Logging.Commit = "unknown"
	}
	if c.Logging.Region == "" {
		c.Logging.Region = "default"
	}
}

func (c *Config) validate() error {
	switch strings.TrimSpace(strings.ToLower(c.Storage.Backend)) {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for the postgres backend")
		}
		if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "memory":
		if len(c.Directory.Elections) == 0 {
			return errors.New("directory.elections is required for the memory backend")
		}
	default:
		return errors.New("storage.backend must be one of postgres|memory")
	}
	if c.Keys.SigningPrivateKeyPath == "" {
		return errors.New("keys.signing_private_key_path is required")
	}
	if c.Keys.SigningPublicKeyPath == "" {
		return errors.New("keys.signing_public_key_path is required")
	}
	if strings.TrimSpace(c.Security.AdminBearerToken) == "" {
		return errors.New("security.admin_bearer_token is required")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	for i, e := range c.Directory.Elections {
		if e.ID == "" {
			return fmt.Errorf("directory.elections[%d].id is required", i)
		}
		if !e.VotingEnd.After(e.VotingStart) {
			return fmt.Errorf("directory.elections[%d] voting window is empty", i)
		}
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Redis.Addr = os.ExpandEnv(strings.TrimSpace(c.Redis.Addr))
	c.Redis.Password = os.ExpandEnv(strings.TrimSpace(c.Redis.Password))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Security.AdminBearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.AdminBearerToken))
}

func boolPtr(v bool) *bool { return &v }

func dsnUsesInsecureSSL(dsn string) bool {
	idx := strings.Index(dsn, "sslmode=")
	if idx < 0 {
		// No sslmode leaves the choice to libpq defaults, which may
		// negotiate plaintext.
		return true
	}
	mode := dsn[idx+len("sslmode="):]
	if amp := strings.IndexByte(mode, '&'); amp >= 0 {
		mode = mode[:amp]
	}
	mode = strings.TrimSpace(strings.ToLower(mode))
	return mode == "disable" || mode == "allow" || mode == "prefer" || mode == ""
}
