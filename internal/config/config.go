// Package config provides configuration management for the RM service.
// It handles loading configuration from YAML files, applying environment
// variable and command-line overrides, and validating the result.
//
// Configuration covers the HTTP server, the database, the data directory
// holding key material, the external CA (CFSSL), the federation manifest,
// product fan-out, the registry announcer, JWT issuance, logging, and
// security settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Data      DataConfig      `yaml:"data"`
	JWT       JWTConfig       `yaml:"jwt"`
	CFSSL     CFSSLConfig     `yaml:"cfssl"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Announcer AnnouncerConfig `yaml:"announcer"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	Host         string        `yaml:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	TLSCert      string        `yaml:"tls_cert"`
	TLSKey       string        `yaml:"tls_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// DataConfig holds the on-disk data directory layout. Root is the directory
// under which private/ and public/ key material lives.
type DataConfig struct {
	Root string `yaml:"root"`
	// KeyPassphrase, when set, encrypts the JWT signing key at rest.
	KeyPassphrase string `yaml:"key_passphrase"`
	// TrustedKeyDir is a mounted directory of federation public keys that
	// bootstrap copies into <root>/public/pvarki once.
	TrustedKeyDir string `yaml:"trusted_key_dir"`
	// TrustedKeyURL, when set, is fetched over HTTPS during bootstrap for
	// additional federation public keys. Fetch failures are not fatal.
	TrustedKeyURL string `yaml:"trusted_key_url"`
}

// JWTConfig holds JWT issuance configuration
type JWTConfig struct {
	Issuer     string        `yaml:"issuer"`
	Expiration time.Duration `yaml:"expiration"`
}

// CFSSLConfig holds external CA endpoints and timeouts
type CFSSLConfig struct {
	URL     string        `yaml:"url"`
	OCSPURL string        `yaml:"ocsp_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ManifestConfig holds the federation manifest location
type ManifestConfig struct {
	Path string `yaml:"path"`
}

// FanoutConfig holds product fan-out settings
type FanoutConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AnnouncerConfig holds federation registry announcement settings
type AnnouncerConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig holds request authentication settings
type AuthConfig struct {
	// MTLSHeader is the header the TLS-terminating proxy uses to pass the
	// verified client certificate DN.
	MTLSHeader string `yaml:"mtls_header"`
	// DeniedSubjects lists JWT subjects that may never authenticate directly
	// (for example federation anonymous admin sessions).
	DeniedSubjects []string `yaml:"denied_subjects"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSEnabled bool     `yaml:"cors_enabled"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Load reads and parses the configuration file, then applies environment
// variable and flag overrides and validates the result.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if flags != nil {
		flags.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8000,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "rasenmaeher.db",
			},
			Postgres: PostgresConfig{
				Port:         5432,
				SSLMode:      "prefer",
				MaxOpenConns: 10,
				MaxIdleConns: 5,
			},
		},
		Data: DataConfig{
			Root: "/data/persistent",
		},
		JWT: JWTConfig{
			Issuer:     "rasenmaeher",
			Expiration: 2 * time.Hour,
		},
		CFSSL: CFSSLConfig{
			URL:     "http://127.0.0.1:8888",
			Timeout: 2500 * time.Millisecond,
		},
		Manifest: ManifestConfig{
			Path: "/pvarki/kraftwerk-init.json",
		},
		Fanout: FanoutConfig{
			Timeout: 3 * time.Second,
		},
		Announcer: AnnouncerConfig{
			Interval: 5 * time.Minute,
		},
		Auth: AuthConfig{
			MTLSHeader: "X-ClientCert-DN",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies RM_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("RM_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("RM_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	if dbType := os.Getenv("RM_DB_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if dbPath := os.Getenv("RM_DB_SQLITE_PATH"); dbPath != "" {
		c.Database.SQLite.Path = dbPath
	}
	if pgHost := os.Getenv("RM_DB_POSTGRES_HOST"); pgHost != "" {
		c.Database.Postgres.Host = pgHost
	}
	if pgPort := os.Getenv("RM_DB_POSTGRES_PORT"); pgPort != "" {
		if p, err := strconv.Atoi(pgPort); err == nil {
			c.Database.Postgres.Port = p
		}
	}
	if pgDB := os.Getenv("RM_DB_POSTGRES_DATABASE"); pgDB != "" {
		c.Database.Postgres.Database = pgDB
	}
	if pgUser := os.Getenv("RM_DB_POSTGRES_USER"); pgUser != "" {
		c.Database.Postgres.User = pgUser
	}
	if pgPass := os.Getenv("RM_DB_POSTGRES_PASSWORD"); pgPass != "" {
		c.Database.Postgres.Password = pgPass
	}

	if root := os.Getenv("RM_DATA_ROOT"); root != "" {
		c.Data.Root = root
	}
	if pass := os.Getenv("RM_KEY_PASSPHRASE"); pass != "" {
		c.Data.KeyPassphrase = pass
	}
	if dir := os.Getenv("RM_TRUSTED_KEY_DIR"); dir != "" {
		c.Data.TrustedKeyDir = dir
	}
	if url := os.Getenv("RM_TRUSTED_KEY_URL"); url != "" {
		c.Data.TrustedKeyURL = url
	}

	if url := os.Getenv("RM_CFSSL_URL"); url != "" {
		c.CFSSL.URL = url
	}
	if url := os.Getenv("RM_OCSP_URL"); url != "" {
		c.CFSSL.OCSPURL = url
	}

	if path := os.Getenv("RM_MANIFEST_PATH"); path != "" {
		c.Manifest.Path = path
	}
	if url := os.Getenv("RM_ANNOUNCER_URL"); url != "" {
		c.Announcer.URL = url
	}

	if level := os.Getenv("RM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert or key not specified")
		}
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", c.Database.Type)
	}
	if c.Database.Type == "sqlite" && c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if c.Database.Type == "postgres" {
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}

	if c.Data.Root == "" {
		return fmt.Errorf("data root not specified")
	}
	if c.CFSSL.URL == "" {
		return fmt.Errorf("CFSSL URL not specified")
	}
	if c.CFSSL.Timeout <= 0 {
		return fmt.Errorf("CFSSL timeout must be positive")
	}
	if c.Fanout.Timeout <= 0 {
		return fmt.Errorf("fan-out timeout must be positive")
	}
	if c.Announcer.URL != "" && c.Announcer.Interval <= 0 {
		return fmt.Errorf("announcer interval must be positive when a registry URL is configured")
	}
	if c.JWT.Issuer == "" {
		return fmt.Errorf("JWT issuer not specified")
	}
	if c.JWT.Expiration <= 0 {
		return fmt.Errorf("JWT expiration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}
