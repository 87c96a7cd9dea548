package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds all command line flag values
type Flags struct {
	configFile *string
	version    *bool

	serverPort *int
	serverHost *string

	dbType             *string
	dbSQLitePath       *string
	dbPostgresHost     *string
	dbPostgresPort     *int
	dbPostgresDatabase *string
	dbPostgresUser     *string
	dbPostgresPassword *string

	dataRoot      *string
	trustedKeyDir *string
	trustedKeyURL *string

	cfsslURL     *string
	ocspURL      *string
	cfsslTimeout *time.Duration

	manifestPath *string
	announcerURL *string

	logLevel  *string
	logFormat *string
}

// ParseFlags defines and parses all command line flags. It returns the parsed
// flags, the config file path, and whether the version flag was given.
func ParseFlags() (*Flags, string, bool) {
	f := &Flags{}

	f.configFile = flag.StringP("config", "c", "", "Path to configuration file")
	f.version = flag.BoolP("version", "v", false, "Print version and exit")

	f.serverPort = flag.Int("server.port", 0, "HTTP server port")
	f.serverHost = flag.String("server.host", "", "HTTP server bind address")

	f.dbType = flag.String("db.type", "", "Database type (sqlite or postgres)")
	f.dbSQLitePath = flag.String("db.sqlite.path", "", "SQLite database file path")
	f.dbPostgresHost = flag.String("db.postgres.host", "", "PostgreSQL host")
	f.dbPostgresPort = flag.Int("db.postgres.port", 0, "PostgreSQL port")
	f.dbPostgresDatabase = flag.String("db.postgres.database", "", "PostgreSQL database name")
	f.dbPostgresUser = flag.String("db.postgres.user", "", "PostgreSQL user")
	f.dbPostgresPassword = flag.String("db.postgres.password", "", "PostgreSQL password")

	f.dataRoot = flag.String("data.root", "", "Data directory for key material")
	f.trustedKeyDir = flag.String("data.trusted-key-dir", "", "Mounted directory of federation public keys")
	f.trustedKeyURL = flag.String("data.trusted-key-url", "", "HTTPS URL for additional federation public keys")

	f.cfsslURL = flag.String("cfssl.url", "", "CFSSL base URL")
	f.ocspURL = flag.String("cfssl.ocsp-url", "", "OCSP refresh endpoint base URL")
	f.cfsslTimeout = flag.Duration("cfssl.timeout", 0, "CFSSL request timeout")

	f.manifestPath = flag.String("manifest.path", "", "Federation manifest path")
	f.announcerURL = flag.String("announcer.url", "", "Federation registry URL")

	f.logLevel = flag.String("log.level", "", "Log level (debug, info, warn, error)")
	f.logFormat = flag.String("log.format", "", "Log format (json or console)")

	flag.Parse()

	return f, *f.configFile, *f.version
}

// Apply overrides cfg with any flags that were explicitly set.
func (f *Flags) Apply(cfg *Config) {
	if *f.serverPort != 0 {
		cfg.Server.Port = *f.serverPort
	}
	if *f.serverHost != "" {
		cfg.Server.Host = *f.serverHost
	}

	if *f.dbType != "" {
		cfg.Database.Type = *f.dbType
	}
	if *f.dbSQLitePath != "" {
		cfg.Database.SQLite.Path = *f.dbSQLitePath
	}
	if *f.dbPostgresHost != "" {
		cfg.Database.Postgres.Host = *f.dbPostgresHost
	}
	if *f.dbPostgresPort != 0 {
		cfg.Database.Postgres.Port = *f.dbPostgresPort
	}
	if *f.dbPostgresDatabase != "" {
		cfg.Database.Postgres.Database = *f.dbPostgresDatabase
	}
	if *f.dbPostgresUser != "" {
		cfg.Database.Postgres.User = *f.dbPostgresUser
	}
	if *f.dbPostgresPassword != "" {
		cfg.Database.Postgres.Password = *f.dbPostgresPassword
	}

	if *f.dataRoot != "" {
		cfg.Data.Root = *f.dataRoot
	}
	if *f.trustedKeyDir != "" {
		cfg.Data.TrustedKeyDir = *f.trustedKeyDir
	}
	if *f.trustedKeyURL != "" {
		cfg.Data.TrustedKeyURL = *f.trustedKeyURL
	}

	if *f.cfsslURL != "" {
		cfg.CFSSL.URL = *f.cfsslURL
	}
	if *f.ocspURL != "" {
		cfg.CFSSL.OCSPURL = *f.ocspURL
	}
	if *f.cfsslTimeout != 0 {
		cfg.CFSSL.Timeout = *f.cfsslTimeout
	}

	if *f.manifestPath != "" {
		cfg.Manifest.Path = *f.manifestPath
	}
	if *f.announcerURL != "" {
		cfg.Announcer.URL = *f.announcerURL
	}

	if *f.logLevel != "" {
		cfg.Logging.Level = *f.logLevel
	}
	if *f.logFormat != "" {
		cfg.Logging.Format = *f.logFormat
	}
}
