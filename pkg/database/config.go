package database

import (
	"fmt"
	"time"

	"github.com/flightline/fleet/pkg/config"
)

// Dialect selects the backing store.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds store configuration for either dialect.
type Config struct {
	Dialect Dialect

	// SQLite.
	Path string

	// PostgreSQL.
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// FromAppConfig derives the store configuration from the server config.
// The embedded sqlite file is the default; setting DB_HOST switches to the
// externalized postgres store.
func FromAppConfig(c *config.Config) Config {
	if c.UseExternalStore() {
		return Config{
			Dialect:         DialectPostgres,
			Host:            c.DBHost,
			Port:            c.DBPort,
			User:            c.DBUser,
			Password:        c.DBPassword,
			Database:        c.DBName,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		}
	}
	return Config{
		Dialect:      DialectSQLite,
		Path:         c.DBPath,
		MaxOpenConns: 4,
		MaxIdleConns: 4,
	}
}

// DSN builds the driver connection string.
func (c Config) DSN() string {
	switch c.Dialect {
	case DialectPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
		)
	default:
		if c.Path == ":memory:" {
			// Callers must cap the pool at one connection, each connection
			// would otherwise get its own empty database.
			return "file::memory:?_txlock=immediate"
		}
		return "file:" + c.Path +
			"?_txlock=immediate" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=busy_timeout(5000)" +
			"&_pragma=foreign_keys(1)" +
			"&_pragma=synchronous(NORMAL)"
	}
}
