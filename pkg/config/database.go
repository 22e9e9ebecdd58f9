// pkg/config/database.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
)

// PostgresConfig holds PostgreSQL connection parameters for one environment.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectionString builds a libpq-style DSN.
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadPostgresConfig loads PostgreSQL settings for a named environment from
// variables prefixed with the environment name, e.g. STAGING_PG_HOST. The
// database name may be overridden per run (--src-db / --dst-db).
func LoadPostgresConfig(env, databaseOverride string) (*PostgresConfig, error) {
	prefix := strings.ToUpper(env) + "_PG_"

	host := getEnv(prefix+"HOST", "")
	if host == "" {
		return nil, fmt.Errorf("%sHOST environment variable is required", prefix)
	}

	user := getEnv(prefix+"USER", "")
	if user == "" {
		return nil, fmt.Errorf("%sUSER environment variable is required", prefix)
	}

	database := databaseOverride
	if database == "" {
		database = getEnv(prefix+"DATABASE", "")
	}
	if database == "" {
		return nil, fmt.Errorf("%sDATABASE environment variable or --db flag is required", prefix)
	}

	cfg := &PostgresConfig{
		Host:            host,
		Port:            getEnvAsInt(prefix+"PORT", 5432),
		User:            user,
		Password:        getEnv(prefix+"PASSWORD", ""),
		Database:        database,
		SSLMode:         getEnv(prefix+"SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt(prefix+"MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt(prefix+"MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getEnvAsInt(prefix+"CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
	}

	return cfg, nil
}

// SnowflakeConfig holds Snowflake connection parameters for a read-only
// document source (cross-destination runs sourcing from a warehouse).
type SnowflakeConfig struct {
	User      string
	Password  string
	Account   string
	Warehouse string
	Database  string
	Schema    string

	QueryTimeout time.Duration
}

// LoadSnowflakeConfig loads Snowflake settings for a named environment from
// variables prefixed with the environment name, e.g. WAREHOUSE_SF_ACCOUNT.
func LoadSnowflakeConfig(env, databaseOverride string) (*SnowflakeConfig, error) {
	prefix := strings.ToUpper(env) + "_SF_"

	user := getEnv(prefix+"USER", "")
	if user == "" {
		return nil, errors.New(prefix + "USER environment variable is required")
	}

	password := getEnv(prefix+"PASSWORD", "")
	if password == "" {
		return nil, errors.New(prefix + "PASSWORD environment variable is required")
	}

	account := getEnv(prefix+"ACCOUNT", "")
	if account == "" {
		return nil, errors.New(prefix + "ACCOUNT environment variable is required")
	}

	database := databaseOverride
	if database == "" {
		database = getEnv(prefix+"DATABASE", "")
	}
	if database == "" {
		return nil, errors.New(prefix + "DATABASE environment variable or --db flag is required")
	}

	cfg := &SnowflakeConfig{
		User:         user,
		Password:     password,
		Account:      account,
		Warehouse:    getEnv(prefix+"WAREHOUSE", ""),
		Database:     database,
		Schema:       getEnv(prefix+"SCHEMA", "PUBLIC"),
		QueryTimeout: time.Duration(getEnvAsInt(prefix+"QUERY_TIMEOUT_SEC", 300)) * time.Second,
	}

	return cfg, nil
}

// DSN builds a Snowflake connection string via the official driver.
func (c *SnowflakeConfig) DSN() (string, error) {
	return gosnowflake.DSN(&gosnowflake.Config{
		User:      c.User,
		Password:  c.Password,
		Account:   c.Account,
		Warehouse: c.Warehouse,
		Database:  c.Database,
		Schema:    c.Schema,
	})
}

// DriverKind identifies which adapter an environment uses.
type DriverKind string

const (
	DriverPostgres  DriverKind = "postgres"
	DriverSnowflake DriverKind = "snowflake"
)

// EnvDriver resolves the driver for a named environment, defaulting to
// PostgreSQL.
func EnvDriver(env string) DriverKind {
	driver := getEnv(strings.ToUpper(env)+"_DRIVER", string(DriverPostgres))
	switch strings.ToLower(driver) {
	case "snowflake":
		return DriverSnowflake
	default:
		return DriverPostgres
	}
}
