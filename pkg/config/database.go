// pkg/config/database.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"github.com/spf13/viper"
)

// Driver names as registered with database/sql
const (
	DriverPgx       = "pgx"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite3"
	DriverSnowflake = "snowflake"
)

// MetadataConfig selects the metadata store backend
type MetadataConfig struct {
	Driver   string
	Postgres *PostgresConfig
	SQLite   *SQLiteConfig
}

// WarehouseConfig configures the optional manifest export target.
// An empty Driver disables the export.
type WarehouseConfig struct {
	Driver    string
	Table     string
	Snowflake *SnowflakeConfig
	Postgres  *PostgresConfig
}

// Enabled reports whether a warehouse is configured
func (w WarehouseConfig) Enabled() bool {
	return w.Driver != ""
}

// SnowflakeConfig holds Snowflake connection parameters
type SnowflakeConfig struct {
	User          string
	Password      string
	Account       string
	Warehouse     string
	Database      string // Default: ENDOSCOPY
	Schema        string // Default: PUBLIC
	Role          string
	Authenticator gosnowflake.AuthType

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeout
	QueryTimeout time.Duration
}

// PostgresConfig holds PostgreSQL connection parameters
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
	ConnMaxIdleTime time.Duration

	// Statement timeout
	StatementTimeout time.Duration
}

// SQLiteConfig holds the local metadata database settings
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// LoadMetadataConfig loads the metadata store configuration
func LoadMetadataConfig(v *viper.Viper) (MetadataConfig, error) {
	cfg := MetadataConfig{Driver: strings.ToLower(v.GetString("METADATA_DRIVER"))}

	switch cfg.Driver {
	case DriverPgx, DriverPostgres:
		pg, err := LoadPostgresConfig(v, "POSTGRES")
		if err != nil {
			return MetadataConfig{}, err
		}
		cfg.Postgres = pg
	case DriverSQLite:
		cfg.SQLite = &SQLiteConfig{
			Path:        v.GetString("SQLITE_PATH"),
			BusyTimeout: time.Duration(v.GetInt("SQLITE_BUSY_TIMEOUT_MS")) * time.Millisecond,
		}
	default:
		return MetadataConfig{}, fmt.Errorf("unsupported metadata driver %q", cfg.Driver)
	}

	return cfg, nil
}

// LoadWarehouseConfig loads the export target configuration
func LoadWarehouseConfig(v *viper.Viper) (WarehouseConfig, error) {
	cfg := WarehouseConfig{
		Driver: strings.ToLower(v.GetString("WAREHOUSE_DRIVER")),
		Table:  v.GetString("WAREHOUSE_TABLE"),
	}

	switch cfg.Driver {
	case "":
	case DriverSnowflake:
		sf, err := LoadSnowflakeConfig(v)
		if err != nil {
			return WarehouseConfig{}, err
		}
		cfg.Snowflake = sf
	case DriverPgx, DriverPostgres:
		pg, err := LoadPostgresConfig(v, "WAREHOUSE_POSTGRES")
		if err != nil {
			return WarehouseConfig{}, err
		}
		cfg.Postgres = pg
	default:
		return WarehouseConfig{}, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}

	return cfg, nil
}

// LoadSnowflakeConfig loads Snowflake configuration from environment variables
func LoadSnowflakeConfig(v *viper.Viper) (*SnowflakeConfig, error) {
	user := v.GetString("SNOWFLAKE_USER")
	if user == "" {
		return nil, errors.New("SNOWFLAKE_USER environment variable is required")
	}

	account := v.GetString("SNOWFLAKE_ACCOUNT")
	if account == "" {
		return nil, errors.New("SNOWFLAKE_ACCOUNT environment variable is required")
	}

	warehouse := v.GetString("SNOWFLAKE_WAREHOUSE")
	if warehouse == "" {
		return nil, errors.New("SNOWFLAKE_WAREHOUSE environment variable is required")
	}

	authenticator := ParseAuthenticator(v.GetString("SNOWFLAKE_AUTHENTICATOR"))

	password := v.GetString("SNOWFLAKE_PASSWORD")
	if password == "" && authenticator == gosnowflake.AuthTypeSnowflake {
		return nil, errors.New("SNOWFLAKE_PASSWORD environment variable is required")
	}

	cfg := &SnowflakeConfig{
		User:          user,
		Password:      password,
		Account:       account,
		Warehouse:     warehouse,
		Database:      getString(v, "SNOWFLAKE_DATABASE", "ENDOSCOPY"),
		Schema:        getString(v, "SNOWFLAKE_SCHEMA", "PUBLIC"),
		Role:          v.GetString("SNOWFLAKE_ROLE"),
		Authenticator: authenticator,

		MaxOpenConns:    getInt(v, "SNOWFLAKE_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getInt(v, "SNOWFLAKE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: time.Duration(getInt(v, "SNOWFLAKE_CONN_MAX_LIFETIME_SECONDS", 600)) * time.Second,
		ConnMaxIdleTime: time.Duration(getInt(v, "SNOWFLAKE_CONN_MAX_IDLE_TIME_SECONDS", 300)) * time.Second,
		QueryTimeout:    time.Duration(getInt(v, "SNOWFLAKE_QUERY_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	return cfg, nil
}

// ParseAuthenticator converts an authenticator name to its gosnowflake type.
// Unknown names fall back to username/password.
func ParseAuthenticator(s string) gosnowflake.AuthType {
	switch strings.ToLower(s) {
	case "oauth":
		return gosnowflake.AuthTypeOAuth
	case "externalbrowser":
		return gosnowflake.AuthTypeExternalBrowser
	case "username_password_mfa":
		return gosnowflake.AuthTypeUsernamePasswordMFA
	case "jwt":
		return gosnowflake.AuthTypeJwt
	case "token":
		return gosnowflake.AuthTypeTokenAccessor
	case "okta":
		return gosnowflake.AuthTypeOkta
	default:
		return gosnowflake.AuthTypeSnowflake
	}
}

// LoadPostgresConfig loads PostgreSQL configuration from variables sharing
// prefix, e.g. POSTGRES_USER
func LoadPostgresConfig(v *viper.Viper, prefix string) (*PostgresConfig, error) {
	key := func(name string) string { return prefix + "_" + name }

	user := v.GetString(key("USER"))
	if user == "" {
		return nil, fmt.Errorf("%s environment variable is required", key("USER"))
	}

	password := v.GetString(key("PASSWORD"))
	if password == "" {
		return nil, fmt.Errorf("%s environment variable is required", key("PASSWORD"))
	}

	database := v.GetString(key("DB"))
	if database == "" {
		return nil, fmt.Errorf("%s environment variable is required", key("DB"))
	}

	cfg := &PostgresConfig{
		Host:     getString(v, key("HOST"), "localhost"),
		Port:     getInt(v, key("PORT"), 5432),
		User:     user,
		Password: password,
		Database: database,
		SSLMode:  getString(v, key("SSLMODE"), "disable"),

		MaxOpenConns:     getInt(v, key("MAX_OPEN_CONNS"), 25),
		MaxIdleConns:     getInt(v, key("MAX_IDLE_CONNS"), 10),
		ConnMaxLifetime:  time.Duration(getInt(v, key("CONN_MAX_LIFETIME_SECONDS"), 1800)) * time.Second,
		ConnMaxIdleTime:  time.Duration(getInt(v, key("CONN_MAX_IDLE_TIME_SECONDS"), 600)) * time.Second,
		StatementTimeout: time.Duration(getInt(v, key("STATEMENT_TIMEOUT_SECONDS"), 300)) * time.Second,
	}

	return cfg, nil
}

// ConnectionString returns a formatted Snowflake DSN
func (c *SnowflakeConfig) ConnectionString() string {
	dsn := fmt.Sprintf("%s:%s@%s/%s/%s?warehouse=%s&authenticator=%s",
		c.User,
		c.Password,
		c.Account,
		c.Database,
		c.Schema,
		c.Warehouse,
		c.Authenticator,
	)

	if c.Role != "" {
		dsn += "&role=" + c.Role
	}

	return dsn
}

// ConnectionString returns a formatted PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// ConnectionString returns the go-sqlite3 DSN with WAL and a busy timeout
func (c *SQLiteConfig) ConnectionString() string {
	if c.Path == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		c.Path, c.BusyTimeout.Milliseconds())
}

// Helpers for keys without a registered default
func getString(v *viper.Viper, key, defaultValue string) string {
	if s := v.GetString(key); s != "" {
		return s
	}
	return defaultValue
}

func getInt(v *viper.Viper, key string, defaultValue int) int {
	if !v.IsSet(key) || v.GetString(key) == "" {
		return defaultValue
	}
	return v.GetInt(key)
}
