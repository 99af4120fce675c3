package connector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/config"
)

func newSQLite(t *testing.T) *SQLiteConnector {
	t.Helper()
	c, err := NewSQLiteConnector(context.Background(), &config.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "nested", "meta.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "$3", Placeholder("pgx", 3))
	assert.Equal(t, "$1", Placeholder("postgres", 1))
	assert.Equal(t, "?", Placeholder("sqlite3", 3))
	assert.Equal(t, "?", Placeholder("snowflake", 9))
}

func TestSQLiteConnector(t *testing.T) {
	c := newSQLite(t)
	require.NoError(t, c.Validate())
	assert.Equal(t, config.DriverSQLite, c.DriverName())
	assert.Equal(t, 1, GetConnectionStats(c.DB()).MaxOpenConns)

	var journal string
	require.NoError(t, c.DB().QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
}

func TestBatchInsert(t *testing.T) {
	ctx := context.Background()
	c := newSQLite(t)

	require.NoError(t, CreateTableIfNotExists(ctx, c, "manifest",
		[]string{"id TEXT NOT NULL", "category TEXT", "confidence REAL"}, "id"))
	// idempotent
	require.NoError(t, CreateTableIfNotExists(ctx, c, "manifest",
		[]string{"id TEXT NOT NULL", "category TEXT", "confidence REAL"}, "id"))

	rows := [][]interface{}{
		{"a", "polyp", 0.9},
		{"b", "ulcer", 0.5},
		{"c", "normal", 1.0},
		{"d", "polyp", 0.7},
		{"e", "polyp", 0.2},
	}
	n, err := BatchInsert(ctx, c, "manifest", []string{"id", "category", "confidence"}, rows, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	r, err := c.QueryWithTimeout(ctx, "SELECT COUNT(*) FROM manifest WHERE category = ?", time.Second, "polyp")
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Next())
	var count int
	require.NoError(t, r.Scan(&count))
	assert.Equal(t, 3, count)

	n, err = BatchInsert(ctx, c, "manifest", []string{"id"}, nil, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = BatchInsert(ctx, c, "manifest", []string{"id", "category"}, [][]interface{}{{"z"}}, 10)
	assert.Error(t, err)
}

func TestFactoryCreatesSQLiteMetadataConnector(t *testing.T) {
	cfg := &config.Config{Metadata: config.MetadataConfig{
		Driver: config.DriverSQLite,
		SQLite: &config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "m.db"), BusyTimeout: time.Second},
	}}
	f := NewConnectorFactory(cfg, zaptest.NewLogger(t))

	c, err := f.CreateMetadataConnector(context.Background())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, config.DriverSQLite, c.DriverName())

	_, err = f.CreateWarehouseConnector(context.Background())
	assert.Error(t, err)

	cfg.Metadata.Driver = "mysql"
	_, err = f.CreateMetadataConnector(context.Background())
	assert.Error(t, err)
}

func TestSnowflakeDSN(t *testing.T) {
	dsn, err := SnowflakeDSN(&config.SnowflakeConfig{
		User:          "loader",
		Password:      "pw",
		Account:       "xy12345",
		Warehouse:     "COMPUTE_WH",
		Database:      "ENDOSCOPY",
		Schema:        "PUBLIC",
		Authenticator: config.ParseAuthenticator("snowflake"),
	})
	require.NoError(t, err)
	assert.Contains(t, dsn, "loader:pw@xy12345")
	assert.Contains(t, dsn, "database=ENDOSCOPY")
	assert.Contains(t, dsn, "schema=PUBLIC")
	assert.Contains(t, dsn, "warehouse=COMPUTE_WH")
}

func TestPostgresConnectorRejectsUnknownDriver(t *testing.T) {
	_, err := NewPostgresConnector(context.Background(), "mysql", &config.PostgresConfig{})
	assert.Error(t, err)
}
