package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snowflakedb/gosnowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/David-Botos/endo-ingress/pkg/anonymizer"
	"github.com/David-Botos/endo-ingress/pkg/split"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DriverSQLite, cfg.Metadata.Driver)
	require.NotNil(t, cfg.Metadata.SQLite)
	assert.Equal(t, "./data/endoset.db", cfg.Metadata.SQLite.Path)
	assert.Equal(t, "filesystem", cfg.Storage.Backend)
	assert.Equal(t, "AES256", cfg.Storage.S3.ServerSideEncryption)
	assert.False(t, cfg.Warehouse.Enabled())

	assert.Equal(t, 896, cfg.Pipeline.TargetWidth)
	assert.Equal(t, 95, cfg.Pipeline.JPEGQuality)
	assert.Equal(t, anonymizer.LevelModerate, cfg.Pipeline.AnonymizationLevel)
	assert.Equal(t, split.DefaultRatios(), cfg.Pipeline.SplitRatios)
	assert.True(t, cfg.Pipeline.AutoSplit)
	assert.Greater(t, cfg.Workers(), 0)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("METADATA_DRIVER", "pgx")
	t.Setenv("POSTGRES_USER", "endo")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "dataset")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("STORAGE_BACKEND", "S3")
	t.Setenv("S3_BUCKET_NAME", "endoscopy-images")
	t.Setenv("S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("S3_USE_PATH_STYLE", "true")
	t.Setenv("ANONYMIZATION_LEVEL", "strict")
	t.Setenv("SPLIT_TRAIN_RATIO", "0.7")
	t.Setenv("SPLIT_VAL_RATIO", "0.2")
	t.Setenv("AUTO_SPLIT", "false")
	t.Setenv("WORKER_POOL_SIZE", "3")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.NotNil(t, cfg.Metadata.Postgres)
	assert.Equal(t, 6543, cfg.Metadata.Postgres.Port)
	assert.Equal(t, 25, cfg.Metadata.Postgres.MaxOpenConns)
	assert.Equal(t,
		"host=localhost port=6543 user=endo password=secret dbname=dataset sslmode=disable",
		cfg.Metadata.Postgres.ConnectionString())

	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.Equal(t, anonymizer.LevelStrict, cfg.Pipeline.AnonymizationLevel)
	assert.InDelta(t, 0.7, cfg.Pipeline.SplitRatios.Train, 1e-9)
	assert.False(t, cfg.Pipeline.AutoSplit)
	assert.Equal(t, 3, cfg.Workers())
}

func TestLoadConfigErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"postgres without credentials": {"METADATA_DRIVER": "postgres"},
		"unknown driver":               {"METADATA_DRIVER": "mysql"},
		"unknown backend":              {"STORAGE_BACKEND": "ftp"},
		"s3 without bucket":            {"STORAGE_BACKEND": "s3"},
		"ratios not summing to one":    {"SPLIT_TRAIN_RATIO": "0.9"},
		"bad level":                    {"ANONYMIZATION_LEVEL": "paranoid"},
		"bad quality":                  {"PIPELINE_JPEG_QUALITY": "0"},
		"snowflake without account":    {"WAREHOUSE_DRIVER": "snowflake", "SNOWFLAKE_USER": "u"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_PORT=9191\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SERVER_PORT") })

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestSnowflakeWarehouse(t *testing.T) {
	t.Setenv("WAREHOUSE_DRIVER", "snowflake")
	t.Setenv("SNOWFLAKE_USER", "loader")
	t.Setenv("SNOWFLAKE_PASSWORD", "pw")
	t.Setenv("SNOWFLAKE_ACCOUNT", "xy12345")
	t.Setenv("SNOWFLAKE_WAREHOUSE", "COMPUTE_WH")
	t.Setenv("SNOWFLAKE_ROLE", "LOADER")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, cfg.Warehouse.Enabled())
	require.NotNil(t, cfg.Warehouse.Snowflake)

	assert.Equal(t,
		"loader:pw@xy12345/ENDOSCOPY/PUBLIC?warehouse=COMPUTE_WH&authenticator=SNOWFLAKE&role=LOADER",
		cfg.Warehouse.Snowflake.ConnectionString())
}

func TestParseAuthenticator(t *testing.T) {
	assert.Equal(t, gosnowflake.AuthTypeJwt, ParseAuthenticator("JWT"))
	assert.Equal(t, gosnowflake.AuthTypeOAuth, ParseAuthenticator("oauth"))
	assert.Equal(t, gosnowflake.AuthTypeSnowflake, ParseAuthenticator("whatever"))
}

func TestSQLiteConnectionString(t *testing.T) {
	c := &SQLiteConfig{Path: "/var/lib/endo.db", BusyTimeout: 5 * time.Second}
	assert.Equal(t, "file:/var/lib/endo.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", c.ConnectionString())
	assert.Contains(t, (&SQLiteConfig{Path: ":memory:"}).ConnectionString(), "memory")
}
