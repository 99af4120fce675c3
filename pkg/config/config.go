// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/David-Botos/endo-ingress/pkg/anonymizer"
	"github.com/David-Botos/endo-ingress/pkg/split"
	"github.com/David-Botos/endo-ingress/pkg/storage"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig
	Metadata  MetadataConfig
	Storage   StorageConfig
	Warehouse WarehouseConfig
	Pipeline  PipelineConfig

	// Batch ingestion
	WorkerPoolSize int

	// Logging
	LogLevel  string
	LogFormat string
}

// ServerConfig configures the HTTP boundary
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// StorageConfig selects and configures the image byte store
type StorageConfig struct {
	Backend   string // s3, filesystem or memory
	Directory string
	S3        storage.S3Config
}

// PipelineConfig holds the ingestion pipeline settings
type PipelineConfig struct {
	TargetWidth        int
	TargetHeight       int
	JPEGQuality        int
	AnonymizationLevel anonymizer.Level
	SplitRatios        split.Ratios
	SplitSeed          int64
	AutoSplit          bool
	MaxUploadSize      int64
}

// LoadConfig loads .env files if present, then resolves configuration from
// the environment
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return loadFrom(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT_SECONDS", 30)
	v.SetDefault("SERVER_WRITE_TIMEOUT_SECONDS", 30)
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 10)

	v.SetDefault("METADATA_DRIVER", "sqlite3")
	v.SetDefault("SQLITE_PATH", "./data/endoset.db")
	v.SetDefault("SQLITE_BUSY_TIMEOUT_MS", 5000)

	v.SetDefault("STORAGE_BACKEND", "filesystem")
	v.SetDefault("STORAGE_DIR", "./data/images")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_PATH_STYLE", false)
	v.SetDefault("S3_SERVER_SIDE_ENCRYPTION", "AES256")

	v.SetDefault("WAREHOUSE_DRIVER", "")
	v.SetDefault("WAREHOUSE_TABLE", "ENDOSCOPY_MANIFEST")

	v.SetDefault("PIPELINE_TARGET_WIDTH", 896)
	v.SetDefault("PIPELINE_TARGET_HEIGHT", 896)
	v.SetDefault("PIPELINE_JPEG_QUALITY", 95)
	v.SetDefault("ANONYMIZATION_LEVEL", string(anonymizer.LevelModerate))
	v.SetDefault("SPLIT_TRAIN_RATIO", 0.8)
	v.SetDefault("SPLIT_VAL_RATIO", 0.1)
	v.SetDefault("SPLIT_TEST_RATIO", 0.1)
	v.SetDefault("SPLIT_SEED", 42)
	v.SetDefault("AUTO_SPLIT", true)
	v.SetDefault("MAX_UPLOAD_SIZE", 20*1024*1024) // 20MB

	v.SetDefault("WORKER_POOL_SIZE", 0) // 0 means use runtime.NumCPU()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.AutomaticEnv()
	return v
}

func loadFrom(v *viper.Viper) (*Config, error) {
	level, err := anonymizer.ParseLevel(v.GetString("ANONYMIZATION_LEVEL"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("SERVER_HOST"),
			Port:            v.GetString("SERVER_PORT"),
			ReadTimeout:     seconds(v, "SERVER_READ_TIMEOUT_SECONDS"),
			WriteTimeout:    seconds(v, "SERVER_WRITE_TIMEOUT_SECONDS"),
			ShutdownTimeout: seconds(v, "SERVER_SHUTDOWN_TIMEOUT_SECONDS"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(v.GetString("STORAGE_BACKEND")),
			Directory: v.GetString("STORAGE_DIR"),
			S3: storage.S3Config{
				Endpoint:             v.GetString("S3_ENDPOINT"),
				Region:               v.GetString("S3_REGION"),
				Bucket:               v.GetString("S3_BUCKET_NAME"),
				AccessKeyID:          v.GetString("S3_ACCESS_KEY_ID"),
				SecretAccessKey:      v.GetString("S3_SECRET_ACCESS_KEY"),
				UsePathStyle:         v.GetBool("S3_USE_PATH_STYLE"),
				ServerSideEncryption: v.GetString("S3_SERVER_SIDE_ENCRYPTION"),
				Prefix:               v.GetString("S3_KEY_PREFIX"),
			},
		},
		Pipeline: PipelineConfig{
			TargetWidth:        v.GetInt("PIPELINE_TARGET_WIDTH"),
			TargetHeight:       v.GetInt("PIPELINE_TARGET_HEIGHT"),
			JPEGQuality:        v.GetInt("PIPELINE_JPEG_QUALITY"),
			AnonymizationLevel: level,
			SplitRatios: split.Ratios{
				Train: v.GetFloat64("SPLIT_TRAIN_RATIO"),
				Val:   v.GetFloat64("SPLIT_VAL_RATIO"),
				Test:  v.GetFloat64("SPLIT_TEST_RATIO"),
			},
			SplitSeed:     v.GetInt64("SPLIT_SEED"),
			AutoSplit:     v.GetBool("AUTO_SPLIT"),
			MaxUploadSize: v.GetInt64("MAX_UPLOAD_SIZE"),
		},
		WorkerPoolSize: v.GetInt("WORKER_POOL_SIZE"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		LogFormat:      v.GetString("LOG_FORMAT"),
	}

	metadata, err := LoadMetadataConfig(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata store configuration: %w", err)
	}
	cfg.Metadata = metadata

	warehouse, err := LoadWarehouseConfig(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load warehouse configuration: %w", err)
	}
	cfg.Warehouse = warehouse

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}

	switch c.Metadata.Driver {
	case DriverPgx, DriverPostgres:
		if c.Metadata.Postgres == nil {
			return errors.New("postgreSQL configuration is required")
		}
	case DriverSQLite:
		if c.Metadata.SQLite == nil || c.Metadata.SQLite.Path == "" {
			return errors.New("SQLite path is required")
		}
	default:
		return fmt.Errorf("unsupported metadata driver %q", c.Metadata.Driver)
	}

	switch c.Storage.Backend {
	case "s3":
		if err := c.Storage.S3.Validate(); err != nil {
			return err
		}
	case "filesystem":
		if c.Storage.Directory == "" {
			return errors.New("storage directory is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	p := c.Pipeline
	if p.TargetWidth <= 0 || p.TargetHeight <= 0 {
		return errors.New("target dimensions must be positive")
	}
	if p.JPEGQuality < 1 || p.JPEGQuality > 100 {
		return errors.New("JPEG quality must be within [1,100]")
	}
	if err := p.SplitRatios.Validate(); err != nil {
		return err
	}
	if p.MaxUploadSize <= 0 {
		return errors.New("max upload size must be positive")
	}

	if c.WorkerPoolSize < 0 {
		return errors.New("worker pool size cannot be negative")
	}

	return nil
}

// Workers returns the effective batch worker count
func (c *Config) Workers() int {
	if c.WorkerPoolSize > 0 {
		return c.WorkerPoolSize
	}
	return runtime.NumCPU()
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}
