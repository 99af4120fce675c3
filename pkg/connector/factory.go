// pkg/connector/factory.go
package connector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/config"
)

// ConnectorFactory creates database connectors
type ConnectorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory
func NewConnectorFactory(cfg *config.Config, logger *zap.Logger) *ConnectorFactory {
	return &ConnectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateMetadataConnector opens the metadata store database
func (f *ConnectorFactory) CreateMetadataConnector(ctx context.Context) (DatabaseConnector, error) {
	f.logger.Info("Creating metadata store connector", zap.String("driver", f.cfg.Metadata.Driver))

	switch f.cfg.Metadata.Driver {
	case config.DriverPgx, config.DriverPostgres:
		c, err := NewPostgresConnector(ctx, f.cfg.Metadata.Driver, f.cfg.Metadata.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL connector: %w", err)
		}
		return c, nil
	case config.DriverSQLite:
		c, err := NewSQLiteConnector(ctx, f.cfg.Metadata.SQLite)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite connector: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported metadata driver %q", f.cfg.Metadata.Driver)
	}
}

// CreateWarehouseConnector opens the manifest export target
func (f *ConnectorFactory) CreateWarehouseConnector(ctx context.Context) (DatabaseConnector, error) {
	w := f.cfg.Warehouse
	if !w.Enabled() {
		return nil, errors.New("no warehouse configured")
	}
	f.logger.Info("Creating warehouse connector", zap.String("driver", w.Driver))

	switch w.Driver {
	case config.DriverSnowflake:
		c, err := NewSnowflakeConnector(ctx, w.Snowflake)
		if err != nil {
			return nil, fmt.Errorf("failed to create Snowflake connector: %w", err)
		}
		return c, nil
	case config.DriverPgx, config.DriverPostgres:
		c, err := NewPostgresConnector(ctx, w.Driver, w.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL connector: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", w.Driver)
	}
}
