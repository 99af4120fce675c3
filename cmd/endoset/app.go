package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/config"
	"github.com/David-Botos/endo-ingress/pkg/connector"
	"github.com/David-Botos/endo-ingress/pkg/pipeline"
	"github.com/David-Botos/endo-ingress/pkg/storage"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

// app holds the collaborators shared by the commands
type app struct {
	factory  *connector.ConnectorFactory
	conn     connector.DatabaseConnector
	store    *store.SQLStore
	objects  storage.Storage
	registry *prometheus.Registry
	pipeline *pipeline.Pipeline
}

// openApp connects the metadata store and the image store and builds the
// pipeline
func openApp(ctx context.Context) (*app, error) {
	a := &app{factory: connector.NewConnectorFactory(cfg, log)}

	conn, err := a.factory.CreateMetadataConnector(ctx)
	if err != nil {
		return nil, err
	}
	a.conn = conn

	a.store, err = store.NewSQLStore(conn.DB(), conn.DriverName(), log.Named("store"))
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.store.EnsureSchema(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ensure metadata schema: %w", err)
	}

	a.objects, err = openStorage(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := pipeline.NewMetrics(a.registry, log.Named("metrics"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.FromConfig(cfg.Pipeline), a.store, a.objects, log, pipeline.WithMetrics(metrics))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return a, nil
}

// Close releases the metadata connection
func (a *app) Close() {
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			log.Warn("Failed to close metadata connection", zap.Error(err))
		}
	}
}

func openStorage(ctx context.Context, sc config.StorageConfig) (storage.Storage, error) {
	switch sc.Backend {
	case "s3":
		s3, err := storage.NewS3Storage(ctx, sc.S3, log)
		if err != nil {
			return nil, err
		}
		if err := s3.CheckBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	case "filesystem":
		return storage.NewFileStorage(sc.Directory, log)
	case "memory":
		log.Warn("Using in-memory image storage; images are lost on exit")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", sc.Backend)
	}
}

// imageRoot is the location storage keys are relative to in manifests
func imageRoot(sc config.StorageConfig) string {
	switch sc.Backend {
	case "s3":
		return "s3://" + sc.S3.Bucket + "/" + strings.TrimSuffix(sc.S3.Prefix, "/")
	case "filesystem":
		return sc.Directory
	default:
		return ""
	}
}
