package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/config"
	"github.com/David-Botos/endo-ingress/pkg/storage"
)

func TestImageRoot(t *testing.T) {
	s3 := config.StorageConfig{Backend: "s3", S3: storage.S3Config{Bucket: "endo", Prefix: "v1/"}}
	assert.Equal(t, "s3://endo/v1", imageRoot(s3))
	assert.Equal(t, "/data/images", imageRoot(config.StorageConfig{Backend: "filesystem", Directory: "/data/images"}))
	assert.Empty(t, imageRoot(config.StorageConfig{Backend: "memory"}))
}

func TestOpenStorage(t *testing.T) {
	log = zaptest.NewLogger(t)
	ctx := context.Background()

	s, err := openStorage(ctx, config.StorageConfig{Backend: "filesystem", Directory: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStorage{}, s)

	s, err = openStorage(ctx, config.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, s)

	_, err = openStorage(ctx, config.StorageConfig{Backend: "tape"})
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "reassign", "export", "verify", "migrate"} {
		assert.True(t, names[want], want)
	}
}
