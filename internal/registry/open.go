package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

// Open builds the backend named by cfg and loads the registry from it.
func Open(ctx context.Context, cfg config.RegistryConfig, logger *zap.Logger) (*Registry, error) {
	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r, err := New(ctx, backend, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return r, nil
}

// NewBackend returns the storage backend for cfg.Backend.
func NewBackend(ctx context.Context, cfg config.RegistryConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewFileBackend(path)
	case "sqlite":
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteBackend(path)
	case "redis":
		return NewRedisBackend(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword.Value(),
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported registry backend %q", cfg.Backend)
	}
}
