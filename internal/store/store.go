// Package store is the durable room storage the engine hydrates from and
// flushes snapshots to.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"codecollab/internal/models"
)

var ErrNotFound = errors.New("room not found")

// Repository is the durable-storage collaborator.
type Repository interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	SaveSnapshot(ctx context.Context, id, content string) error
	UpdateRoom(ctx context.Context, id string, patch models.RoomPatch) error
}

type Config struct {
	Driver          string // mongo, postgres or sqlite
	MongoURI        string
	MongoDB         string
	MongoCollection string
	DatabaseURL     string // postgres DSN or sqlite file
}

// Open connects the configured backend. The returned func releases it.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Repository, func() error, error) {
	switch cfg.Driver {
	case "", "mongo":
		client, err := NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		repo := NewMongoRepository(client.Collection(cfg.MongoDB, cfg.MongoCollection))
		log.Info("room store ready", zap.String("driver", "mongo"), zap.String("db", cfg.MongoDB))
		return repo, func() error { return client.Disconnect(context.Background()) }, nil
	case "postgres", "sqlite":
		repo, err := OpenSQL(cfg.Driver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("room store ready", zap.String("driver", cfg.Driver))
		return repo, repo.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
