// Package storage is the dskit module that owns the process's two stores:
// the sqlite relational database and the pebble snapshot store. Everything
// else receives handles from here and never opens files itself.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/grafana/dskit/services"

	"github.com/otelgrid/otelgrid/pkg/storage"
	otelpebble "github.com/otelgrid/otelgrid/pkg/storage/pebble"
	"github.com/otelgrid/otelgrid/pkg/store"
)

type StorageService struct {
	services.Service

	logger *slog.Logger
	kvDB   *pebble.DB
	broker storage.KVBroker
	db     *store.Store
}

var _ storage.KVBroker = (*StorageService)(nil)

func NewStorageService(logger *slog.Logger, dataDir, sqlitePath string) (*StorageService, error) {
	kvDB, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		return nil, err
	}

	// Snapshots and rows move in lockstep per agent; a single connection
	// sidesteps sqlite's multi-writer locking instead of retrying on busy.
	sqlDB, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		_ = kvDB.Close()
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	db, err := store.New(logger.With("component", "store"), sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		_ = kvDB.Close()
		return nil, err
	}

	s := &StorageService{
		logger: logger,
		kvDB:   kvDB,
		broker: otelpebble.NewKVBroker(kvDB),
		db:     db,
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

func (s *StorageService) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *StorageService) stopping(_ error) error {
	return errors.Join(s.db.Close(), s.kvDB.Close())
}

func (s *StorageService) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}

// Store is the relational side: agents, deployments, tokens, requests.
func (s *StorageService) Store() *store.Store {
	return s.db
}
