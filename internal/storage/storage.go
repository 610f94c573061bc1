// Package storage persists extracted items: file exports in JSON, JSONL,
// or CSV form, or a MongoDB collection.
package storage

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/webstalk/clustermaster/internal/config"
	"github.com/webstalk/clustermaster/internal/types"
)

// Storage receives batches of processed items. Close flushes and releases
// the backend; no Store calls may follow it.
type Storage interface {
	Store(items []*types.Item) error
	Close() error
}

// Open constructs the backend named by the configuration.
func Open(cfg *config.StorageConfig, logger *slog.Logger) (Storage, error) {
	switch cfg.Type {
	case "json":
		return newJSONFile(filepath.Join(cfg.OutputPath, "items.json"), logger)
	case "jsonl":
		return newJSONLFile(filepath.Join(cfg.OutputPath, "items.jsonl"), logger)
	case "csv":
		return newCSVFile(filepath.Join(cfg.OutputPath, "items.csv"), logger)
	case "mongo":
		return NewMongoStorage(cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, logger)
	default:
		return nil, fmt.Errorf("storage type %q not supported", cfg.Type)
	}
}
