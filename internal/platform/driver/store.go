package driver

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"secure-storage/internal/platform/config"
	"secure-storage/internal/platform/logger"
	"secure-storage/internal/storage/protected"
)

// Store 已開啟的受保護存儲及其底層連線
type Store struct {
	protected.Store
	Driver string
	// Mongo 僅在 driver 為 mongo 時有值，供審計 sink 共用
	Mongo *mongo.Database

	close func() error
}

// Close 釋放底層連線
func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStore 依配置建立受保護存儲 (memory|sqlite|mongo).
func OpenStore(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	switch cfg.Driver {
	case "memory":
		return &Store{Store: protected.NewMemoryStore(), Driver: cfg.Driver}, nil

	case "sqlite":
		db, err := OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		s, err := protected.NewSQLiteStore(db)
		if err != nil {
			_ = CloseSQLite(db)
			return nil, err
		}
		logger.Infof(ctx, "protected store opened: sqlite %s", cfg.SQLite.Path)
		return &Store{Store: s, Driver: cfg.Driver, close: func() error { return CloseSQLite(db) }}, nil

	case "mongo":
		db, err := ConnectMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		s, err := protected.NewMongoStore(ctx, db)
		if err != nil {
			_ = CloseMongo(db)
			return nil, err
		}
		logger.Infof(ctx, "protected store opened: mongo %s", cfg.Mongo.Database)
		return &Store{Store: s, Driver: cfg.Driver, Mongo: db, close: func() error { return CloseMongo(db) }}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
