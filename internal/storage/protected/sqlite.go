package protected

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// itemRecord protected_items 資料表
type itemRecord struct {
	Key       string `gorm:"column:item_key;primaryKey;size:256"`
	Value     []byte `gorm:"column:item_value"`
	UpdatedAt time.Time
}

func (itemRecord) TableName() string { return "protected_items" }

// SQLiteStore 以 gorm + SQLite 實作的持久化存儲，寫入由互斥鎖串行化
type SQLiteStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewSQLiteStore 建立存儲並執行資料表遷移
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&itemRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate protected_items: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return wrap("put", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := itemRecord{Key: key, Value: cloneBytes(value), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_value", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return wrap("put", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, wrap("get", key, err)
	}

	var rec itemRecord
	err := s.db.WithContext(ctx).Where("item_key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, wrap("get", key, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return rec.Value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return wrap("delete", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.WithContext(ctx).Where("item_key = ?", key).Delete(&itemRecord{}).Error; err != nil {
		return wrap("delete", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, wrap("exists", key, err)
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&itemRecord{}).Where("item_key = ?", key).Count(&n).Error; err != nil {
		return false, wrap("exists", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return n > 0, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, wrap("keys", prefix, err)
	}

	// '_' 在 LIKE 中是萬用字元，改用 substr 比對前綴
	q := s.db.WithContext(ctx).Model(&itemRecord{})
	if prefix != "" {
		q = q.Where("substr(item_key, 1, ?) = ?", len(prefix), prefix)
	}

	var keys []string
	if err := q.Order("item_key").Pluck("item_key", &keys).Error; err != nil {
		return nil, wrap("keys", prefix, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return keys, nil
}
