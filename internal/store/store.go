package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	databaseFile = "backchannel.db"
	sentinelFile = "backchannel.sync"
)

var errMissingDataDir = errors.New("data directory is required")

// Record is one namespaced key with a JSON-serialized value. All local
// persisted state (message caches, outboxes, accepted rooms, profile keys)
// lives in this table; the schema never interprets the payload.
type Record struct {
	Key       string    `gorm:"column:key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing persisted records.
func (Record) TableName() string {
	return "storage_records"
}

// SyncNotice is the payload written to the sentinel file on every save so
// sibling processes sharing the data directory can re-read the store.
// Origin lets a watcher skip notifications it produced itself.
type SyncNotice struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
	TS     int64  `json:"ts"`
}

// Store is the durable same-origin storage shared by every process pointed
// at one data directory. Writers use read-modify-write without locking and
// tolerate lost updates; the reconciler converges on the next poll cycle.
type Store struct {
	db       *gorm.DB
	logger   *zap.Logger
	sentinel string
	origin   string
}

// Open establishes the SQLite-backed store under dir and performs schema
// migration.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errMissingDataDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, databaseFile)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, err
	}

	logger.Info("store initialized", zap.String("dir", dir))
	return &Store{
		db:       db,
		logger:   logger,
		sentinel: filepath.Join(dir, sentinelFile),
		origin:   uuid.NewString(),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SentinelPath is the file bumped on every save, for storage-change
// watchers.
func (s *Store) SentinelPath() string {
	return s.sentinel
}

// Origin identifies this store instance in sync notices.
func (s *Store) Origin() string {
	return s.origin
}

// Load decodes the JSON value stored under key into out. A missing record or
// corrupt payload yields false and leaves out untouched; it is never fatal.
func (s *Store) Load(key string, out any) bool {
	var record Record
	err := s.db.First(&record, "key = ?", key).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("store read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(record.Value), out); err != nil {
		s.logger.Warn("corrupt record treated as empty", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Save JSON-serializes value under key and bumps the sentinel so sibling
// processes re-read.
func (s *Store) Save(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record := Record{Key: key, Value: string(encoded), UpdatedAt: time.Now()}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error; err != nil {
		return err
	}
	s.bumpSentinel(key)
	return nil
}

// Delete removes the record stored under key.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete(&Record{}, "key = ?", key).Error; err != nil {
		return err
	}
	s.bumpSentinel(key)
	return nil
}

func (s *Store) bumpSentinel(key string) {
	notice := SyncNotice{Key: key, Origin: s.origin, TS: time.Now().UnixMilli()}
	encoded, err := json.Marshal(notice)
	if err != nil {
		return
	}
	if err := os.WriteFile(s.sentinel, encoded, 0o644); err != nil {
		s.logger.Debug("sentinel write failed", zap.Error(err))
	}
}

// ReadSentinel parses the sentinel file at path. Corrupt or missing content
// yields false.
func ReadSentinel(path string) (SyncNotice, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return SyncNotice{}, false
	}
	var notice SyncNotice
	if err := json.Unmarshal(raw, &notice); err != nil {
		return SyncNotice{}, false
	}
	return notice, true
}
