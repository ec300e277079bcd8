package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// New initializes the SQLite database under dataDir.
func New(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "bookhound.db")

	// Pure Go sqlite, no CGO
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&TaskRecord{}, &AppSetting{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============= Task History =============

// SaveRecord upserts a terminal task record.
func (s *Storage) SaveRecord(rec TaskRecord) error {
	if rec.FinishedAt == "" {
		rec.FinishedAt = time.Now().Format(time.RFC3339)
	}
	return s.DB.Save(&rec).Error
}

// GetRecord retrieves a history row by task id.
func (s *Storage) GetRecord(taskID string) (TaskRecord, error) {
	var rec TaskRecord
	err := s.DB.First(&rec, "task_id = ?", taskID).Error
	return rec, err
}

// GetRecords returns history rows, newest first.
func (s *Storage) GetRecords(limit int) ([]TaskRecord, error) {
	var recs []TaskRecord
	query := s.DB.Order("finished_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&recs).Error
	return recs, err
}

// ============= App Settings =============

// GetString retrieves a string setting by key
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetString stores a string setting
func (s *Storage) SetString(key, value string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&AppSetting{Key: key, Value: value}).Error
}

// AllSettings returns every stored key/value pair.
func (s *Storage) AllSettings() (map[string]string, error) {
	var settings []AppSetting
	if err := s.DB.Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, st := range settings {
		out[st.Key] = st.Value
	}
	return out, nil
}

// GetStringList retrieves a comma-separated list as slice
func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return []string{}, err
	}
	var result []string
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result, nil
}

// SetStringList stores a slice as comma-separated string
func (s *Storage) SetStringList(key string, list []string) error {
	return s.SetString(key, strings.Join(list, ","))
}
