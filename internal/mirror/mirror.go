// Package mirror is a best-effort relational read-replica of job
// metadata, fed by the Observer Bus. It is never the system of
// record: record persistence and recovery go entirely through
// internal/recordstore, and a mirror failure is only ever logged.
package mirror

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"tachyondl/internal/model"
	"tachyondl/internal/observer"
)

// MirrorTask is the denormalized row upserted from a JobRecord on
// every observer event.
type MirrorTask struct {
	JobID           string  `gorm:"primaryKey" json:"job_id"`
	URL             string  `json:"url"`
	DestinationPath string  `json:"destination_path"`
	Status          string  `gorm:"index" json:"status"`
	TotalSize       int64   `json:"total_size"`
	Downloaded      int64   `json:"downloaded"`
	Progress        float64 `json:"progress"`
	Speed           float64 `json:"speed"`
	UpdatedAt       string  `json:"updated_at"`
}

func (MirrorTask) TableName() string { return "mirror_tasks" }

// DailyStat aggregates completed bytes/files per calendar day.
type DailyStat struct {
	Date  string `gorm:"primaryKey"`
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }

// AppSetting backs the Config Store's persisted overrides.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// Store wraps a gorm DB handle with the mirror's table set.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func Open(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&MirrorTask{}, &DailyStat{}, &AppSetting{}); err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) upsert(r model.JobRecord) error {
	row := MirrorTask{
		JobID:           r.JobID,
		URL:             r.FileURL,
		DestinationPath: r.DestinationPath,
		Status:          string(r.Status),
		TotalSize:       r.TotalSize,
		Downloaded:      r.DownloadedBytes,
		Progress:        r.ProgressPercent,
		Speed:           r.RealtimeSpeed,
		UpdatedAt:       time.Now().Format(time.RFC3339),
	}
	return s.db.Save(&row).Error
}

func (s *Store) recordCompletion(r model.JobRecord) error {
	today := time.Now().Format("2006-01-02")
	var stat DailyStat
	err := s.db.FirstOrCreate(&stat, DailyStat{Date: today}).Error
	if err != nil {
		return err
	}
	return s.db.Model(&DailyStat{}).Where("date = ?", today).
		Updates(map[string]interface{}{
			"bytes": gorm.Expr("bytes + ?", r.TotalSize),
			"files": gorm.Expr("files + 1"),
		}).Error
}

// GetString implements config.PersistedOverrides.
func (s *Store) GetString(key string) (string, bool) {
	var row AppSetting
	if err := s.db.First(&row, AppSetting{Key: key}).Error; err != nil {
		return "", false
	}
	return row.Value, true
}

// SetString implements config.PersistedOverrides.
func (s *Store) SetString(key, value string) error {
	return s.db.Save(&AppSetting{Key: key, Value: value}).Error
}

// Observer returns an observer.Observer that upserts into the mirror
// on every bus event. Errors are logged and never propagated, per
// spec.md's ObserverCallbackFailed / MirrorWriteFailed policy.
func (s *Store) Observer() observer.Observer {
	return observer.ObserverFunc(func(ev observer.Event) {
		if err := s.upsert(ev.Record); err != nil {
			s.logger.Error("mirror upsert failed", "job_id", ev.Record.JobID, "error", err)
			return
		}
		if ev.Kind == observer.EventJobComplete {
			if err := s.recordCompletion(ev.Record); err != nil {
				s.logger.Error("mirror daily stat update failed", "job_id", ev.Record.JobID, "error", err)
			}
		}
	})
}
