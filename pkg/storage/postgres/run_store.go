package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"peerelect/pkg/models"
	"peerelect/pkg/storage"
)

type RunStore struct {
	db *gorm.DB
}

var _ storage.RunStore = (*RunStore)(nil)

// NewRunStore opens a GORM connection and migrates the run table.
func NewRunStore(connString string) (*RunStore, error) {
	db, err := gorm.Open(postgres.Open(connString), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewRunStoreFromDB(db)
}

// NewRunStoreFromDB wraps an existing connection, tuning its pool and
// migrating the schema.
func NewRunStoreFromDB(db *gorm.DB) (*RunStore, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.DutyRun{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	return &RunStore{db: db}, nil
}

func (s *RunStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun persists a new run.
func (s *RunStore) CreateRun(ctx context.Context, run *models.DutyRun) error {
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	result := s.db.WithContext(ctx).Create(run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return storage.ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", result.Error)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (s *RunStore) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, exitCode int, outputURI string, completedAt time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.DutyRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"exit_code":    exitCode,
			"output_uri":   outputURI,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to finish run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (*models.DutyRun, error) {
	var run models.DutyRun
	result := s.db.WithContext(ctx).First(&run, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &run, nil
}

// ListRuns returns the newest runs of duty.
func (s *RunStore) ListRuns(ctx context.Context, duty string, limit int) ([]models.DutyRun, error) {
	var runs []models.DutyRun
	query := s.db.WithContext(ctx).
		Where("duty = ?", duty).
		Order("started_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
