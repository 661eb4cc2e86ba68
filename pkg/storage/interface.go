package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"peerelect/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// RunStore is the data access layer for duty run history.
type RunStore interface {
	// CreateRun persists a new RUNNING run, assigning its ID if unset.
	CreateRun(ctx context.Context, run *models.DutyRun) error

	// FinishRun records the terminal status of a run.
	FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, exitCode int, outputURI string, completedAt time.Time) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id uuid.UUID) (*models.DutyRun, error)

	// ListRuns returns the most recent runs of duty, newest first.
	ListRuns(ctx context.Context, duty string, limit int) ([]models.DutyRun, error)
}

// OutputStore keeps the captured output of duty runs.
type OutputStore interface {
	// Store saves output and returns a reference path/URL
	Store(ctx context.Context, runID string, output []byte) (string, error)
	// Retrieve fetches output by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}
