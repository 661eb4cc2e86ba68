package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerelect/pkg/models"
)

// MemoryRunStore keeps run history in process; used when no database is
// configured. History is lost on restart.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.DutyRun
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[uuid.UUID]models.DutyRun)}
}

func (m *MemoryRunStore) CreateRun(ctx context.Context, run *models.DutyRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if _, exists := m.runs[run.ID]; exists {
		return ErrConflict
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRunStore) FinishRun(ctx context.Context, id uuid.UUID, status models.RunStatus, exitCode int, outputURI string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.OutputURI = outputURI
	run.CompletedAt = &completedAt
	m.runs[id] = run
	return nil
}

func (m *MemoryRunStore) GetRun(ctx context.Context, id uuid.UUID) (*models.DutyRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *MemoryRunStore) ListRuns(ctx context.Context, duty string, limit int) ([]models.DutyRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var runs []models.DutyRun
	for _, run := range m.runs {
		if run.Duty == duty {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
