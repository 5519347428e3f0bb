// Package schedule arms cron triggers that submit recurring workflow
// executions to the engine.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arachne-ai/arachne/internal/platform/config"
)

// Schedule describes one recurring workflow trigger. CronExpr uses the
// six-field form with a leading seconds column; Every is the fallback for
// plain fixed intervals. Exactly one of the two must be set.
type Schedule struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	CronExpr    string                 `json:"cron_expr,omitempty"`
	Every       time.Duration          `json:"every,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	InitiatedBy string                 `json:"initiated_by,omitempty"`
	Priority    int                    `json:"priority"`
	Enabled     bool                   `json:"enabled"`

	NextRun   time.Time  `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	RunCount  int64      `json:"run_count"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FromConfig maps one configuration entry to a Schedule.
func FromConfig(sc config.ScheduleConfig) *Schedule {
	return &Schedule{
		ID:          sc.ID,
		WorkflowID:  sc.WorkflowID,
		CronExpr:    sc.Cron,
		Every:       sc.Every,
		Context:     sc.Context,
		InitiatedBy: sc.InitiatedBy,
		Priority:    sc.Priority,
		Enabled:     !sc.Disabled,
	}
}

// Repository persists schedules. The service keeps the armed set in
// memory; the repository is the durable record behind it.
type Repository interface {
	Create(ctx context.Context, s *Schedule) error
	FindByID(ctx context.Context, id string) (*Schedule, error)
	Update(ctx context.Context, s *Schedule) error
	Delete(ctx context.Context, id string) error
	ListEnabled(ctx context.Context) ([]*Schedule, error)
}

// MemoryRepository keeps schedules in process memory. It stores copies,
// so callers cannot mutate stored state through returned pointers.
type MemoryRepository struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{schedules: make(map[string]Schedule)}
}

// Create stores a new schedule.
func (r *MemoryRepository) Create(ctx context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schedules[s.ID]; exists {
		return fmt.Errorf("schedule %s already exists", s.ID)
	}
	r.schedules[s.ID] = *s
	return nil
}

// FindByID returns a copy of the schedule.
func (r *MemoryRepository) FindByID(ctx context.Context, id string) (*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	return &s, nil
}

// Update overwrites the stored schedule.
func (r *MemoryRepository) Update(ctx context.Context, s *Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[s.ID] = *s
	return nil
}

// Delete removes the schedule. Deleting an unknown ID is a no-op.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.schedules, id)
	return nil
}

// ListEnabled returns copies of every enabled schedule.
func (r *MemoryRepository) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schedule, 0, len(r.schedules))
	for _, s := range r.schedules {
		if s.Enabled {
			copied := s
			out = append(out, &copied)
		}
	}
	return out, nil
}
