package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/arachne-ai/arachne/internal/platform/logger"
	"github.com/arachne-ai/arachne/internal/platform/metrics"
	"github.com/arachne-ai/arachne/internal/shared/events"
)

// Runner submits workflow executions. The engine satisfies this.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}, initiatedBy string, priority int) (string, error)
}

// EventSink receives schedule trigger events. The engine's emitter
// satisfies this.
type EventSink interface {
	Emit(event *events.Event)
}

// specParser matches the parser the runner is built with, so expressions
// rejected here would also be rejected at arm time.
var specParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Service owns the cron runner and the armed schedule set. Firings submit
// executions through the Runner and never wait for them to finish.
type Service struct {
	log     logger.Logger
	metrics *metrics.Metrics
	events  EventSink
	runner  Runner
	repo    Repository
	cron    *cron.Cron

	mu      sync.RWMutex
	entries map[string]*armed
	running bool
}

type armed struct {
	sched *Schedule
	id    cron.EntryID
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = mx }
}

// WithEvents attaches a sink for schedule.triggered events.
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// NewService creates a scheduler against the given runner. A nil
// repository falls back to an in-memory one.
func NewService(runner Runner, repo Repository, opts ...Option) *Service {
	s := &Service{
		log:     logger.NewNop(),
		runner:  runner,
		repo:    repo,
		entries: make(map[string]*armed),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.repo == nil {
		s.repo = NewMemoryRepository()
	}
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	return s
}

// Start arms every enabled schedule from the repository and starts the
// cron runner.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.running = true
	s.mu.Unlock()

	stored, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}
	for _, sched := range stored {
		if err := s.arm(sched); err != nil {
			s.log.Error("failed to arm stored schedule",
				"schedule_id", sched.ID,
				"workflow_id", sched.WorkflowID,
				"error", err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started", "schedules", s.armedCount())
	return nil
}

// Stop halts the cron runner and waits for in-flight firings to return.
// Stop is idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Add validates and stores a schedule, arming it immediately when
// enabled. A missing ID is generated.
func (s *Service) Add(ctx context.Context, sched *Schedule) error {
	if sched == nil {
		return errors.New("schedule is nil")
	}
	if sched.WorkflowID == "" {
		return errors.New("schedule workflow_id is required")
	}
	if sched.CronExpr == "" && sched.Every <= 0 {
		return errors.New("schedule needs a cron expression or an interval")
	}
	if sched.CronExpr != "" {
		if _, err := specParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.CronExpr, err)
		}
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := s.repo.Create(ctx, sched); err != nil {
		return err
	}
	if !sched.Enabled {
		return nil
	}
	return s.arm(sched)
}

// Remove disarms and deletes a schedule. Removing an unknown ID is a
// no-op.
func (s *Service) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	if ent, ok := s.entries[id]; ok {
		s.cron.Remove(ent.id)
		delete(s.entries, id)
	}
	active := len(s.entries)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulesActive.Set(float64(active))
	}
	return s.repo.Delete(ctx, id)
}

// List returns copies of every armed schedule, ordered by ID, with the
// next run time refreshed from the cron runner.
func (s *Service) List() []Schedule {
	s.mu.RLock()
	out := make([]Schedule, 0, len(s.entries))
	for _, ent := range s.entries {
		copied := *ent.sched
		copied.NextRun = s.cron.Entry(ent.id).Next
		out = append(out, copied)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// arm registers the schedule with the cron runner. Arming an already
// armed ID is a no-op, so Start can reload the repository safely.
func (s *Service) arm(sched *Schedule) error {
	s.mu.RLock()
	_, exists := s.entries[sched.ID]
	s.mu.RUnlock()
	if exists {
		return nil
	}

	spec := sched.CronExpr
	if spec == "" {
		spec = fmt.Sprintf("@every %s", sched.Every)
	}

	copied := *sched
	id := copied.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("failed to arm schedule %s: %w", id, err)
	}

	s.mu.Lock()
	copied.NextRun = s.cron.Entry(entryID).Next
	s.entries[id] = &armed{sched: &copied, id: entryID}
	active := len(s.entries)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SchedulesActive.Set(float64(active))
	}
	s.log.Info("schedule armed",
		"schedule_id", id,
		"workflow_id", copied.WorkflowID,
		"spec", spec)
	return nil
}

// fire runs on the cron goroutine for one trigger. Submission failures
// are logged; the schedule stays armed for the next tick.
func (s *Service) fire(scheduleID string) {
	s.mu.Lock()
	ent, ok := s.entries[scheduleID]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	ent.sched.LastRun = &now
	ent.sched.RunCount++
	ent.sched.UpdatedAt = now
	ent.sched.NextRun = s.cron.Entry(ent.id).Next
	snap := *ent.sched
	s.mu.Unlock()

	if err := s.repo.Update(context.Background(), &snap); err != nil {
		s.log.Warn("failed to persist schedule run state",
			"schedule_id", snap.ID, "error", err)
	}

	input := make(map[string]interface{}, len(snap.Context))
	for k, v := range snap.Context {
		input[k] = v
	}
	initiatedBy := snap.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = "schedule:" + snap.ID
	}

	executionID, err := s.runner.ExecuteWorkflow(context.Background(), snap.WorkflowID, input, initiatedBy, snap.Priority)
	if err != nil {
		s.log.Error("scheduled execution was not accepted",
			"schedule_id", snap.ID,
			"workflow_id", snap.WorkflowID,
			"error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.SchedulesFired.WithLabelValues(snap.WorkflowID).Inc()
	}
	if s.events != nil {
		if ev, err := events.NewEvent(snap.ID, "schedule", events.TypeScheduleTriggered, events.ScheduleTriggered{
			ScheduleID:  snap.ID,
			WorkflowID:  snap.WorkflowID,
			ExecutionID: executionID,
			TriggeredAt: now,
		}); err == nil {
			s.events.Emit(ev)
		}
	}
	s.log.Info("schedule fired",
		"schedule_id", snap.ID,
		"workflow_id", snap.WorkflowID,
		"execution_id", executionID,
		"run_count", snap.RunCount)
}

func (s *Service) armedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cronLogger adapts the platform logger to the cron.Logger interface the
// Recover wrapper logs panics through.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
