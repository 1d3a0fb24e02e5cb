package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// ErrShuttingDown is returned by CreateTask once Shutdown has begun.
var ErrShuttingDown = errors.New("task manager is shutting down")

// MetricsRecorder receives scheduler events. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	TaskCreated(taskType models.TaskType)
	TaskStarted(taskType models.TaskType)
	TaskFinished(taskType models.TaskType, status models.TaskStatus, duration time.Duration)
	QueueDepth(queued, running int)
}

// ManagerConfig sizes the scheduler.
type ManagerConfig struct {
	MaxConcurrentTasks   int
	DefaultMaxIterations int
}

// CreateTaskRequest describes a new task.
type CreateTaskRequest struct {
	Name        string
	Description string
	Type        models.TaskType
	Config      map[string]any
	Metadata    map[string]any
}

// TaskManager schedules and tracks task execution.
type TaskManager interface {
	Initialize(ctx context.Context) error
	CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error)
	GetTask(taskID string) (*models.Task, error)
	CancelTask(ctx context.Context, taskID string) (bool, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	ActiveCount() int
	QueueSize() int
	RunningCount() int
	MaxConcurrent() int
	Shutdown(ctx context.Context) error
}

// ManagerOption configures a TaskManager.
type ManagerOption func(*taskManager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *taskManager) { m.logger = logger }
}

// WithMetrics attaches a MetricsRecorder.
func WithMetrics(rec MetricsRecorder) ManagerOption {
	return func(m *taskManager) { m.metrics = rec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *taskManager) { m.now = now }
}

// taskRun is the in-memory bookkeeping for one active task.
type taskRun struct {
	handle  *TaskHandle
	exec    Executor
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

type taskManager struct {
	store   storage.TaskStorage
	factory ExecutorFactory
	cfg     ManagerConfig
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics MetricsRecorder
	now     func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*taskRun
	closing bool
	wg      sync.WaitGroup
}

// NewTaskManager creates a TaskManager that persists through store and
// builds executors with factory.
func NewTaskManager(store storage.TaskStorage, factory ExecutorFactory, cfg ManagerConfig, opts ...ManagerOption) TaskManager {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.DefaultMaxIterations < 1 {
		cfg.DefaultMaxIterations = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &taskManager{
		store:      store,
		factory:    factory,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    ctx,
		baseCancel: cancel,
		runs:       make(map[string]*taskRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize marks tasks left pending or running by a previous daemon as
// interrupted.
func (m *taskManager) Initialize(ctx context.Context) error {
	recovered := 0
	for _, status := range []models.TaskStatus{models.StatusRunning, models.StatusPending} {
		tasks, err := m.store.ListTasks(storage.TaskFilter{Status: status})
		if err != nil {
			return fmt.Errorf("recovering %s tasks: %w", status, err)
		}
		for _, task := range tasks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !task.Status.CanTransition(models.StatusInterrupted) {
				continue
			}
			now := m.now()
			prev := task.Status
			task.Status = models.StatusInterrupted
			task.Error = fmt.Sprintf("task interrupted: daemon restarted while task was %s", prev)
			task.CompletedAt = &now
			if err := m.store.SaveTask(task); err != nil {
				return fmt.Errorf("recovering task %s: %w", task.ID, err)
			}
			_ = m.store.AppendEvent(task.ID, models.TaskEvent{
				Time:    now,
				Type:    models.EventTaskInterrupted,
				Message: task.Error,
				Data:    map[string]any{"previous_status": string(prev)},
			})
			recovered++
		}
	}
	if recovered > 0 {
		m.logger.Warn("marked orphaned tasks interrupted", "count", recovered)
	}
	return nil
}

// CreateTask persists a pending task and schedules it. It returns once the
// task is on disk; execution proceeds in the background.
func (m *taskManager) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("creating task: %w: %q", ErrUnknownTaskType, req.Type)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%s", req.Type, id[:8])
	}

	task := &models.Task{
		ID:          id,
		Name:        name,
		Description: req.Description,
		Type:        req.Type,
		Config:      req.Config,
		Status:      models.StatusPending,
		CreatedAt:   m.now(),
		OutputPath:  m.store.OutputPath(id),
		EventsPath:  m.store.EventsPath(id),
		Metadata:    req.Metadata,
	}
	if task.Config == nil {
		task.Config = map[string]any{}
	}
	switch req.Type {
	case models.TaskTypeAgent:
		task.MaxIterations = m.cfg.DefaultMaxIterations
		if n, ok := configInt(task.Config, "max_iterations"); ok && n > 0 {
			task.MaxIterations = n
		}
	case models.TaskTypeProcess:
		task.Command = configString(task.Config, "command")
		task.WorkingDirectory = configString(task.Config, "working_directory")
	}

	handle := newTaskHandle(task, m.store, m.logger, m.now)
	exec, err := m.factory.New(task, handle)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	run := &taskRun{
		handle: handle,
		exec:   exec,
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	if err := m.store.SaveTask(task); err != nil {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("creating task: %w", err)
	}
	m.runs[id] = run
	m.wg.Add(1)
	m.mu.Unlock()

	handle.AppendEvent(models.EventTaskCreated, "task created", map[string]any{"task_type": string(task.Type)})
	if m.metrics != nil {
		m.metrics.TaskCreated(task.Type)
	}
	m.logger.Info("task created", "task_id", id, "task_type", task.Type, "name", name)

	snapshot := task.Clone()
	go m.run(run)
	m.reportQueue()
	return snapshot, nil
}

func (m *taskManager) run(r *taskRun) {
	defer m.wg.Done()
	defer close(r.done)
	defer m.forget(r)

	if err := m.sem.Acquire(r.ctx, 1); err != nil {
		m.finish(r, models.StatusCancelled, "task cancelled before it started")
		return
	}
	defer m.sem.Release(1)

	ok, err := r.handle.Transition(models.StatusRunning, "")
	if err != nil {
		m.logger.Error("starting task", "task_id", r.handle.ID(), "error", err)
		m.finish(r, models.StatusFailed, fmt.Sprintf("starting task: %v", err))
		return
	}
	if !ok {
		// Cancelled between admission and start.
		return
	}
	if r.ctx.Err() != nil {
		m.finish(r, models.StatusCancelled, "task cancelled before it started")
		return
	}

	m.mu.Lock()
	r.started = true
	m.mu.Unlock()

	task := r.handle.Snapshot()
	r.handle.AppendEvent(models.EventTaskStarted, "task started", nil)
	if m.metrics != nil {
		m.metrics.TaskStarted(task.Type)
	}
	m.reportQueue()
	m.logger.Info("task started", "task_id", task.ID)

	execErr := m.execute(r)

	switch {
	case execErr == nil:
		m.finish(r, models.StatusCompleted, "")
	case r.ctx.Err() != nil || errors.Is(execErr, context.Canceled):
		m.finish(r, models.StatusCancelled, "task cancelled")
	default:
		m.finish(r, models.StatusFailed, execErr.Error())
	}
}

// execute runs the executor, turning a panic into an error.
func (m *taskManager) execute(r *taskRun) (err error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("executor panicked", "task_id", r.handle.ID(), "panic", p)
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return r.exec.Execute(r.ctx)
}

// finish moves the task to a terminal status. Only the first caller wins;
// later attempts are no-ops because terminal states have no edges.
func (m *taskManager) finish(r *taskRun, status models.TaskStatus, errMsg string) bool {
	ok, err := r.handle.Transition(status, errMsg)
	if err != nil {
		m.logger.Error("persisting final status", "task_id", r.handle.ID(), "status", status, "error", err)
		return false
	}
	if !ok {
		return false
	}

	task := r.handle.Snapshot()
	msg := "task " + string(status)
	if errMsg != "" {
		msg = errMsg
	}
	r.handle.AppendEvent(finishEvent(status), msg, nil)

	if m.metrics != nil {
		d, _ := task.DurationAt(m.now())
		m.metrics.TaskFinished(task.Type, status, d)
	}
	if status == models.StatusFailed {
		m.logger.Warn("task failed", "task_id", task.ID, "error", errMsg)
	} else {
		m.logger.Info("task finished", "task_id", task.ID, "status", status)
	}
	return true
}

func finishEvent(status models.TaskStatus) string {
	switch status {
	case models.StatusCompleted:
		return models.EventTaskCompleted
	case models.StatusFailed:
		return models.EventTaskFailed
	case models.StatusInterrupted:
		return models.EventTaskInterrupted
	default:
		return models.EventTaskCancelled
	}
}

func (m *taskManager) forget(r *taskRun) {
	m.mu.Lock()
	delete(m.runs, r.handle.ID())
	m.mu.Unlock()
	r.cancel()
	m.reportQueue()
}

func (m *taskManager) reportQueue() {
	if m.metrics == nil {
		return
	}
	m.metrics.QueueDepth(m.QueueSize(), m.RunningCount())
}

// GetTask returns the live state of an active task, or the stored record.
func (m *taskManager) GetTask(taskID string) (*models.Task, error) {
	m.mu.Lock()
	r, ok := m.runs[taskID]
	m.mu.Unlock()
	if ok {
		return r.handle.Snapshot(), nil
	}
	return m.store.LoadTask(taskID)
}

// CancelTask stops an active task. It returns false for tasks that are
// not pending or running.
func (m *taskManager) CancelTask(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	r, ok := m.runs[taskID]
	m.mu.Unlock()

	if !ok {
		if _, err := m.store.LoadTask(taskID); err != nil {
			return false, err
		}
		return false, nil
	}
	// Still registered while its goroutine unwinds.
	if r.handle.Snapshot().IsTerminal() {
		return false, nil
	}

	r.exec.Cancel()
	r.cancel()
	// False when normal completion or another cancel got there first.
	return m.finish(r, models.StatusCancelled, "task cancelled by request"), nil
}

// DeleteTask cancels the task if active, waits for it to stop, then
// removes it from storage.
func (m *taskManager) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	r, active := m.runs[taskID]
	m.mu.Unlock()

	if active {
		if _, err := m.CancelTask(ctx, taskID); err != nil {
			return false, err
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return false, fmt.Errorf("deleting task %s: waiting for executor: %w", taskID, ctx.Err())
		}
	}

	if err := m.store.DeleteTask(taskID); err != nil {
		return false, err
	}
	m.logger.Info("task deleted", "task_id", taskID)
	return true, nil
}

func (m *taskManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// QueueSize is the number of active tasks waiting for a slot.
func (m *taskManager) QueueSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if !r.started {
			n++
		}
	}
	return n
}

func (m *taskManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.started {
			n++
		}
	}
	return n
}

func (m *taskManager) MaxConcurrent() int {
	return m.cfg.MaxConcurrentTasks
}

// Shutdown stops accepting tasks, cancels every active one and waits for
// their goroutines until ctx expires.
func (m *taskManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	runs := make([]*taskRun, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		r.exec.Cancel()
		r.cancel()
		m.finish(r, models.StatusCancelled, "task cancelled: daemon shutting down")
	}

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		m.baseCancel()
		return nil
	case <-ctx.Done():
		m.baseCancel()
		remaining := m.ActiveCount()
		return fmt.Errorf("shutdown: %d tasks did not drain: %w", remaining, ctx.Err())
	}
}
