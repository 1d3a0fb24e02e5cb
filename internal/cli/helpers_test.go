package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/pidfile"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/internal/storage"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// --- Fake client ---

type fakeClient struct {
	mu sync.Mutex

	tasks   map[string]*models.Task
	output  map[string]string
	events  map[string][]models.TaskEvent
	running bool
	pid     int
	err     error

	created []protocol.CreateTask
	filters []protocol.ListTasks
	cleanup []protocol.CleanupTasks
	started int
	stopped int
	closed  int

	health *observability.HealthStatus
}

func newFakeClient(tasks ...*models.Task) *fakeClient {
	f := &fakeClient{
		tasks:   make(map[string]*models.Task),
		output:  make(map[string]string),
		events:  make(map[string][]models.TaskEvent),
		running: true,
		pid:     4242,
		health: &observability.HealthStatus{
			Status:        observability.HealthHealthy,
			Healthy:       true,
			StorageOK:     true,
			ActiveTasks:   1,
			MaxConcurrent: 5,
			CheckedAt:     time.Now(),
		},
	}
	for _, t := range tasks {
		f.tasks[t.ID] = t
	}
	return f
}

func (f *fakeClient) Ping(context.Context) (*protocol.PingResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.PingResult{Pong: true, Version: "test", PID: f.pid}, nil
}

func (f *fakeClient) CreateTask(_ context.Context, req protocol.CreateTask) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	t := &models.Task{
		ID:        fmt.Sprintf("task-%d", len(f.created)),
		Name:      req.Name,
		Type:      req.TaskType,
		Config:    req.Config,
		Metadata:  req.Metadata,
		Status:    models.StatusCompleted,
		CreatedAt: time.Now(),
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeClient) GetTask(_ context.Context, id string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	return t, nil
}

func (f *fakeClient) ListTasks(_ context.Context, filter protocol.ListTasks) ([]*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.filters = append(f.filters, filter)
	ids := make([]string, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*models.Task
	for _, id := range ids {
		t := f.tasks[id]
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && t.Type != filter.TaskType {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeClient) CancelTask(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	if !t.IsActive() {
		return false, nil
	}
	t.Status = models.StatusCancelled
	return true, nil
}

func (f *fakeClient) DeleteTask(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return false, fmt.Errorf("%w: %s", storage.ErrTaskNotFound, id)
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeClient) GetOutput(_ context.Context, id string, offset int64, limit int) (*protocol.OutputResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data := f.output[id]
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	chunk := data[offset:]
	if limit > 0 && len(chunk) > limit {
		chunk = chunk[:limit]
	}
	return &protocol.OutputResult{TaskID: id, Output: chunk, Offset: offset, NextOffset: offset + int64(len(chunk)), Size: int64(len(data))}, nil
}

func (f *fakeClient) GetEvents(_ context.Context, id string, offset, limit int) (*protocol.EventsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs := f.events[id]
	if offset > len(evs) {
		offset = len(evs)
	}
	evs = evs[offset:]
	if limit > 0 && len(evs) > limit {
		evs = evs[:limit]
	}
	return &protocol.EventsResult{TaskID: id, Events: evs, NextOffset: offset + len(evs)}, nil
}

func (f *fakeClient) GetMetrics(context.Context) (*observability.TaskMetrics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &observability.TaskMetrics{
		TotalTasks:    len(f.tasks),
		TasksByStatus: map[string]int{"completed": 3, "failed": 1},
		TasksByType:   map[string]int{"process": 4},
		SuccessRate:   0.75,
		FailureRate:   0.25,
		AvgDuration:   1.5,
		CollectedAt:   time.Now(),
	}, nil
}

func (f *fakeClient) GetHealth(context.Context) (*observability.HealthStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.health, nil
}

func (f *fakeClient) GetStatistics(context.Context) (*observability.TaskStatistics, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &observability.TaskStatistics{
		Overview: observability.StatsOverview{TotalTasks: 4, SuccessRate: 0.75},
		Capacity: observability.StatsCapacity{MaxConcurrent: 5, Available: 4, Utilization: 0.2},
	}, nil
}

func (f *fakeClient) CleanupTasks(_ context.Context, req protocol.CleanupTasks) (*protocol.CleanupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanup = append(f.cleanup, req)
	res := &protocol.CleanupResult{Deleted: 2, RetentionDays: 30, MaxTasks: 1000}
	if req.RetentionDays != nil {
		res.RetentionDays = *req.RetentionDays
	}
	if req.MaxTasks != nil {
		res.MaxTasks = *req.MaxTasks
	}
	return res, nil
}

func (f *fakeClient) FollowOutput(ctx context.Context, id string, _ time.Duration, w io.Writer) (*models.Task, error) {
	t, err := f.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	out, _ := f.GetOutput(ctx, id, 0, 0)
	_, _ = io.WriteString(w, out.Output)
	return t, nil
}

func (f *fakeClient) DaemonInfo() (pidfile.Info, bool) {
	if !f.running {
		return pidfile.Info{}, false
	}
	v := "test"
	return pidfile.Info{PID: f.pid, Version: &v}, true
}

func (f *fakeClient) StartDaemon(context.Context) (int, error) {
	f.started++
	f.running = true
	return f.pid, nil
}

func (f *fakeClient) StopDaemon(context.Context) error {
	f.stopped++
	f.running = false
	return nil
}

func (f *fakeClient) RestartDaemon(ctx context.Context) (int, error) {
	_ = f.StopDaemon(ctx)
	return f.StartDaemon(ctx)
}

func (f *fakeClient) Version() string { return "test" }

func (f *fakeClient) Close() error {
	f.closed++
	return nil
}

// --- Helpers ---

// runCLI executes the root command against fake services and returns
// stdout and stderr.
func runCLI(t *testing.T, fc *fakeClient, args ...string) (string, string, error) {
	t.Helper()
	return runCLIWith(t, fc, nil, args...)
}

func runCLIWith(t *testing.T, fc *fakeClient, boot func(home, configFile string) error, args ...string) (string, string, error) {
	t.Helper()

	origClient, origCfg, origMgr, origBoot := Client, Cfg, ConfigMgr, Bootstrap
	t.Cleanup(func() {
		Client, Cfg, ConfigMgr, Bootstrap = origClient, origCfg, origMgr, origBoot
	})

	home := t.TempDir()
	Bootstrap = boot
	ConfigMgr = core.NewConfigurationManager(home)
	Cfg = core.DefaultConfig(home)
	if fc != nil {
		Client = fc
	}

	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := Execute()
	return stdout.String(), stderr.String(), err
}

// resetFlags puts every flag back to its default; cobra keeps parsed
// values between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func newTask(id string, typ models.TaskType, status models.TaskStatus) *models.Task {
	return &models.Task{
		ID:        id,
		Name:      "job " + id,
		Type:      typ,
		Status:    status,
		CreatedAt: time.Now().Add(-2 * time.Minute),
	}
}
