package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/internal/daemon"
	"github.com/valter-silva-au/taskd/internal/pidfile"
	"github.com/valter-silva-au/taskd/internal/procctl"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/internal/transport"
	"github.com/valter-silva-au/taskd/pkg/models"
)

const (
	helperEnv        = "TASKD_CLIENT_TEST_HELPER"
	helperVersionEnv = "TASKD_CLIENT_TEST_HELPER_VERSION"
)

// TestMain doubles as a fake daemon binary when spawned by StartDaemon.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		runHelperDaemon()
		return
	}
	os.Exit(m.Run())
}

func runHelperDaemon() {
	var pidPath string
	for i, arg := range os.Args {
		if arg == "--pid-file" && i+1 < len(os.Args) {
			pidPath = os.Args[i+1]
		}
	}
	if pidPath == "" {
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := pidfile.Write(pidPath, os.Getpid(), os.Getenv(helperVersionEnv)); err != nil {
		os.Exit(3)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Minute):
	}
	_ = pidfile.Remove(pidPath)
	os.Exit(0)
}

// --- Fakes ---

type fakeTransport struct {
	handler      transport.Handler
	failConnects int
	sendErr      error

	mu        sync.Mutex
	connects  int
	connected bool
	actions   []string
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connects <= f.failConnects {
		return errors.New("connection refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) SendRequest(ctx context.Context, req transport.Request) (transport.Response, error) {
	f.mu.Lock()
	f.actions = append(f.actions, req.Action)
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return transport.Response{}, err
	}
	return f.handler(ctx, req), nil
}

func (f *fakeTransport) factory() func() (transport.Client, error) {
	return func() (transport.Client, error) { return f, nil }
}

// aliveProc treats a fixed set of PIDs as alive.
type aliveProc struct {
	procctl.Controller
	alive map[int]bool
}

func (p aliveProc) Alive(pid int) bool { return p.alive[pid] }

func runningTasksHandler(n int) transport.Handler {
	return func(ctx context.Context, req transport.Request) transport.Response {
		if req.Action != protocol.ActionListTasks {
			return transport.OK(map[string]any{})
		}
		tasks := make([]*models.Task, n)
		for i := range tasks {
			tasks[i] = &models.Task{ID: fmt.Sprintf("t%d", i), Status: models.StatusRunning}
		}
		return transport.OK(protocol.ListTasksResult{Tasks: tasks, Count: n})
	}
}

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	home := t.TempDir()
	cfg := core.DefaultConfig(home)
	cfg.Client.AutoStart = false
	cfg.Client.ConnectRetries = 3
	cfg.Client.RetryDelay = time.Millisecond
	cfg.Client.StartTimeout = 10 * time.Second
	cfg.Client.StopTimeout = 5 * time.Second
	return cfg
}

// --- Discovery ---

func TestIsDaemonRunning_StalePIDFileRemoved(t *testing.T) {
	cfg := testConfig(t)
	if err := pidfile.Write(cfg.PIDFile, 99999999, "1.0.0"); err != nil {
		t.Fatal(err)
	}

	c := New(cfg)
	if c.IsDaemonRunning() {
		t.Fatal("a PID that does not exist reported as running")
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Errorf("stale pid file not removed: %v", err)
	}
}

func TestIsDaemonRunning_LegacyBarePID(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprint(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}

	info, ok := New(cfg).DaemonInfo()
	if !ok {
		t.Fatal("live PID reported as not running")
	}
	if info.PID != os.Getpid() || info.Version != nil {
		t.Errorf("info = %+v, want own pid and no version", info)
	}
}

func TestIsDaemonRunning_CorruptPIDFileRemoved(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PIDFile, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if New(cfg).IsDaemonRunning() {
		t.Fatal("corrupt pid file reported as running")
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Error("corrupt pid file not removed")
	}
}

func TestDaemonInfo_UsesController(t *testing.T) {
	cfg := testConfig(t)
	if err := pidfile.Write(cfg.PIDFile, 4242, "1.0.0"); err != nil {
		t.Fatal(err)
	}

	c := New(cfg, WithProcessController(aliveProc{Controller: procctl.New(), alive: map[int]bool{4242: true}}))
	pid, ok := c.DaemonPID()
	if !ok || pid != 4242 {
		t.Fatalf("DaemonPID = %d, %v; want 4242, true", pid, ok)
	}
}

// --- Connect ---

func TestConnect_NotRunning(t *testing.T) {
	c := New(testConfig(t))
	if err := c.Connect(context.Background()); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("err = %v, want ErrDaemonNotRunning", err)
	}
}

func writeLivePID(t *testing.T, cfg *models.Config, version string) {
	t.Helper()
	if err := pidfile.Write(cfg.PIDFile, os.Getpid(), version); err != nil {
		t.Fatal(err)
	}
}

func TestConnect_Retries(t *testing.T) {
	tests := []struct {
		name         string
		failConnects int
		wantErr      bool
	}{
		{"first try", 0, false},
		{"succeeds on last attempt", 2, false},
		{"exhausted", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			writeLivePID(t, cfg, "1.0.0")
			ft := &fakeTransport{handler: runningTasksHandler(0), failConnects: tt.failConnects}
			c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))

			err := c.Connect(context.Background())
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Connect: %v", err)
				}
				if ft.connects != tt.failConnects+1 {
					t.Errorf("connect attempts = %d, want %d", ft.connects, tt.failConnects+1)
				}
				return
			}
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("err = %v, want *ConnectionError", err)
			}
			if connErr.Attempts != 3 {
				t.Errorf("Attempts = %d, want 3", connErr.Attempts)
			}
		})
	}
}

func TestConnect_VersionMismatchWithRunningTasks(t *testing.T) {
	cfg := testConfig(t)
	writeLivePID(t, cfg, "0.9.0")
	ft := &fakeTransport{handler: runningTasksHandler(2)}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))

	err := c.Connect(context.Background())
	var mismatch *VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *VersionMismatchError", err)
	}
	if mismatch.RunningTasks != 2 || mismatch.DaemonVersion != "0.9.0" || mismatch.ClientVersion != "1.0.0" {
		t.Errorf("mismatch = %+v", mismatch)
	}
	if len(ft.actions) != 1 || ft.actions[0] != protocol.ActionListTasks {
		t.Errorf("actions = %v, want one list_tasks", ft.actions)
	}
	if ft.IsConnected() {
		t.Error("temporary connection left open")
	}
}

func TestConnect_NullVersionSkipsCheck(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprint(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	ft := &fakeTransport{handler: runningTasksHandler(5)}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(ft.actions) != 0 {
		t.Errorf("version check ran for a legacy pid file: %v", ft.actions)
	}
}

// --- RPC ---

func TestCall_RemoteError(t *testing.T) {
	cfg := testConfig(t)
	writeLivePID(t, cfg, "1.0.0")
	ft := &fakeTransport{handler: func(ctx context.Context, req transport.Request) transport.Response {
		return transport.Errorf("task not found: %s", "abc")
	}}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))

	_, err := c.GetTask(context.Background(), "abc")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.Action != protocol.ActionGetTask || !strings.Contains(remote.Message, "not found") {
		t.Errorf("remote = %+v", remote)
	}
}

func TestCall_SendFailureDropsConnection(t *testing.T) {
	cfg := testConfig(t)
	writeLivePID(t, cfg, "1.0.0")
	ft := &fakeTransport{handler: runningTasksHandler(0), sendErr: io.ErrUnexpectedEOF}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))

	_, err := c.Ping(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ConnectionError wrapping EOF", err)
	}
	if ft.IsConnected() {
		t.Error("broken connection kept")
	}
}

func TestClient_AgainstInProcessDaemon(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Kind = string(transport.KindHTTP)
	cfg.Transport.HTTPPort = 0
	cfg.Daemon.CleanupInterval = 0

	d := daemon.New(cfg, daemon.WithVersion("1.0.0"),
		daemon.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("starting daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })

	ft := &fakeTransport{handler: d.Handle}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))
	defer c.Close()
	ctx := context.Background()

	task, err := c.CreateTask(ctx, protocol.CreateTask{
		Name:     "follow-me",
		TaskType: models.TaskTypeProcess,
		Config:   map[string]any{"command": "echo one; echo two"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	var buf bytes.Buffer
	final, err := c.FollowOutput(ctx, task.ID, 20*time.Millisecond, &buf)
	if err != nil {
		t.Fatalf("FollowOutput: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("final status = %s (%s)", final.Status, final.Error)
	}
	for _, want := range []string{"one", "two", "[process exited with code 0]"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("followed output %q missing %q", buf.String(), want)
		}
	}

	tasks, err := c.ListTasks(ctx, protocol.ListTasks{})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("ListTasks = %v, %v", tasks, err)
	}

	metrics, err := c.GetMetrics(ctx)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if metrics.TotalTasks != 1 {
		t.Errorf("TotalTasks = %d", metrics.TotalTasks)
	}

	if _, err := c.GetHealth(ctx); err != nil {
		t.Errorf("GetHealth: %v", err)
	}
	if _, err := c.GetStatistics(ctx); err != nil {
		t.Errorf("GetStatistics: %v", err)
	}

	cancelled, err := c.CancelTask(ctx, task.ID)
	if err != nil || cancelled {
		t.Errorf("CancelTask on finished = %v, %v; want false, nil", cancelled, err)
	}
	res, err := c.CleanupTasks(ctx, protocol.CleanupTasks{})
	if err != nil || res.Deleted != 0 {
		t.Errorf("CleanupTasks = %+v, %v", res, err)
	}
	deleted, err := c.DeleteTask(ctx, task.ID)
	if err != nil || !deleted {
		t.Errorf("DeleteTask = %v, %v", deleted, err)
	}
}

// --- Spawning ---

func requireSpawn(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper daemon relies on POSIX signals")
	}
	t.Setenv(helperEnv, "1")
}

func spawnConfig(t *testing.T) *models.Config {
	t.Helper()
	cfg := testConfig(t)
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Client.Executable = exe
	return cfg
}

func TestStartStopDaemon(t *testing.T) {
	requireSpawn(t)
	t.Setenv(helperVersionEnv, "1.0.0")
	cfg := spawnConfig(t)
	home := filepath.Dir(cfg.PIDFile)
	c := New(cfg, WithVersion("1.0.0"), WithHome(home))
	ctx := context.Background()

	pid, err := c.StartDaemon(ctx)
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}
	if pid == os.Getpid() {
		t.Fatal("StartDaemon returned the test's own pid")
	}
	if got, ok := c.DaemonPID(); !ok || got != pid {
		t.Errorf("DaemonPID = %d, %v; want %d", got, ok, pid)
	}
	if _, err := os.Stat(filepath.Join(home, DaemonLogName)); err != nil {
		t.Errorf("daemon log not created: %v", err)
	}

	again, err := c.StartDaemon(ctx)
	if err != nil || again != pid {
		t.Errorf("second StartDaemon = %d, %v; want existing %d", again, err, pid)
	}

	if err := c.StopDaemon(ctx); err != nil {
		t.Fatalf("StopDaemon: %v", err)
	}
	if c.IsDaemonRunning() {
		t.Error("daemon still running after stop")
	}
	if err := c.StopDaemon(ctx); !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("StopDaemon when stopped = %v, want ErrDaemonNotRunning", err)
	}
}

func TestConnect_IdleDaemonRestartedOnVersionChange(t *testing.T) {
	requireSpawn(t)
	t.Setenv(helperVersionEnv, "0.9.0")
	cfg := spawnConfig(t)
	ctx := context.Background()

	old := New(cfg, WithVersion("0.9.0"))
	oldPID, err := old.StartDaemon(ctx)
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}

	ft := &fakeTransport{handler: runningTasksHandler(0)}
	c := New(cfg, WithVersion("1.0.0"), WithTransportFactory(ft.factory()))
	t.Cleanup(func() { _ = c.StopDaemon(context.Background()) })

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	newPID, ok := c.DaemonPID()
	if !ok {
		t.Fatal("no daemon after restart")
	}
	if newPID == oldPID {
		t.Errorf("daemon not restarted: pid still %d", oldPID)
	}
}

func TestDaemonArgs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transport.Kind = "http"
	cfg.Transport.HTTPHost = "10.0.0.5"
	cfg.Transport.HTTPPort = 9999
	c := New(cfg, WithHome("/srv/taskd"), WithConfigFile("/etc/taskd.yaml"))

	args := strings.Join(c.daemonArgs(), " ")
	for _, want := range []string{
		"daemon run",
		"--home /srv/taskd",
		"--config /etc/taskd.yaml",
		"--transport http",
		"--http-host 10.0.0.5",
		"--http-port 9999",
		"--pid-file " + cfg.PIDFile,
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args %q missing %q", args, want)
		}
	}
}
