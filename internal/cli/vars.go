package cli

import (
	"context"
	"io"
	"time"

	"github.com/valter-silva-au/taskd/internal/core"
	"github.com/valter-silva-au/taskd/internal/mcp"
	"github.com/valter-silva-au/taskd/internal/observability"
	"github.com/valter-silva-au/taskd/internal/pidfile"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// TaskClient is everything the commands ask of the daemon client.
// *client.Client satisfies it.
type TaskClient interface {
	mcp.TaskService

	Ping(ctx context.Context) (*protocol.PingResult, error)
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	GetEvents(ctx context.Context, taskID string, offset, limit int) (*protocol.EventsResult, error)
	GetStatistics(ctx context.Context) (*observability.TaskStatistics, error)
	CleanupTasks(ctx context.Context, req protocol.CleanupTasks) (*protocol.CleanupResult, error)
	FollowOutput(ctx context.Context, taskID string, interval time.Duration, w io.Writer) (*models.Task, error)

	DaemonInfo() (pidfile.Info, bool)
	StartDaemon(ctx context.Context) (int, error)
	StopDaemon(ctx context.Context) error
	RestartDaemon(ctx context.Context) (int, error)
	Version() string
	Close() error
}

// Service instances, set by Bootstrap in app.go once the global flags are
// parsed.
var (
	ConfigMgr core.ConfigurationManager
	Cfg       *models.Config
	Client    TaskClient
)

// Bootstrap loads configuration and wires the services above. The
// composition root assigns it before Execute.
var Bootstrap func(home, configFile string) error
