// Package client is the library every caller uses to reach the daemon:
// discovery, spawning and stopping the daemon process, version checks and
// typed RPC over the configured transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/valter-silva-au/taskd/internal/pidfile"
	"github.com/valter-silva-au/taskd/internal/procctl"
	"github.com/valter-silva-au/taskd/internal/protocol"
	"github.com/valter-silva-au/taskd/internal/transport"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// Option configures a Client.
type Option func(*Client)

// WithTransportFactory replaces how transport connections are built.
func WithTransportFactory(f func() (transport.Client, error)) Option {
	return func(c *Client) { c.newTransport = f }
}

// WithProcessController replaces the OS process controller.
func WithProcessController(p procctl.Controller) Option {
	return func(c *Client) { c.proc = p }
}

// WithVersion sets the version compared against the daemon's PID file.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// WithHome sets the directory holding daemon.log and passed to a spawned
// daemon.
func WithHome(home string) Option {
	return func(c *Client) { c.home = home }
}

// WithConfigFile passes an explicit config file to a spawned daemon.
func WithConfigFile(path string) Option {
	return func(c *Client) { c.configFile = path }
}

// Client talks to one daemon. It is safe for concurrent use.
type Client struct {
	cfg          *models.Config
	version      string
	home         string
	configFile   string
	proc         procctl.Controller
	newTransport func() (transport.Client, error)

	mu   sync.Mutex
	conn transport.Client
}

// New creates a Client for cfg. It does not contact the daemon.
func New(cfg *models.Config, opts ...Option) *Client {
	c := &Client{cfg: cfg, version: "dev"}
	for _, opt := range opts {
		opt(c)
	}
	if c.proc == nil {
		c.proc = procctl.New()
	}
	if c.newTransport == nil {
		tc := transport.ConfigFrom(cfg.Transport)
		c.newTransport = func() (transport.Client, error) { return transport.NewClient(tc) }
	}
	return c
}

// Version reports the client's own version.
func (c *Client) Version() string { return c.version }

// DaemonInfo reads the PID file and probes the process. A PID file naming
// a dead process is removed.
func (c *Client) DaemonInfo() (pidfile.Info, bool) {
	info, err := pidfile.Read(c.cfg.PIDFile)
	if err != nil {
		if !errors.Is(err, pidfile.ErrNotExist) {
			// Unreadable or corrupt: nothing can be alive behind it.
			_ = pidfile.Remove(c.cfg.PIDFile)
		}
		return pidfile.Info{}, false
	}
	if !c.proc.Alive(info.PID) {
		_ = pidfile.Remove(c.cfg.PIDFile)
		return pidfile.Info{}, false
	}
	return info, true
}

// IsDaemonRunning reports whether the PID file names a live process.
func (c *Client) IsDaemonRunning() bool {
	_, ok := c.DaemonInfo()
	return ok
}

// DaemonPID returns the live daemon's PID.
func (c *Client) DaemonPID() (int, bool) {
	info, ok := c.DaemonInfo()
	return info.PID, ok
}

// Connect makes sure a compatible daemon is running and opens the
// transport, retrying connect_retries times retry_delay apart.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	if !c.IsDaemonRunning() {
		if !c.cfg.Client.AutoStart {
			return ErrDaemonNotRunning
		}
		if _, err := c.startDaemon(ctx); err != nil {
			return err
		}
	}
	if err := c.checkVersion(ctx); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *Client) dial(ctx context.Context) (transport.Client, error) {
	conn, err := c.newTransport()
	if err != nil {
		return nil, fmt.Errorf("creating transport: %w", err)
	}

	attempts := c.cfg.Client.ConnectRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := sleepCtx(ctx, c.cfg.Client.RetryDelay); err != nil {
				return nil, err
			}
		}
		if lastErr = conn.Connect(ctx); lastErr == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ConnectionError{Addr: c.addr(), Attempts: attempts, Err: lastErr}
}

// checkVersion restarts an idle daemon built from another version.
func (c *Client) checkVersion(ctx context.Context) error {
	info, ok := c.DaemonInfo()
	if !ok || info.Version == nil || *info.Version == c.version {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	var list protocol.ListTasksResult
	err = send(ctx, conn, &protocol.ListTasks{Status: models.StatusRunning}, &list)
	_ = conn.Disconnect()
	if err != nil {
		return fmt.Errorf("checking daemon for running tasks: %w", err)
	}

	if list.Count > 0 {
		return &VersionMismatchError{
			ClientVersion: c.version,
			DaemonVersion: *info.Version,
			RunningTasks:  list.Count,
		}
	}
	if _, err := c.restart(ctx); err != nil {
		return fmt.Errorf("restarting daemon %s for version %s: %w", *info.Version, c.version, err)
	}
	return nil
}

// Close drops the transport connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

func (c *Client) addr() string {
	switch transport.ConfigFrom(c.cfg.Transport).Backend() {
	case transport.KindPipe:
		return c.cfg.Transport.PipeName
	case transport.KindHTTP:
		return fmt.Sprintf("http://%s:%d", c.cfg.Transport.HTTPHost, c.cfg.Transport.HTTPPort)
	default:
		return c.cfg.Transport.SocketPath
	}
}

// call connects if needed and runs one request.
func (c *Client) call(ctx context.Context, cmd protocol.Command, out any) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	err := send(ctx, conn, cmd, out)
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		connErr.Addr = c.addr()
		c.mu.Lock()
		if c.conn == conn {
			_ = c.disconnectLocked()
		}
		c.mu.Unlock()
	}
	return err
}

func send(ctx context.Context, conn transport.Client, cmd protocol.Command, out any) error {
	req, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	resp, err := conn.SendRequest(ctx, req)
	if err != nil {
		return &ConnectionError{Attempts: 1, Err: err}
	}
	if resp.Status != transport.StatusOK {
		return &RemoteError{Action: cmd.Action(), Message: resp.Error}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", cmd.Action(), err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
