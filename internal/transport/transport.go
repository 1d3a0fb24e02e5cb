// Package transport carries JSON request/response envelopes between
// clients and the daemon over a unix socket, a Windows named pipe or
// loopback HTTP. Every backend speaks the same envelope.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/valter-silva-au/taskd/pkg/models"
)

var (
	// ErrUnsupported is returned for a backend the OS cannot provide.
	ErrUnsupported = errors.New("transport not supported on this platform")

	// ErrNotConnected is returned by SendRequest before Connect.
	ErrNotConnected = errors.New("transport not connected")
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the wire envelope sent by clients.
type Request struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a Request, marshaling params when non-nil.
func NewRequest(action string, params any) (Request, error) {
	req := Request{Action: action}
	if params == nil {
		return req, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return req, fmt.Errorf("encoding %s params: %w", action, err)
	}
	req.Params = data
	return req, nil
}

// Response is the wire envelope returned by the daemon.
type Response struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// OK builds a success response carrying data.
func OK(data any) Response {
	if data == nil {
		return Response{Status: StatusOK, Data: json.RawMessage(`{}`)}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Errorf("encoding response: %v", err)
	}
	return Response{Status: StatusOK, Data: raw}
}

// Errorf builds an error response.
func Errorf(format string, args ...any) Response {
	return Response{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Handler serves one request. It is called concurrently from every
// connection and must be safe for concurrent use.
type Handler func(ctx context.Context, req Request) Response

// Server accepts client connections and dispatches requests to a Handler.
type Server interface {
	Start() error
	Stop(ctx context.Context) error
	SetRequestHandler(h Handler)
	Addr() string
}

// Client sends requests to a Server.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendRequest(ctx context.Context, req Request) (Response, error)
	IsConnected() bool
}

// Kind names a transport backend.
type Kind string

const (
	KindAuto Kind = "auto"
	KindUnix Kind = "unix"
	KindPipe Kind = "pipe"
	KindHTTP Kind = "http"
)

// Resolve maps auto to the platform default: a named pipe on Windows,
// HTTP where unix sockets do not exist, and a unix socket elsewhere.
func Resolve(kind Kind) Kind {
	if kind != KindAuto && kind != "" {
		return kind
	}
	switch runtime.GOOS {
	case "windows":
		return KindPipe
	case "js", "wasip1", "plan9":
		return KindHTTP
	default:
		return KindUnix
	}
}

// Config addresses a transport.
type Config struct {
	Kind       Kind
	SocketPath string
	PipeName   string
	HTTPHost   string
	HTTPPort   int
	Timeout    time.Duration
}

// ConfigFrom converts the config-file transport section.
func ConfigFrom(c models.TransportConfig) Config {
	return Config{
		Kind:       Kind(c.Kind),
		SocketPath: c.SocketPath,
		PipeName:   c.PipeName,
		HTTPHost:   c.HTTPHost,
		HTTPPort:   c.HTTPPort,
		Timeout:    c.Timeout,
	}
}

// maxSocketPath is the smallest sun_path in use (104 bytes on macOS and the
// BSDs, 108 on Linux), minus the terminating NUL.
const maxSocketPath = 103

// Backend resolves the kind this config actually uses. In auto mode a unix
// socket path that is empty or too long for sun_path falls back to HTTP;
// server and client apply the same rule, so they still meet.
func (c Config) Backend() Kind {
	kind := Resolve(c.Kind)
	if kind == KindUnix && (c.Kind == KindAuto || c.Kind == "") && !usableSocketPath(c.SocketPath) {
		return KindHTTP
	}
	return kind
}

func usableSocketPath(path string) bool {
	return path != "" && len(path) <= maxSocketPath
}

func (c Config) httpAddr() string {
	host := c.HTTPHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.HTTPPort)
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger  *slog.Logger
	metrics http.Handler
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = logger }
}

// WithMetricsHandler serves h at GET /metrics on the HTTP backend.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(o *serverOptions) { o.metrics = h }
}

// NewServer builds the server for cfg.Kind.
func NewServer(cfg Config, opts ...ServerOption) (Server, error) {
	o := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	switch cfg.Backend() {
	case KindUnix:
		if cfg.SocketPath == "" {
			return nil, errors.New("unix transport requires a socket path")
		}
		return newUnixServer(cfg.SocketPath, o.logger), nil
	case KindPipe:
		return newPipeServer(cfg.PipeName, o.logger)
	case KindHTTP:
		return newHTTPServer(cfg.httpAddr(), o.logger, o.metrics), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// NewClient builds the client for cfg.Kind.
func NewClient(cfg Config) (Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	switch cfg.Backend() {
	case KindUnix:
		if cfg.SocketPath == "" {
			return nil, errors.New("unix transport requires a socket path")
		}
		return newUnixClient(cfg.SocketPath, timeout), nil
	case KindPipe:
		return newPipeClient(cfg.PipeName, timeout)
	case KindHTTP:
		return newHTTPClient(cfg.httpAddr(), timeout), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// safeHandle runs h, converting a nil handler or a panic into an error
// response so a bad request never takes down a connection.
func safeHandle(ctx context.Context, h Handler, req Request, logger *slog.Logger) (resp Response) {
	if h == nil {
		return Errorf("no request handler registered")
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("request handler panicked", "action", req.Action, "panic", p)
			resp = Errorf("internal error handling %s: %v", req.Action, p)
		}
	}()
	return h(ctx, req)
}
