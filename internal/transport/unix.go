package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"
)

func newUnixServer(path string, logger *slog.Logger) *streamServer {
	return &streamServer{
		addr:   path,
		logger: logger,
		listen: func() (net.Listener, error) {
			return listenUnix(path)
		},
		cleanup: func() {
			_ = os.Remove(path)
		},
	}
}

// listenUnix removes a stale socket file, listens and restricts the socket
// to the current user. A socket that still accepts connections belongs to
// a live server and is left alone.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if _, err := os.Lstat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, 500*time.Millisecond); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("socket %s is in use by another server", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

func newUnixClient(path string, timeout time.Duration) *streamClient {
	return &streamClient{
		addr:    path,
		timeout: timeout,
		dial: func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
}
