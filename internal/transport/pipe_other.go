//go:build !windows

package transport

import (
	"fmt"
	"log/slog"
	"time"
)

func newPipeServer(string, *slog.Logger) (Server, error) {
	return nil, fmt.Errorf("named pipe: %w", ErrUnsupported)
}

func newPipeClient(string, time.Duration) (Client, error) {
	return nil, fmt.Errorf("named pipe: %w", ErrUnsupported)
}
