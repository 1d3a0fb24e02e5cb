//go:build windows

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

const defaultPipeName = `\\.\pipe\taskd`

func newPipeServer(name string, logger *slog.Logger) (Server, error) {
	if name == "" {
		name = defaultPipeName
	}
	return &streamServer{
		addr:   name,
		logger: logger,
		listen: func() (net.Listener, error) {
			// Owner-only access, matching the 0600 unix socket.
			return winio.ListenPipe(name, &winio.PipeConfig{
				SecurityDescriptor: "D:P(A;;GA;;;OW)",
				InputBufferSize:    64 * 1024,
				OutputBufferSize:   64 * 1024,
			})
		},
	}, nil
}

func newPipeClient(name string, timeout time.Duration) (Client, error) {
	if name == "" {
		return nil, errors.New("pipe transport requires a pipe name")
	}
	return &streamClient{
		addr:    name,
		timeout: timeout,
		dial: func(ctx context.Context) (net.Conn, error) {
			return winio.DialPipeContext(ctx, name)
		},
	}, nil
}
