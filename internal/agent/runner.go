// Package agent defines the capability agent tasks delegate to, and a
// Runner that drives an external agent CLI.
package agent

import (
	"context"
)

// ToolCallMarker prefixes output chunks produced by agent tool calls.
const ToolCallMarker = "[tool:"

// Event reports reasoning-loop progress.
type Event struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Message       string `json:"message,omitempty"`
}

// Request describes one agent run.
type Request struct {
	Prompt        string
	Model         string
	MaxIterations int

	// OnEvent, when set, receives iteration events. It may be called from
	// a goroutine other than the caller's.
	OnEvent func(Event)
}

// Response is either a complete Text or a stream of Chunks. For streams,
// Wait reports the run's final error once Chunks is closed.
type Response struct {
	Text   string
	Chunks <-chan string
	wait   func() error
}

// NewStream builds a streaming Response.
func NewStream(chunks <-chan string, wait func() error) *Response {
	return &Response{Chunks: chunks, wait: wait}
}

// Streaming reports whether the response carries a chunk stream.
func (r *Response) Streaming() bool {
	return r.Chunks != nil
}

// Wait blocks until the stream's producer finishes and returns its error.
func (r *Response) Wait() error {
	if r.wait == nil {
		return nil
	}
	return r.wait()
}

// Runner runs a prompt through an agent.
type Runner interface {
	Run(ctx context.Context, req Request) (*Response, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*Response, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
