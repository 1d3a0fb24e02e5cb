package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/valter-silva-au/taskd/internal/agent"
	"github.com/valter-silva-au/taskd/pkg/models"
)

// AgentExecutor runs a prompt through an agent.Runner and writes its
// output, truncating verbose tool results.
type AgentExecutor struct {
	handle        *TaskHandle
	runner        agent.Runner
	prompt        string
	model         string
	maxIterations int
	toolMaxLines  int
	toolMaxChars  int

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func newAgentExecutor(task *models.Task, handle *TaskHandle, runner agent.Runner, settings ExecutorSettings) (*AgentExecutor, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: no agent runner configured", ErrInvalidConfig)
	}
	prompt := configString(task.Config, "prompt")
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("%w: agent task requires a prompt", ErrInvalidConfig)
	}
	maxIter := task.MaxIterations
	if maxIter <= 0 {
		maxIter = 10
	}
	return &AgentExecutor{
		handle:        handle,
		runner:        runner,
		prompt:        prompt,
		model:         configString(task.Config, "model"),
		maxIterations: maxIter,
		toolMaxLines:  settings.ToolMaxLines,
		toolMaxChars:  settings.ToolMaxChars,
	}, nil
}

// Execute runs the agent to completion or until ctx is cancelled.
func (e *AgentExecutor) Execute(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return context.Canceled
	}
	e.cancel = cancel
	e.mu.Unlock()

	resp, err := e.runner.Run(ctx, agent.Request{
		Prompt:        e.prompt,
		Model:         e.model,
		MaxIterations: e.maxIterations,
		OnEvent:       e.onEvent,
	})
	if err != nil {
		return fmt.Errorf("running agent: %w", err)
	}

	if !resp.Streaming() {
		if err := e.handle.AppendOutput(TruncateToolOutput(resp.Text, e.toolMaxLines, e.toolMaxChars)); err != nil {
			return err
		}
		return e.handle.Update(func(t *models.Task) {
			t.Iterations = 1
			t.Progress = 1.0
		})
	}

	for {
		select {
		case <-ctx.Done():
			go drain(resp)
			return ctx.Err()
		case chunk, ok := <-resp.Chunks:
			if !ok {
				if err := resp.Wait(); err != nil {
					return err
				}
				return nil
			}
			if err := e.handle.AppendOutput(TruncateToolOutput(chunk, e.toolMaxLines, e.toolMaxChars)); err != nil {
				go drain(resp)
				return err
			}
		}
	}
}

func drain(resp *agent.Response) {
	for range resp.Chunks {
	}
	_ = resp.Wait()
}

func (e *AgentExecutor) onEvent(ev agent.Event) {
	if ev.Iteration <= 0 {
		return
	}
	progress := float64(ev.Iteration) / float64(e.maxIterations)
	if progress > 1 {
		progress = 1
	}
	if err := e.handle.Update(func(t *models.Task) {
		t.Iterations = ev.Iteration
		t.Progress = progress
	}); err != nil {
		e.handle.logger.Warn("recording agent iteration", "task_id", e.handle.ID(), "error", err)
	}
	e.handle.AppendEvent(models.EventAgentIteration, fmt.Sprintf("iteration %d/%d", ev.Iteration, e.maxIterations), map[string]any{
		"iteration":      ev.Iteration,
		"max_iterations": e.maxIterations,
	})
}

// Cancel stops the agent run. Safe to call before Execute and repeatedly.
func (e *AgentExecutor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
}
