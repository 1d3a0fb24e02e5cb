package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// ErrNoCommand is returned when no agent command is configured.
var ErrNoCommand = errors.New("no agent command configured (set agent.command)")

// CommandRunner runs an external agent CLI. The prompt is written to the
// command's stdin and stdout is read as JSON lines:
//
//	{"type":"text","text":"..."}
//	{"type":"tool","name":"grep","output":"..."}
//	{"type":"iteration","iteration":2,"max_iterations":10}
//
// Lines that are not JSON objects pass through as plain text.
type CommandRunner struct {
	Command   string
	Args      []string
	ModelFlag string

	// Prepare, when set, is applied to the command before it starts.
	Prepare func(cmd *exec.Cmd)
}

// NewCommandRunner creates a CommandRunner for the given command line.
func NewCommandRunner(command string, args []string, modelFlag string) *CommandRunner {
	return &CommandRunner{Command: command, Args: args, ModelFlag: modelFlag}
}

// Run starts the command and streams its decoded output.
func (r *CommandRunner) Run(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(r.Command) == "" {
		return nil, ErrNoCommand
	}

	args := append([]string(nil), r.Args...)
	if req.Model != "" && r.ModelFlag != "" {
		args = append(args, r.ModelFlag, req.Model)
	}

	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = os.Environ()
	if req.MaxIterations > 0 {
		cmd.Env = append(cmd.Env, "TASKD_MAX_ITERATIONS="+strconv.Itoa(req.MaxIterations))
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if r.Prepare != nil {
		r.Prepare(cmd)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating agent stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %s: %w", r.Command, err)
	}

	chunks := make(chan string)
	var (
		once    sync.Once
		waitErr error
		done    = make(chan struct{})
	)

	go func() {
		defer close(chunks)
		decodeStream(ctx, stdout, chunks, req.OnEvent)
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}()

	wait := func() error {
		once.Do(func() {
			err := cmd.Wait()
			if err != nil {
				msg := strings.TrimSpace(stderr.String())
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) && msg != "" {
					waitErr = fmt.Errorf("agent exited with code %d: %s", exitErr.ExitCode(), msg)
				} else {
					waitErr = fmt.Errorf("agent %s: %w", r.Command, err)
				}
			}
			close(done)
		})
		<-done
		return waitErr
	}

	return NewStream(chunks, wait), nil
}

func decodeStream(ctx context.Context, r io.Reader, out chan<- string, onEvent func(Event)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		chunk, event, ok := decodeLine(scanner.Text())
		if event != nil {
			if onEvent != nil {
				onEvent(*event)
			}
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// decodeLine maps one stdout line to an output chunk or an iteration event.
// ok is false for lines that produce nothing.
func decodeLine(line string) (chunk string, event *Event, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return line + "\n", nil, true
	}

	msg := gjson.Parse(trimmed)
	switch msg.Get("type").String() {
	case "text":
		text := msg.Get("text").String()
		if text == "" {
			return "", nil, false
		}
		return text, nil, true
	case "tool":
		name := msg.Get("name").String()
		output := msg.Get("output").String()
		return ToolCallMarker + name + "]\n" + strings.TrimRight(output, "\n") + "\n", nil, true
	case "iteration":
		return "", &Event{
			Iteration:     int(msg.Get("iteration").Int()),
			MaxIterations: int(msg.Get("max_iterations").Int()),
			Message:       msg.Get("message").String(),
		}, false
	default:
		return line + "\n", nil, true
	}
}
