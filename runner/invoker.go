package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"conductor/depgraph"
)

// Invoker performs the external work of one task. The runner never inspects
// what the work is, only whether it succeeded, failed, or timed out.
type Invoker interface {
	Invoke(ctx context.Context, task depgraph.TaskNode) (string, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task depgraph.TaskNode) (string, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, task depgraph.TaskNode) (string, error) {
	return f(ctx, task)
}

// CommandInvoker runs each task as an external command. The task id and
// description are appended as the final arguments.
type CommandInvoker struct {
	// Command is the executable to run.
	Command string
	// Args are fixed arguments placed before the task arguments.
	Args []string
	// Dir is the working directory; empty means inherit.
	Dir string
	// Timeout bounds one invocation. Zero means no limit.
	Timeout time.Duration
}

// Invoke runs the command for a task and returns its combined output. A
// deadline hit is reported as context.DeadlineExceeded so the caller can
// tell a timeout apart from an ordinary failure.
func (c *CommandInvoker) Invoke(ctx context.Context, task depgraph.TaskNode) (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("no command configured")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.Args...), task.ID, task.Description)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.Dir

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return output.String(), fmt.Errorf("task %s: %w", task.ID, ctxErr)
	}
	if err != nil {
		detail := strings.TrimSpace(output.String())
		if detail != "" {
			return output.String(), fmt.Errorf("task %s: %w: %s", task.ID, err, firstLine(detail))
		}
		return output.String(), fmt.Errorf("task %s: %w", task.ID, err)
	}
	return output.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
