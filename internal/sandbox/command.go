package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mtzanidakis/archon/internal/agent"
)

// CommandHandler runs each task as a local process: the task is
// marshaled to JSON on stdin, stdout becomes the task output. Context
// cancellation kills the process, so agent timeouts apply cleanly.
// This is the default handler kind for config-declared agents.
type CommandHandler struct {
	Command []string
	Env     map[string]string
	Dir     string
}

func NewCommandHandler(command []string, env map[string]string) *CommandHandler {
	return &CommandHandler{Command: command, Env: env}
}

func (h *CommandHandler) Process(ctx context.Context, task *agent.Task) (any, error) {
	if len(h.Command) == 0 {
		return nil, agent.Permanent(fmt.Errorf("no command configured"))
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, agent.Permanent(fmt.Errorf("marshal task: %w", err))
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Dir = h.Dir
	cmd.Env = os.Environ()
	for k, v := range h.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("command failed: %s", msg)
	}

	return strings.TrimRight(stdout.String(), "\n"), nil
}
