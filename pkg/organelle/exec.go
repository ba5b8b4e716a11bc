package organelle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// ExecPayload is the task payload understood by ExecHandler.
type ExecPayload struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
}

// ExecResult is reported back as the task result.
type ExecResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// ExecHandler runs the payload's command and reports its combined output.
// A non-zero exit fails the task but the output is still returned.
func ExecHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		var req ExecPayload
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, fmt.Errorf("invalid exec payload: %w", err)
		}
		if req.Command == "" {
			return nil, errors.New("command is required")
		}

		if req.TimeoutMs > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
			defer cancel()
		}

		cmd := exec.CommandContext(ctx, req.Command, req.Args...)
		cmd.Env = os.Environ()
		for k, v := range req.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}

		output, runErr := cmd.CombinedOutput()
		res := ExecResult{Output: string(output)}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if runErr != nil {
			res.Error = runErr.Error()
		}

		raw, err := json.Marshal(res)
		if err != nil {
			return nil, err
		}
		if runErr != nil {
			return raw, fmt.Errorf("command %q failed: %w", req.Command, runErr)
		}
		return raw, nil
	})
}

// EchoHandler completes every task with its own payload.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, task domain.Task) (json.RawMessage, error) {
		if len(task.Payload) == 0 {
			return json.RawMessage(`null`), nil
		}
		return task.Payload, nil
	})
}
