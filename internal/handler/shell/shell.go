// Package shell provides a task.Handler that runs an allowlisted shell
// command per task, checking the command and subcommand against a
// caller-supplied table before exec and capturing stdout/stderr into
// the result payload.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/saryou/taskkit/internal/task"
)

// Request is the expected shape of a shell task's Data.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Result is the value a shell task's Handle returns on success.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Handler runs Request.Command/Args through os/exec if the (command,
// subcommand) pair appears in its allowlist.
type Handler struct {
	workDir   string
	allowed   map[string][]string
	retryWait time.Duration
}

// New creates a Handler rooted at workDir (empty means the caller's
// working directory) with the given allowlist: a command maps to the set
// of first-argument subcommands permitted for it. retryWait is the delay
// GetRetryInterval reports for a command that failed to run at all (as
// opposed to one that ran and exited non-zero, which Handle treats as a
// successful Result).
func New(workDir string, allowed map[string][]string, retryWait time.Duration) *Handler {
	return &Handler{workDir: workDir, allowed: allowed, retryWait: retryWait}
}

func (h *Handler) isAllowed(cmd string, args []string) bool {
	subcmds, ok := h.allowed[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, s := range subcmds {
		if s == args[0] {
			return true
		}
	}
	return false
}

// Handle decodes t.Data as a Request, checks it against the allowlist, and
// runs it. A disallowed command returns an error wrapping task.ErrDiscard,
// so the task is discarded rather than retried: a config change, not a
// flaky environment, is what fixes it.
func (h *Handler) Handle(ctx context.Context, t task.Task) (any, error) {
	var req Request
	if err := json.Unmarshal(t.Data, &req); err != nil {
		return nil, fmt.Errorf("shell: decode request: %w", err)
	}
	if !h.isAllowed(req.Command, req.Args) {
		return nil, fmt.Errorf("%w: command not allowed: %s %s", task.ErrDiscard, req.Command, strings.Join(req.Args, " "))
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if h.workDir != "" {
		cmd.Dir = h.workDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("shell: exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return Result{
		Command:  req.Command,
		Args:     req.Args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// GetRetryInterval retries any error Handle returns that isn't the
// discard sentinel for a disallowed command.
func (h *Handler) GetRetryInterval(t task.Task, handleErr error) (*time.Duration, error) {
	d := h.retryWait
	return &d, nil
}

// EncodeData JSON-marshals a Request value.
func (h *Handler) EncodeData(group, name string, value any) ([]byte, error) {
	return json.Marshal(value)
}

// EncodeResult JSON-marshals a Result value.
func (h *Handler) EncodeResult(t task.Task, value any) ([]byte, error) {
	return json.Marshal(value)
}

// DecodeResult JSON-unmarshals payload into a Result.
func (h *Handler) DecodeResult(t task.Task, payload []byte) (any, error) {
	var r Result
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("shell: decode result: %w", err)
	}
	return r, nil
}
