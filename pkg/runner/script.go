package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/edgeops/edge-agent/pkg/workflow"
)

const (
	// PayloadEnv carries the command payload to scripts, as does stdin.
	PayloadEnv = "EDGE_COMMAND_PAYLOAD"
	TopicEnv   = "EDGE_COMMAND_TOPIC"

	stderrTailLines = 5
)

var variablePattern = regexp.MustCompile(`\$\{\.([^}]+)\}`)

func (r *Runner) runScript(ctx context.Context, script workflow.Script, cmd *models.Command, state *workflow.State) Outcome {
	var out Outcome

	attempts := 0

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.config.RetryInterval
	policy.MaxElapsedTime = 0

	_ = backoff.Retry(func() error {
		attempts++
		out = r.attempt(ctx, script, cmd, state.Timeout)

		if out.Kind == Success {
			return nil
		}

		if ctx.Err() != nil {
			return backoff.Permanent(out.Err)
		}

		if attempts <= state.MaxRetries {
			r.logger.Warn("Script failed, retrying",
				"topic", cmd.Topic.String(), "state", state.Name, "attempt", attempts, "reason", out.Reason)
		}

		return out.Err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(state.MaxRetries)), ctx))

	out.Attempts = attempts

	return out
}

func (r *Runner) attempt(ctx context.Context, script workflow.Script, cmd *models.Command, timeout time.Duration) Outcome {
	err := r.sem.Acquire(ctx, 1)
	if err != nil {
		return Fail(err)
	}

	payload, err := cmd.Marshal()
	if err != nil {
		r.sem.Release(1)

		return Fail(err)
	}

	vars := r.variables(cmd)
	name := expand(script.Command, vars)

	args := make([]string, len(script.Args))
	for i, arg := range script.Args {
		args[i] = expand(arg, vars)
	}

	runCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer

	proc := exec.CommandContext(runCtx, name, args...)
	proc.Stdin = bytes.NewReader(payload)
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	proc.Env = append(os.Environ(),
		PayloadEnv+"="+string(payload),
		TopicEnv+"="+cmd.Topic.String(),
	)
	proc.Cancel = func() error {
		return proc.Process.Signal(syscall.SIGTERM)
	}
	proc.WaitDelay = r.config.KillDelay

	r.logger.Debug("Running script", "topic", cmd.Topic.String(), "command", name, "args", args)

	err = r.wait(ctx, runCtx, proc)

	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out := Fail(fmt.Errorf("%w: timeout after %s", ErrTimeout, timeout))
		out.Reason = "timeout after " + timeout.String()
		out.Timeout = true

		return out
	}

	if err != nil {
		scriptErr := &ScriptError{Command: name, ExitCode: -1, Stderr: tail(stderr.String(), stderrTailLines), Err: err}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			scriptErr.ExitCode = exitErr.ExitCode()
		}

		return Fail(scriptErr)
	}

	fields := lastJSONObject(stdout.Bytes())
	out := Succeed(fields)

	if status, ok := fields[models.FieldStatus].(string); ok {
		out.Status = status
		delete(fields, models.FieldStatus)
	}

	return out
}

// wait runs proc and holds its concurrency slot until it has been reaped. A timed out
// script is reported at the deadline while SIGTERM and, after KillDelay, SIGKILL are
// delivered in the background. A cancelled one is waited for.
func (r *Runner) wait(ctx, runCtx context.Context, proc *exec.Cmd) error {
	err := proc.Start()
	if err != nil {
		r.sem.Release(1)

		return err
	}

	done := make(chan error, 1)

	go func() {
		defer r.sem.Release(1)

		done <- proc.Wait()
	}()

	select {
	case err = <-done:
		return err
	case <-runCtx.Done():
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return runCtx.Err()
		}

		return <-done
	}
}

func (r *Runner) variables(cmd *models.Command) map[string]any {
	return map[string]any{
		"topic":      cmd.Topic.String(),
		"id":         cmd.Topic.ID,
		"operation":  cmd.Topic.Operation,
		"entity":     cmd.Topic.Entity,
		"script_dir": r.config.ScriptDir,
		"payload":    cmd.Payload,
	}
}

// expand replaces ${.path} references. Missing values expand to the empty string and
// non-string values to their JSON encoding.
func expand(s string, vars map[string]any) string {
	return variablePattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := variablePattern.FindStringSubmatch(ref)[1]

		var value any = vars

		for _, key := range strings.Split(path, ".") {
			m, ok := value.(map[string]any)
			if !ok {
				return ""
			}

			value, ok = m[key]
			if !ok {
				return ""
			}
		}

		switch v := value.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return ""
			}

			return string(encoded)
		}
	})
}

// lastJSONObject returns the last stdout line that decodes as a JSON object.
func lastJSONObject(stdout []byte) map[string]any {
	var found map[string]any

	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var fields map[string]any
		if json.Unmarshal(line, &fields) == nil {
			found = fields
		}
	}

	return found
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}
