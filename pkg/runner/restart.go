package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/shirou/gopsutil/v4/host"
)

const (
	BuiltinProceed        = "proceed"
	BuiltinLog            = "log"
	BuiltinPrepareRestart = "prepare-restart"
	BuiltinRestart        = "restart"

	// FieldRequestedAt records when the restart was requested.
	FieldRequestedAt = "requestedAt"
)

var ErrRestartNotPrepared = errors.New("restart not prepared")

// Rebooter triggers a device reboot. A nil error means the reboot is under way.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// BootClock returns the time the device last booted.
type BootClock func(ctx context.Context) (time.Time, error)

func HostBootTime(ctx context.Context) (time.Time, error) {
	secs, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read boot time: %w", err)
	}

	return time.Unix(int64(secs), 0), nil
}

// CommandRebooter reboots by running an external command, e.g. "sudo reboot".
type CommandRebooter struct {
	Command []string
}

func (c CommandRebooter) Reboot(ctx context.Context) error {
	if len(c.Command) == 0 {
		return errors.New("no reboot command configured")
	}

	output, err := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(c.Command, " "), err, tail(string(output), stderrTailLines))
	}

	return nil
}

// PrepareRestart stamps the command with the request time.
func PrepareRestart(now func() time.Time) BuiltinFunc {
	return func(context.Context, *models.Command) Outcome {
		return Succeed(map[string]any{
			FieldRequestedAt: now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// Restart succeeds once the device has booted after the request time. Otherwise it
// asks the rebooter to restart the device and reports Pending; the command is
// resumed in the same state after the reboot.
func Restart(rebooter Rebooter, clock BootClock) BuiltinFunc {
	return func(ctx context.Context, cmd *models.Command) Outcome {
		raw, _ := cmd.Payload[FieldRequestedAt].(string)

		requestedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Fail(fmt.Errorf("%w: missing %s", ErrRestartNotPrepared, FieldRequestedAt))
		}

		bootedAt, err := clock(ctx)
		if err != nil {
			return Fail(err)
		}

		if bootedAt.After(requestedAt) {
			return Succeed(nil)
		}

		err = rebooter.Reboot(ctx)
		if err != nil {
			return Fail(fmt.Errorf("reboot failed: %w", err))
		}

		return Wait()
	}
}
