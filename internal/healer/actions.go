package healer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/osiriscare/compliance-agent/internal/runbook"
)

// RunOutput is the raw outcome of one executed command.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Err      error
}

// StepRunner executes one command with an explicit argv. The real
// implementation shells out; tests substitute a fake. Parameters are
// never concatenated into a shell command line.
type StepRunner interface {
	Run(ctx context.Context, env map[string]string, name string, args ...string) RunOutput
}

// ExecStepRunner runs commands via os/exec with separated streams.
type ExecStepRunner struct{}

func (ExecStepRunner) Run(ctx context.Context, env map[string]string, name string, args ...string) RunOutput {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := RunOutput{
		Stdout: strings.TrimSpace(stdout.String()),
		Stderr: strings.TrimSpace(stderr.String()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		out.TimedOut = true
		out.ExitCode = -1
		out.Err = ctx.Err()
		return out
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		out.Err = err
	}
	return out
}

// stepCommand maps a validated step to its argv and environment.
func stepCommand(step runbook.Step) (env map[string]string, argv []string, err error) {
	switch p := step.Params.(type) {
	case *runbook.RunCommandParams:
		return p.Env, p.Argv, nil
	case *runbook.RestartServiceParams:
		return nil, []string{"/usr/bin/systemctl", "restart", p.Service}, nil
	case *runbook.TriggerBackupParams:
		unit := "backup.service"
		if p.Profile != "" {
			unit = "backup@" + p.Profile + ".service"
		}
		return nil, []string{"/usr/bin/systemctl", "start", unit}, nil
	case *runbook.SyncManifestParams:
		if p.Generation != "" {
			return nil, []string{"/usr/bin/nix-env", "--profile", "/nix/var/nix/profiles/system",
				"--switch-generation", p.Generation}, nil
		}
		return nil, []string{"/usr/bin/nixos-rebuild", "switch"}, nil
	default:
		return nil, nil, fmt.Errorf("unmapped step action %s", step.Action)
	}
}
