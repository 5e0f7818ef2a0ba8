package observe

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"engram/internal/logging"

	"go.uber.org/zap"
)

// StartDetached re-executes the current binary with args as a detached child
// in its own session, writes stdin to its standard input, and returns without
// waiting. A broken pipe means the child exited early and is tolerated.
func StartDetached(args []string, stdin []byte, extraEnv ...string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	pipe, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	if _, err := pipe.Write(stdin); err != nil {
		if errors.Is(err, syscall.EPIPE) {
			logging.L("observe").Warn("detached worker closed stdin early",
				zap.Strings("args", args))
		} else {
			pipe.Close()
			return err
		}
	}
	if err := pipe.Close(); err != nil && !errors.Is(err, syscall.EPIPE) {
		return err
	}

	// The child owns its own session; drop our handle so it is never waited on.
	return cmd.Process.Release()
}
