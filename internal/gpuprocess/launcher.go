package gpuprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/breeze-rmm/gpuhost/internal/ipc"
	"github.com/breeze-rmm/gpuhost/internal/logging"
)

// LaunchSpec is everything needed to start a GPU process.
type LaunchSpec struct {
	// Argv is the full command, Argv[0] being the executable.
	Argv []string
	// Env is the complete environment for the child.
	Env []string
}

// Process is a started GPU process.
type Process interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() ExitStatus
	Kill() error
}

// Launcher starts GPU processes. The registry uses ExecLauncher unless a
// test substitutes its own.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExitStatus is the classified result of a finished process.
type ExitStatus struct {
	Status TerminationStatus
	Code   int
}

// ExecLauncher starts the child with os/exec.
type ExecLauncher struct{}

// Launch starts spec.Argv. The child's stdout and stderr are inherited so
// its local log output lands next to the host's.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("gpuprocess: empty command")
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("gpuprocess: start %s: %w", spec.Argv[0], err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if p.cmd.ProcessState == nil {
		log.Warn("gpu process wait failed", logging.KeyError, err)
		return ExitStatus{Status: TerminationAbnormal, Code: -1}
	}
	return classifyExit(p.cmd.ProcessState)
}

// classifyExit maps an OS process state onto a TerminationStatus.
func classifyExit(state *os.ProcessState) ExitStatus {
	code := state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGKILL, syscall.SIGTERM, syscall.SIGINT:
			return ExitStatus{Status: TerminationKilled, Code: code}
		default:
			return ExitStatus{Status: TerminationCrashed, Code: code}
		}
	}
	return ExitStatus{Status: classifyCode(code), Code: code}
}

func classifyCode(code int) TerminationStatus {
	switch code {
	case ipc.ExitNormal:
		return TerminationNormal
	case ipc.ExitSimulatedCrash, ipc.ExitWatchdog:
		return TerminationCrashed
	default:
		return TerminationAbnormal
	}
}
