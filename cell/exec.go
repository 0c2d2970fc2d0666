package cell

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cellbox/cellerr"
	"cellbox/namespace"
	"cellbox/util"
)

// process is one run-table entry: the pid, the process handle when this
// registry spawned the child itself, and the reap state. Adopted processes
// (restored from a record written by an earlier invocation) have a nil cmd
// and are reaped by polling instead of wait(2).
type process struct {
	pid         int
	command     string
	description string
	cmd         *exec.Cmd
	done        chan struct{}
	waitErr     error
}

// initPayload crosses the pipe into the reexec init child.
type initPayload struct {
	CellName string `json:"cellName"`
	Command  string `json:"command"`
}

// spawn starts an executable under the namespace spec and begins supervising
// it. The call returns once the child exists; it does not wait for exit.
func spawn(cellName string, exe Executable, ns namespace.Spec, attr *syscall.SysProcAttr, logDir string) (*process, error) {
	var cmd *exec.Cmd
	var writePipe *os.File

	if ns.IsolateProcess {
		// A private mount tree needs proc remounted and the hostname set
		// from inside the new namespaces, so the child re-executes this
		// binary and receives the real command over a pipe.
		readPipe, wp, err := os.Pipe()
		if err != nil {
			return nil, cellerr.Wrap(cellerr.Internal, err, "create init pipe")
		}
		writePipe = wp
		self, err := os.Executable()
		if err != nil {
			readPipe.Close()
			writePipe.Close()
			return nil, cellerr.Wrap(cellerr.Internal, err, "resolve own executable")
		}
		cmd = exec.Command(self, InitCommandName)
		cmd.ExtraFiles = []*os.File{readPipe}
	} else {
		cmd = exec.Command("/bin/sh", "-c", exe.Command)
	}
	cmd.SysProcAttr = attr
	cmd.Env = os.Environ()

	if logDir != "" {
		logFile, err := openExecLog(logDir, cellName, exe.Name)
		if err != nil {
			log.Warnf("cell %s: no log file for executable %s: %v", cellName, exe.Name, err)
		} else {
			defer logFile.Close()
			cmd.Stdout = logFile
			cmd.Stderr = logFile
		}
	}

	if err := cmd.Start(); err != nil {
		if writePipe != nil {
			writePipe.Close()
		}
		return nil, cellerr.Wrap(cellerr.Internal, err, "start executable %s", exe.Name)
	}

	if writePipe != nil {
		payload, err := json.Marshal(initPayload{CellName: cellName, Command: exe.Command})
		if err == nil {
			_, err = writePipe.Write(payload)
		}
		writePipe.Close()
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, cellerr.Wrap(cellerr.Internal, err, "send init payload for executable %s", exe.Name)
		}
	}

	p := &process{
		pid:         cmd.Process.Pid,
		command:     exe.Command,
		description: exe.Description,
		cmd:         cmd,
		done:        make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// adopt rebuilds a run-table entry for a pid spawned by an earlier process.
func adopt(pid int, command, description string) *process {
	return &process{pid: pid, command: command, description: description}
}

func openExecLog(logDir, cellName, execName string) (*os.File, error) {
	dir := path.Join(logDir, cellName)
	if !util.PathExists(dir) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.Create(path.Join(dir, execName+".log"))
}

// signal delivers sig to the executable's process group, falling back to the
// process itself when the group is already gone.
func (p *process) signal(sig syscall.Signal) error {
	err := unix.Kill(-p.pid, sig)
	if err == unix.ESRCH {
		err = unix.Kill(p.pid, sig)
	}
	if err != nil && err != unix.ESRCH {
		return cellerr.Wrap(cellerr.Internal, err, "signal pid %d", p.pid)
	}
	return nil
}

func (p *process) alive() bool {
	err := unix.Kill(p.pid, 0)
	return err == nil || err == unix.EPERM
}

// stop terminates the executable: SIGTERM, a bounded grace period, then
// SIGKILL. It returns only once the process is confirmed reaped, so the
// caller can drop the run-table entry without leaking a zombie.
func (p *process) stop(grace time.Duration) error {
	if err := p.signal(unix.SIGTERM); err != nil {
		return err
	}
	if p.reapWithin(grace) {
		return nil
	}
	log.Warnf("pid %d ignored SIGTERM for %v, escalating to SIGKILL", p.pid, grace)
	if err := p.signal(unix.SIGKILL); err != nil {
		return err
	}
	if p.reapWithin(grace) {
		return nil
	}
	return cellerr.New(cellerr.Internal, "pid %d did not exit after SIGKILL", p.pid)
}

// kill is the forced path used by the shutdown sweep.
func (p *process) kill(grace time.Duration) error {
	if err := p.signal(unix.SIGKILL); err != nil {
		return err
	}
	if !p.reapWithin(grace) {
		return cellerr.New(cellerr.Internal, "pid %d did not exit after SIGKILL", p.pid)
	}
	return nil
}

// reapWithin waits up to d for the process to be reaped. Owned children are
// reaped by the wait goroutine started at spawn; adopted pids cannot be
// waited on and are polled until the kernel forgets them.
func (p *process) reapWithin(d time.Duration) bool {
	if p.cmd != nil {
		select {
		case <-p.done:
			return true
		case <-time.After(d):
			return false
		}
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !p.alive() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !p.alive()
}

// exitStatus describes how the process ended, for logging after a reap.
func (p *process) exitStatus() string {
	if p.cmd == nil {
		return "adopted, exit status unknown"
	}
	select {
	case <-p.done:
		if p.waitErr != nil {
			return p.waitErr.Error()
		}
		return fmt.Sprintf("exit status %d", p.cmd.ProcessState.ExitCode())
	default:
		return "still running"
	}
}
