package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// ptyProc is the PTY-backed Proc. stdout and stderr arrive merged and
// line-buffered on the master side, which is why PTY spawning is
// preferred when available.
type ptyProc struct {
	cmd    *exec.Cmd
	master *os.File
}

func (p *ptyProc) PID() int          { return p.cmd.Process.Pid }
func (p *ptyProc) Output() io.Reader { return p.master }

func (p *ptyProc) Terminate() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
}

func (p *ptyProc) Kill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *ptyProc) Wait() error {
	err := p.cmd.Wait()
	p.master.Close()
	return err
}

func spawnPty(ctx context.Context, spec SpawnSpec) (Proc, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s under pty: %w", spec.Path, err)
	}

	if spec.StdinData != "" {
		// The master is both read and write side of the PTY pair.
		_, _ = io.WriteString(master, spec.StdinData)
	}
	applyNice(cmd.Process.Pid, spec.Nice)

	return &ptyProc{cmd: cmd, master: master}, nil
}
