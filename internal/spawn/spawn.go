// Package spawn is the child-spawning primitive spec.md treats as an
// external collaborator: it forks (execs, in Go terms) a worker process
// and hands back a control connection standing in for the C
// implementation's socketpair-based "sd".
package spawn

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Spawner starts a new worker process and returns a duplex connection
// representing its control socket, plus its PID.
type Spawner interface {
	Spawn() (conn io.ReadWriteCloser, pid int, err error)
}

// pipeConn joins a child's stdin/stdout pipes into one ReadWriteCloser so
// the rest of the system can treat a spawned child exactly like a
// connected stream socket.
type pipeConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *pipeConn) Close() error {
	err1 := p.stdin.Close()
	err2 := p.stdout.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ProcessSpawner launches BinaryPath with Args via os/exec, wiring the
// child's stdin/stdout as the control connection. Stderr is inherited so
// worker crashes are visible in the master's own log stream.
type ProcessSpawner struct {
	BinaryPath string
	Args       []string
	// InitEnv, if set, is appended to the child's environment. This is the
	// Go stand-in for the reference worker_init_func callback that frees
	// inherited memory before the worker starts serving jobs: there is
	// nothing to free in Go, so the hook here only shapes environment.
	InitEnv []string
}

func (s *ProcessSpawner) Spawn() (io.ReadWriteCloser, int, error) {
	cmd := exec.Command(s.BinaryPath, s.Args...)
	cmd.Env = append(os.Environ(), s.InitEnv...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, 0, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, 0, fmt.Errorf("spawn: start %s: %w", s.BinaryPath, err)
	}
	return &pipeConn{stdin: stdin, stdout: stdout, cmd: cmd}, cmd.Process.Pid, nil
}
