package backend

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/dshills/langbridge/internal/config"
	"github.com/dshills/langbridge/internal/rpc"
)

// Process is a started language server.
type Process struct {
	PID    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	// Stderr is optional.
	Stderr io.ReadCloser

	// Wait blocks until the process exits.
	Wait func() error
	// Kill terminates the process.
	Kill func() error
}

// Launcher starts server processes.
type Launcher interface {
	Launch(ctx context.Context, id rpc.LanguageID, cfg config.ServerConfig, dir string) (*Process, error)
}

// ExecLauncher runs the configured command as a child process.
type ExecLauncher struct{}

// Launch starts cfg.Command in dir with its stdio piped.
func (ExecLauncher) Launch(ctx context.Context, id rpc.LanguageID, cfg config.ServerConfig, dir string) (*Process, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", cfg.Command)
	}

	// The process outlives the request that started it.
	cmd := exec.Command(path, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if dir != "" {
		cmd.Dir = filepath.Clean(dir)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, errors.Wrapf(err, "start %s", cfg.Command)
	}

	return &Process{
		PID:    cmd.Process.Pid,
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		Wait:   cmd.Wait,
		Kill:   cmd.Process.Kill,
	}, nil
}

// FindRoot walks up from path to the nearest directory containing one of
// markers. Without a match it returns the directory of path.
func FindRoot(path string, markers []string) string {
	if path == "" {
		dir, _ := os.Getwd()
		return dir
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	start := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		start = filepath.Dir(abs)
	}

	for dir := start; ; {
		for _, m := range markers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return start
}
