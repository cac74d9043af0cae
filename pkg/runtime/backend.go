package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ConfigEnv carries the JSON runtime configuration into the worker process
const ConfigEnv = "COLONY_RUNTIME_CONFIG"

// StartRequest describes a worker runtime process to launch
type StartRequest struct {
	WorkerID  string
	Host      string
	Port      int
	Directory string
	// Env is appended to the inherited environment of the child only
	Env []string
	// Config is serialised to JSON and passed through ConfigEnv
	Config map[string]any
}

// Handle is a started (or adopted) worker runtime
type Handle struct {
	URL  string
	Port int
	// PID is zero for adopted or remote runtimes
	PID int

	closeOnce sync.Once
	closeFn   func(ctx context.Context) error
	closeErr  error
}

// NewHandle returns a handle whose Close calls closeFn once. closeFn may be nil.
func NewHandle(url string, port, pid int, closeFn func(ctx context.Context) error) *Handle {
	return &Handle{URL: url, Port: port, PID: pid, closeFn: closeFn}
}

// Close stops the runtime. Subsequent calls return the first result.
func (h *Handle) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		if h.closeFn != nil {
			h.closeErr = h.closeFn(ctx)
		}
	})
	return h.closeErr
}

// Backend starts worker runtime processes
type Backend interface {
	Start(ctx context.Context, req StartRequest) (*Handle, error)
}

// ReadinessFunc blocks until addr accepts connections or ctx ends
type ReadinessFunc func(ctx context.Context, addr string) error

// LocalBackend spawns worker runtimes as child processes in their own
// process group so Close terminates the whole tree.
type LocalBackend struct {
	// Command is the argv template; {host} and {port} are substituted
	Command []string
	// LogDir receives <worker-id>/output.log when set
	LogDir string
	// Grace is the wait between SIGTERM and SIGKILL
	Grace time.Duration
	// Ready waits for the runtime to listen. Nil skips the wait.
	Ready ReadinessFunc

	// cmdFactory builds the exec.Cmd from expanded argv. Tests override it.
	cmdFactory func(argv []string) *exec.Cmd
}

// NewLocalBackend creates a backend that runs command for each worker
func NewLocalBackend(command []string, logDir string) *LocalBackend {
	return &LocalBackend{
		Command: command,
		LogDir:  logDir,
		Grace:   3 * time.Second,
		cmdFactory: func(argv []string) *exec.Cmd {
			//nolint:gosec // argv comes from operator configuration
			return exec.Command(argv[0], argv[1:]...)
		},
	}
}

// WithReadiness sets the readiness wait
func (b *LocalBackend) WithReadiness(fn ReadinessFunc) *LocalBackend {
	b.Ready = fn
	return b
}

// Start launches the runtime and waits for it to listen
func (b *LocalBackend) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if len(b.Command) == 0 {
		return nil, errors.New("no runtime command configured")
	}
	host := req.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := req.Port
	if port == 0 {
		p, err := FreePort(host)
		if err != nil {
			return nil, err
		}
		port = p
	}

	argv := make([]string, len(b.Command))
	for i, a := range b.Command {
		a = strings.ReplaceAll(a, "{host}", host)
		argv[i] = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
	}

	cmd := b.cmdFactory(argv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = req.Directory
	cmd.Env = append(os.Environ(), req.Env...)
	if len(req.Config) > 0 {
		data, err := json.Marshal(req.Config)
		if err != nil {
			return nil, fmt.Errorf("encode runtime config: %w", err)
		}
		cmd.Env = append(cmd.Env, ConfigEnv+"="+string(data))
	}

	var logFile *os.File
	if b.LogDir != "" {
		dir := filepath.Join(b.LogDir, req.WorkerID)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", dir, err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	handle := NewHandle(
		fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))),
		port,
		pid,
		func(ctx context.Context) error { return terminate(ctx, pid, exited, b.Grace) },
	)

	if b.Ready != nil {
		readyCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-exited:
				cancel()
			case <-readyCtx.Done():
			}
		}()
		err := b.Ready(readyCtx, net.JoinHostPort(host, strconv.Itoa(port)))
		cancel()
		if err != nil {
			var exitedEarly bool
			select {
			case <-exited:
				exitedEarly = true
			default:
			}
			_ = handle.Close(context.Background())
			if exitedEarly {
				return nil, fmt.Errorf("runtime exited before listening on port %d", port)
			}
			return nil, fmt.Errorf("runtime not listening on port %d: %w", port, err)
		}
	}
	return handle, nil
}

// terminate sends SIGTERM to the process group, then SIGKILL after grace
func terminate(ctx context.Context, pid int, exited <-chan struct{}, grace time.Duration) error {
	select {
	case <-exited:
		return nil
	default:
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return nil //nolint:nilerr // group already gone
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-exited:
	case <-time.After(time.Second):
		return fmt.Errorf("process group %d did not exit after SIGKILL", pid)
	}
	return nil
}

// FreePort asks the kernel for an unused TCP port on host
func FreePort(host string) (int, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
