//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// HoldCommand and ExecCommand are the hidden CLI entry points the controller
// re-executes itself through.
const (
	HoldCommand = "__sandbox-hold"
	ExecCommand = "__sandbox-exec"
)

// cloneFlags are the namespaces every sandbox process gets. The network
// namespace is deliberately shared with the host so RUN directives can fetch
// packages.
const cloneFlags = unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWIPC |
	unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP

// Controller creates and destroys sandboxes. At most one sandbox is active
// per staging area at a time; Enter is idempotent per root directory.
type Controller struct {
	mu       sync.Mutex
	active   map[string]*Sandbox
	platform platform.Platform
	log      *logger.Logger
}

func NewController(p platform.Platform, log *logger.Logger) *Controller {
	return &Controller{
		active:   make(map[string]*Sandbox),
		platform: p,
		log:      log.WithField("component", "sandbox"),
	}
}

// Sandbox is an isolated execution context rooted at a staging area. A
// holder process owns the sandbox's lifetime; commands run in namespaces
// with identical isolation, chrooted to the root directory.
type Sandbox struct {
	RootDir string

	controller *Controller
	holder     platform.Command
	log        *logger.Logger
}

// Enter returns the active sandbox for rootDir, starting one if needed.
func (c *Controller) Enter(rootDir string) (*Sandbox, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sb, ok := c.active[rootDir]; ok {
		return sb, nil
	}

	exe, err := c.platform.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own executable: %w", err)
	}

	holder := c.platform.CreateCommand(exe, HoldCommand)
	holder.SetSysProcAttr(&syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Setpgid:    true,
	})
	if err := holder.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sandbox holder: %w", err)
	}

	sb := &Sandbox{
		RootDir:    rootDir,
		controller: c,
		holder:     holder,
		log:        c.log.WithField("root", rootDir),
	}
	c.active[rootDir] = sb

	if proc := holder.Process(); proc != nil {
		sb.log.Debug("sandbox entered", "holderPid", proc.Pid())
	}
	return sb, nil
}

// Run executes script with a shell inside the sandbox, blocking until it
// exits. The command's stdout/stderr pass through to the operator. A
// non-zero exit is returned as an error.
func (s *Sandbox) Run(script string, umask int) error {
	return s.exec(script, umask, false)
}

// RunInteractive starts an interactive shell inside the sandbox, a debugging
// aid used after the last directive.
func (s *Sandbox) RunInteractive(umask int) error {
	return s.exec("", umask, true)
}

func (s *Sandbox) exec(script string, umask int, interactive bool) error {
	exe, err := s.controller.platform.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own executable: %w", err)
	}

	args := []string{ExecCommand, s.RootDir, fmt.Sprintf("%04o", umask)}
	if interactive {
		args = append(args, "--interactive")
	} else {
		args = append(args, script)
	}

	cmd := s.controller.platform.CreateCommand(exe, args...)
	cmd.SetSysProcAttr(&syscall.SysProcAttr{
		Cloneflags: cloneFlags,
		Setpgid:    true,
	})
	cmd.SetStdout(os.Stdout)
	cmd.SetStderr(os.Stderr)
	if interactive {
		cmd.SetStdin(os.Stdin)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sandboxed command failed: %w", err)
	}
	return nil
}

// Leave terminates the holder process, ending the sandbox. The staging mount
// itself is left alone.
func (s *Sandbox) Leave() error {
	c := s.controller
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active[s.RootDir] != s {
		return nil
	}
	delete(c.active, s.RootDir)

	if proc := s.holder.Process(); proc != nil {
		if err := proc.Kill(); err != nil {
			s.log.Warn("failed to kill sandbox holder", "error", err)
		}
	}
	_ = s.holder.Wait()

	s.log.Debug("sandbox left")
	return nil
}

// LeaveAll force-terminates every active sandbox; used on interrupt.
func (c *Controller) LeaveAll() {
	c.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(c.active))
	for _, sb := range c.active {
		sandboxes = append(sandboxes, sb)
	}
	c.mu.Unlock()

	for _, sb := range sandboxes {
		_ = sb.Leave()
	}
}
