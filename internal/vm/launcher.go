//go:build linux

package vm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// Options selects how a microVM is jailed and run.
type Options struct {
	ConfigPath    string
	ChrootBaseDir string

	// base directories for relative artifact paths in the VM config;
	// empty values default against the config file's own directory
	KernelBaseDir string
	InitrdBaseDir string
	ImageBaseDir  string

	Firecracker string
	Jailer      string
	User        string

	NewPidNS       bool
	NetNS          string
	Cgroups        []string
	ResourceLimits []string
	Daemonize      bool

	NoSeccomp     bool
	SeccompFilter string
}

// Launcher prepares a per-instance chroot and runs one microVM under the
// firecracker jailer until it exits.
type Launcher struct {
	platform platform.Platform
	log      *logger.Logger
	opts     Options

	vmID        string
	instanceDir string
	chroot      string
	taps        []string
}

func NewLauncher(p platform.Platform, opts Options) *Launcher {
	return &Launcher{
		platform: p,
		log:      logger.WithField("component", "vm"),
		opts:     opts,
	}
}

// Launch runs the whole pipeline: resolve artifacts into a fresh instance
// chroot, rewrite the VM config, start the jailer, and block until the VM
// terminates. The instance chroot and any created tap devices are removed on
// every exit path. Returns the VM process's exit code.
func (l *Launcher) Launch() (int, error) {
	defer l.cleanup()

	configPath, err := filepath.Abs(l.opts.ConfigPath)
	if err != nil {
		return 0, err
	}
	configDir := filepath.Dir(configPath)
	if l.opts.KernelBaseDir == "" {
		l.opts.KernelBaseDir = configDir
	}
	if l.opts.InitrdBaseDir == "" {
		l.opts.InitrdBaseDir = l.opts.KernelBaseDir
	}
	if l.opts.ImageBaseDir == "" {
		l.opts.ImageBaseDir = configDir
	}
	if err := l.resolveBinaries(); err != nil {
		return 0, err
	}

	uid, gid, err := lookupUser(l.opts.User)
	if err != nil {
		return 0, err
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return 0, err
	}

	name := filepath.Base(configPath)
	if strings.HasSuffix(name, ".json") {
		name = strings.TrimSuffix(name, ".json")
	}
	l.vmID = name + "-" + uuid.NewString()

	chrootBase := l.opts.ChrootBaseDir
	if !filepath.IsAbs(chrootBase) {
		chrootBase = filepath.Join(configDir, chrootBase)
	}
	l.instanceDir = filepath.Join(chrootBase, "firecracker", l.vmID)
	l.chroot = filepath.Join(l.instanceDir, "root")
	if err := l.platform.MkdirAll(l.chroot, 0750); err != nil {
		return 0, fmt.Errorf("cannot create instance chroot: %w", err)
	}
	if err := l.platform.Chown(l.chroot, -1, gid); err != nil {
		l.log.Warn("cannot chown instance chroot", "error", err)
	}

	if err := l.placeArtifacts(cfg); err != nil {
		return 0, err
	}

	if l.opts.SeccompFilter != "" {
		if err := copyFile(l.opts.SeccompFilter, filepath.Join(l.chroot, "seccomp.bpf")); err != nil {
			return 0, fmt.Errorf("cannot install seccomp filter: %w", err)
		}
	}

	if err := l.setupNetworking(cfg); err != nil {
		return 0, err
	}

	if err := cfg.Write(filepath.Join(l.chroot, "config.json")); err != nil {
		return 0, fmt.Errorf("cannot write VM config: %w", err)
	}

	return l.runJailer(chrootBase, uid, gid)
}

func (l *Launcher) resolveBinaries() error {
	if l.opts.Firecracker == "" {
		path, err := l.platform.LookPath("firecracker")
		if err != nil {
			return fmt.Errorf("firecracker binary not found")
		}
		l.opts.Firecracker = path
	}
	if l.opts.Jailer == "" {
		path, err := l.platform.LookPath("jailer")
		if err != nil {
			return fmt.Errorf("jailer binary not found")
		}
		l.opts.Jailer = path
	}
	return nil
}

// placeArtifacts resolves the kernel, initrd and drive paths and hardlinks
// them into the instance chroot. Only the bare file name remains in the
// config since full host paths are meaningless inside the jail.
func (l *Launcher) placeArtifacts(cfg *Config) error {
	kernelPattern, _ := cfg.BootSource["kernel_image_path"].(string)
	kernel, err := resolveArtifact(kernelPattern, l.opts.KernelBaseDir)
	if err != nil {
		return err
	}
	cfg.BootSource["kernel_image_path"] = filepath.Base(kernel)
	if err := l.linkIn(kernel); err != nil {
		return err
	}

	if initrdPattern, ok := cfg.BootSource["initrd_path"].(string); ok {
		initrd, err := resolveArtifact(initrdPattern, l.opts.InitrdBaseDir)
		if err != nil {
			return err
		}
		cfg.BootSource["initrd_path"] = filepath.Base(initrd)
		if err := l.linkIn(initrd); err != nil {
			return err
		}
	}

	for _, drive := range cfg.Drives {
		pattern, _ := drive["path_on_host"].(string)
		path, err := resolveArtifact(pattern, l.opts.ImageBaseDir)
		if err != nil {
			return err
		}
		drive["path_on_host"] = filepath.Base(path)
		if err := l.linkIn(path); err != nil {
			return err
		}
	}
	return nil
}

// linkIn hardlinks a file into the chroot, falling back to a copy when the
// source lives on a different filesystem.
func (l *Launcher) linkIn(path string) error {
	target := filepath.Join(l.chroot, filepath.Base(path))
	if err := l.platform.Link(path, target); err == nil {
		return nil
	}
	return copyFile(path, target)
}

func (l *Launcher) jailerArgs(chrootBase string, uid, gid int) []string {
	args := []string{
		"--exec-file", l.opts.Firecracker,
		"--id", l.vmID,
		"--chroot-base-dir", chrootBase,
		"--uid", strconv.Itoa(uid),
		"--gid", strconv.Itoa(gid),
	}
	if l.opts.NewPidNS {
		args = append(args, "--new-pid-ns")
	}
	if l.opts.NetNS != "" {
		args = append(args, "--netns", l.opts.NetNS)
	}
	for _, cgroup := range l.opts.Cgroups {
		args = append(args, "--cgroup", cgroup)
	}
	for _, limit := range l.opts.ResourceLimits {
		args = append(args, "--resource-limit", limit)
	}
	if l.opts.Daemonize {
		args = append(args, "--daemonize")
	}
	args = append(args, "--", "--config-file", "config.json")
	if l.opts.NoSeccomp {
		args = append(args, "--no-seccomp")
	} else if l.opts.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", "seccomp.bpf")
	}
	return args
}

func (l *Launcher) runJailer(chrootBase string, uid, gid int) (int, error) {
	cmd := l.platform.CreateCommand(l.opts.Jailer, l.jailerArgs(chrootBase, uid, gid)...)
	cmd.SetStdin(os.Stdin)
	cmd.SetStdout(os.Stdout)
	cmd.SetStderr(os.Stderr)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start jailer: %w", err)
	}
	l.log.Info("microVM started", "id", l.vmID)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT, unix.SIGHUP)
	defer signal.Stop(sigCh)
	go l.handleSignals(sigCh, cmd)

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			return 0, fmt.Errorf("jailer failed: %w", err)
		}
	}

	if l.opts.NewPidNS {
		// jailer forks with --new-pid-ns; the real firecracker pid is in the
		// pid file, and the chroot must outlive it
		if err := l.waitForPidFile(); err != nil {
			l.log.Warn("pid file wait failed", "error", err)
		}
	}
	return code, nil
}

// handleSignals implements the two-stage shutdown: the first signal asks the
// guest to power off via Ctrl+Alt+Del, a second one is forwarded to the VM
// process and escalated to SIGKILL.
func (l *Launcher) handleSignals(sigCh <-chan os.Signal, cmd platform.Command) {
	<-sigCh
	if err := l.SendCtrlAltDel(); err != nil {
		l.log.Warn("graceful shutdown request failed", "error", err)
	}

	sig := <-sigCh
	l.log.Warn("second signal, killing microVM", "signal", sig)
	if err := cmd.Process().Signal(sig); err == nil {
		time.Sleep(250 * time.Millisecond)
	}
	cmd.Process().Kill()
}

// SendCtrlAltDel asks the guest to shut down gracefully through the
// firecracker API socket. The request is a single raw HTTP/1.0 PUT; pulling
// in an HTTP client for it would be heavier than the protocol itself.
func (l *Launcher) SendCtrlAltDel() error {
	socketPath := filepath.Join(l.chroot, "run", "firecracker.socket")
	conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
	if err != nil {
		return err
	}
	defer conn.Close()

	body := `{"action_type": "SendCtrlAltDel"}`
	request := fmt.Sprintf("PUT /actions HTTP/1.0\r\n"+
		"Content-Type: application/json\r\n"+
		"Content-Length: %d\r\n"+
		"\r\n%s", len(body), body)

	conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(request)); err != nil {
		return err
	}
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			return nil
		}
	}
}

// waitForPidFile blocks until the daemonized firecracker process named in
// the chroot's pid file exits.
func (l *Launcher) waitForPidFile() error {
	data, err := l.platform.ReadFile(filepath.Join(l.chroot, "firecracker.pid"))
	if err != nil {
		return fmt.Errorf("cannot read firecracker.pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("bad pid in firecracker.pid: %w", err)
	}

	for {
		// signal 0 probes liveness without delivering anything
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

// cleanup deletes created tap devices and the instance chroot.
func (l *Launcher) cleanup() {
	for _, tap := range l.taps {
		if out, err := l.platform.CreateCommand("ip", "link", "delete", "dev", tap).CombinedOutput(); err != nil {
			l.log.Warn("failed to delete tap device", "tap", tap, "error", err, "output", string(out))
		}
	}
	l.taps = nil

	if l.instanceDir != "" {
		if err := l.platform.RemoveAll(l.instanceDir); err != nil {
			l.log.Warn("failed to remove instance directory", "error", err)
		}
	}
}

func lookupUser(name string) (int, int, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("unknown user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
