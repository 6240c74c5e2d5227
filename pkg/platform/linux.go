//go:build linux

package platform

import (
	"io"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type linuxPlatform struct{}

func newLinuxPlatform() Platform { return &linuxPlatform{} }

func (p *linuxPlatform) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (p *linuxPlatform) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (p *linuxPlatform) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (p *linuxPlatform) Stat(path string) (os.FileInfo, error)  { return os.Stat(path) }
func (p *linuxPlatform) Lstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

func (p *linuxPlatform) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (p *linuxPlatform) Symlink(target, path string) error { return os.Symlink(target, path) }
func (p *linuxPlatform) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (p *linuxPlatform) Link(oldPath, newPath string) error   { return os.Link(oldPath, newPath) }
func (p *linuxPlatform) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }
func (p *linuxPlatform) Remove(path string) error             { return os.Remove(path) }
func (p *linuxPlatform) RemoveAll(path string) error          { return os.RemoveAll(path) }

func (p *linuxPlatform) Chmod(path string, perm os.FileMode) error { return os.Chmod(path, perm) }
func (p *linuxPlatform) Chown(path string, uid, gid int) error     { return os.Chown(path, uid, gid) }
func (p *linuxPlatform) Lchown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

func (p *linuxPlatform) Truncate(path string, size int64) error { return os.Truncate(path, size) }

func (p *linuxPlatform) IsNotExist(err error) bool { return os.IsNotExist(err) }

func (p *linuxPlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (p *linuxPlatform) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (p *linuxPlatform) Mknod(path string, mode uint32, dev uint64) error {
	return unix.Mknod(path, mode, int(dev))
}

func (p *linuxPlatform) Chroot(path string) error { return unix.Chroot(path) }
func (p *linuxPlatform) Chdir(path string) error  { return os.Chdir(path) }
func (p *linuxPlatform) Umask(mask int) int       { return unix.Umask(mask) }

func (p *linuxPlatform) Getuid() int  { return os.Getuid() }
func (p *linuxPlatform) Getgid() int  { return os.Getgid() }
func (p *linuxPlatform) Geteuid() int { return os.Geteuid() }

func (p *linuxPlatform) Executable() (string, error) { return os.Executable() }
func (p *linuxPlatform) Getenv(key string) string    { return os.Getenv(key) }
func (p *linuxPlatform) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (p *linuxPlatform) CreateCommand(name string, args ...string) Command {
	return &execCommand{cmd: exec.Command(name, args...)}
}

// execCommand adapts exec.Cmd to the Command interface.
type execCommand struct {
	cmd *exec.Cmd
}

func (e *execCommand) Start() error                    { return e.cmd.Start() }
func (e *execCommand) Wait() error                     { return e.cmd.Wait() }
func (e *execCommand) Run() error                      { return e.cmd.Run() }
func (e *execCommand) CombinedOutput() ([]byte, error) { return e.cmd.CombinedOutput() }
func (e *execCommand) SetStdin(r io.Reader)            { e.cmd.Stdin = r }
func (e *execCommand) SetStdout(w io.Writer)           { e.cmd.Stdout = w }
func (e *execCommand) SetStderr(w io.Writer)           { e.cmd.Stderr = w }
func (e *execCommand) SetEnv(env []string)             { e.cmd.Env = env }
func (e *execCommand) SetDir(dir string)               { e.cmd.Dir = dir }
func (e *execCommand) SetSysProcAttr(attr *syscall.SysProcAttr) {
	e.cmd.SysProcAttr = attr
}

func (e *execCommand) Process() Process {
	if e.cmd.Process == nil {
		return nil
	}
	return &execProcess{process: e.cmd.Process}
}

type execProcess struct {
	process *os.Process
}

func (p *execProcess) Pid() int                    { return p.process.Pid }
func (p *execProcess) Kill() error                 { return p.process.Kill() }
func (p *execProcess) Signal(sig os.Signal) error  { return p.process.Signal(sig) }
