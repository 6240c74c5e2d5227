package platform

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"syscall"
)

// Platform abstracts the host operations the build engine performs, so that
// mount and namespace heavy code paths can be exercised in tests without
// privileges.
type Platform interface {
	// file operations
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadFile(path string) ([]byte, error)
	Stat(path string) (os.FileInfo, error)
	Lstat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Symlink(target, path string) error
	Readlink(path string) (string, error)
	Link(oldPath, newPath string) error
	Rename(oldPath, newPath string) error
	Remove(path string) error
	RemoveAll(path string) error
	Chmod(path string, perm os.FileMode) error
	Chown(path string, uid, gid int) error
	Lchown(path string, uid, gid int) error
	Truncate(path string, size int64) error
	IsNotExist(err error) bool

	// syscalls
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	Mknod(path string, mode uint32, dev uint64) error
	Chroot(path string) error
	Chdir(path string) error
	Umask(mask int) int

	// identity
	Getuid() int
	Getgid() int
	Geteuid() int

	// process
	Executable() (string, error)
	Getenv(key string) string
	LookPath(file string) (string, error)
	CreateCommand(name string, args ...string) Command
}

// Command wraps an external process so tests can intercept execution.
type Command interface {
	Start() error
	Wait() error
	Run() error
	CombinedOutput() ([]byte, error)
	SetStdin(r io.Reader)
	SetStdout(w io.Writer)
	SetStderr(w io.Writer)
	SetEnv(env []string)
	SetDir(dir string)
	SetSysProcAttr(attr *syscall.SysProcAttr)
	Process() Process
}

// Process is the running side of a Command.
type Process interface {
	Pid() int
	Kill() error
	Signal(sig os.Signal) error
}

// New returns the host platform implementation.
func New() Platform {
	switch runtime.GOOS {
	case "linux":
		return newLinuxPlatform()
	default:
		panic(fmt.Sprintf("unsupported platform: %s", runtime.GOOS))
	}
}
