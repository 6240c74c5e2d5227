package platform

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// MockPlatform performs real file operations (callers point it at temp dirs)
// while intercepting mounts, device nodes, chroot and command execution, and
// recording every intercepted call for assertions.
type MockPlatform struct {
	// failure injection
	MountErr   error
	UnmountErr error
	MknodErr   error
	CommandErr error
	// CommandErrFor overrides CommandErr for specific command names.
	CommandErrFor map[string]error
	// CommandErrForArg overrides by the command's first argument. Re-exec
	// entry points all share the executable's name, so the name alone can
	// not single one of them out.
	CommandErrForArg map[string]error

	// identity overrides (zero values mean "use the real ids")
	UID  *int
	GID  *int
	EUID *int

	// recorded calls, guarded by mu so tests may drive the platform from
	// more than one goroutine
	mu           sync.Mutex
	MountCalls   []MountCall
	UnmountCalls []UnmountCall
	MknodCalls   []MknodCall
	ChrootCalls  []string
	UmaskCalls   []int
	Commands     []CommandCall
}

type MountCall struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

type UnmountCall struct {
	Target string
	Flags  int
}

type MknodCall struct {
	Path string
	Mode uint32
	Dev  uint64
}

type CommandCall struct {
	Name string
	Args []string
}

// NewMockPlatform returns a mock with no injected failures.
func NewMockPlatform() *MockPlatform { return &MockPlatform{} }

func (m *MockPlatform) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (m *MockPlatform) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (m *MockPlatform) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (m *MockPlatform) Stat(path string) (os.FileInfo, error)  { return os.Stat(path) }
func (m *MockPlatform) Lstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

func (m *MockPlatform) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (m *MockPlatform) Symlink(target, path string) error { return os.Symlink(target, path) }
func (m *MockPlatform) Readlink(path string) (string, error) {
	return os.Readlink(path)
}

func (m *MockPlatform) Link(oldPath, newPath string) error   { return os.Link(oldPath, newPath) }
func (m *MockPlatform) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }
func (m *MockPlatform) Remove(path string) error             { return os.Remove(path) }
func (m *MockPlatform) RemoveAll(path string) error          { return os.RemoveAll(path) }

func (m *MockPlatform) Chmod(path string, perm os.FileMode) error { return os.Chmod(path, perm) }

// Chown is a no-op in the mock: tests run unprivileged.
func (m *MockPlatform) Chown(path string, uid, gid int) error  { return nil }
func (m *MockPlatform) Lchown(path string, uid, gid int) error { return nil }

func (m *MockPlatform) Truncate(path string, size int64) error { return os.Truncate(path, size) }

func (m *MockPlatform) IsNotExist(err error) bool { return os.IsNotExist(err) }

func (m *MockPlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	m.mu.Lock()
	m.MountCalls = append(m.MountCalls, MountCall{source, target, fstype, flags, data})
	m.mu.Unlock()
	return m.MountErr
}

func (m *MockPlatform) Unmount(target string, flags int) error {
	m.mu.Lock()
	m.UnmountCalls = append(m.UnmountCalls, UnmountCall{target, flags})
	m.mu.Unlock()
	return m.UnmountErr
}

func (m *MockPlatform) Mknod(path string, mode uint32, dev uint64) error {
	m.mu.Lock()
	m.MknodCalls = append(m.MknodCalls, MknodCall{path, mode, dev})
	m.mu.Unlock()
	if m.MknodErr != nil {
		return m.MknodErr
	}
	// leave a plain file behind so later stats and copies see something
	return os.WriteFile(path, nil, 0600)
}

func (m *MockPlatform) Chroot(path string) error {
	m.mu.Lock()
	m.ChrootCalls = append(m.ChrootCalls, path)
	m.mu.Unlock()
	return nil
}

func (m *MockPlatform) Chdir(path string) error { return os.Chdir(path) }

func (m *MockPlatform) Umask(mask int) int {
	m.mu.Lock()
	m.UmaskCalls = append(m.UmaskCalls, mask)
	m.mu.Unlock()
	return 0022
}

func (m *MockPlatform) Getuid() int {
	if m.UID != nil {
		return *m.UID
	}
	return os.Getuid()
}

func (m *MockPlatform) Getgid() int {
	if m.GID != nil {
		return *m.GID
	}
	return os.Getgid()
}

func (m *MockPlatform) Geteuid() int {
	if m.EUID != nil {
		return *m.EUID
	}
	return os.Geteuid()
}

func (m *MockPlatform) Executable() (string, error) { return os.Executable() }
func (m *MockPlatform) Getenv(key string) string    { return os.Getenv(key) }
func (m *MockPlatform) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (m *MockPlatform) CreateCommand(name string, args ...string) Command {
	m.mu.Lock()
	m.Commands = append(m.Commands, CommandCall{Name: name, Args: args})
	m.mu.Unlock()
	err := m.CommandErr
	if override, ok := m.CommandErrFor[name]; ok {
		err = override
	}
	if len(args) > 0 {
		if override, ok := m.CommandErrForArg[args[0]]; ok {
			err = override
		}
	}
	return &mockCommand{err: err}
}

// mockCommand swallows execution and reports the injected error, if any.
type mockCommand struct {
	err error
}

func (c *mockCommand) Start() error { return c.err }
func (c *mockCommand) Wait() error  { return c.err }
func (c *mockCommand) Run() error   { return c.err }

func (c *mockCommand) CombinedOutput() ([]byte, error) {
	if c.err != nil {
		return []byte(fmt.Sprintf("mock failure: %v", c.err)), c.err
	}
	return bytes.TrimSpace(nil), nil
}

func (c *mockCommand) SetStdin(io.Reader)                   {}
func (c *mockCommand) SetStdout(io.Writer)                  {}
func (c *mockCommand) SetStderr(io.Writer)                  {}
func (c *mockCommand) SetEnv([]string)                      {}
func (c *mockCommand) SetDir(string)                        {}
func (c *mockCommand) SetSysProcAttr(*syscall.SysProcAttr)  {}
func (c *mockCommand) Process() Process                     { return &mockProcess{} }

type mockProcess struct{}

func (p *mockProcess) Pid() int                   { return -1 }
func (p *mockProcess) Kill() error                { return nil }
func (p *mockProcess) Signal(sig os.Signal) error { return nil }
