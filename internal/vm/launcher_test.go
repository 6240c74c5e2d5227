//go:build linux

package vm

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireforge/pkg/logger"
)

func TestJailerArgs(t *testing.T) {
	l := &Launcher{
		vmID: "vm-1234",
		opts: Options{
			Firecracker:    "/usr/bin/firecracker",
			Jailer:         "/usr/bin/jailer",
			NewPidNS:       true,
			NetNS:          "/var/run/netns/fc",
			Cgroups:        []string{"cpu.weight=50"},
			ResourceLimits: []string{"no-file=2048"},
			Daemonize:      true,
			NoSeccomp:      true,
		},
	}

	args := l.jailerArgs("/srv/jail", 123, 456)

	assert.Equal(t, []string{
		"--exec-file", "/usr/bin/firecracker",
		"--id", "vm-1234",
		"--chroot-base-dir", "/srv/jail",
		"--uid", "123",
		"--gid", "456",
		"--new-pid-ns",
		"--netns", "/var/run/netns/fc",
		"--cgroup", "cpu.weight=50",
		"--resource-limit", "no-file=2048",
		"--daemonize",
		"--", "--config-file", "config.json",
		"--no-seccomp",
	}, args)
}

func TestJailerArgsSeccompFilter(t *testing.T) {
	l := &Launcher{
		vmID: "vm-1",
		opts: Options{Firecracker: "fc", SeccompFilter: "/tmp/filter.bpf"},
	}
	args := l.jailerArgs("/srv", 1, 1)
	assert.Equal(t, "seccomp.bpf", args[len(args)-1])
	assert.Equal(t, "--seccomp-filter", args[len(args)-2])
}

func TestPlaceArtifactsLinksIntoChroot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmlinux-5.10"), []byte("kernel"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.img"), []byte("image"), 0644))

	chroot := filepath.Join(t.TempDir(), "root")
	require.NoError(t, os.MkdirAll(chroot, 0750))

	l, _ := newTestLauncher(Options{KernelBaseDir: dir, ImageBaseDir: dir})
	l.chroot = chroot

	cfg := &Config{
		BootSource: map[string]interface{}{"kernel_image_path": "vmlinux-*"},
		Drives:     []map[string]interface{}{{"path_on_host": "root.img"}},
	}
	require.NoError(t, l.placeArtifacts(cfg))

	assert.Equal(t, "vmlinux-5.10", cfg.BootSource["kernel_image_path"])
	assert.Equal(t, "root.img", cfg.Drives[0]["path_on_host"])
	assert.FileExists(t, filepath.Join(chroot, "vmlinux-5.10"))
	assert.FileExists(t, filepath.Join(chroot, "root.img"))
}

func TestPlaceArtifactsMissingKernelFails(t *testing.T) {
	l, _ := newTestLauncher(Options{KernelBaseDir: t.TempDir()})
	l.chroot = t.TempDir()
	cfg := &Config{BootSource: map[string]interface{}{"kernel_image_path": "vmlinux-*"}}

	err := l.placeArtifacts(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
}

func TestLaunchRunsJailerAndCleansUp(t *testing.T) {
	current, err := user.Current()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmlinux-5.10"), []byte("kernel"), 0644))
	configPath := filepath.Join(dir, "test.json")
	require.NoError(t, os.WriteFile(configPath,
		[]byte(`{"boot-source": {"kernel_image_path": "vmlinux-*", "boot_args": "quiet"}}`), 0644))

	chrootBase := t.TempDir()
	l, mock := newTestLauncher(Options{
		ConfigPath:    configPath,
		ChrootBaseDir: chrootBase,
		Firecracker:   "/usr/bin/firecracker",
		Jailer:        "/usr/bin/jailer",
		User:          current.Username,
	})
	l.log = logger.WithField("component", "vm")

	code, err := l.Launch()
	require.NoError(t, err)
	assert.Zero(t, code)

	require.Len(t, mock.Commands, 1)
	jailer := mock.Commands[0]
	assert.Equal(t, "/usr/bin/jailer", jailer.Name)
	assert.Contains(t, jailer.Args, "--exec-file")
	assert.Contains(t, jailer.Args, "config.json")

	// the instance directory must be gone on every exit path
	entries, err := os.ReadDir(filepath.Join(chrootBase, "firecracker"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
