//go:build linux

package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

func newTestArea(t *testing.T) (*Area, *platform.MockPlatform) {
	t.Helper()
	mock := platform.NewMockPlatform()
	mgr := NewManager(mock, logger.NewWithWriter(os.Stderr, logger.ERROR))
	area, err := mgr.Create(filepath.Join(t.TempDir(), "staging"), 64)
	require.NoError(t, err)
	return area, mock
}

func TestCreateMountsTmpfs(t *testing.T) {
	area, mock := newTestArea(t)

	require.Len(t, mock.MountCalls, 1)
	call := mock.MountCalls[0]
	assert.Equal(t, "tmpfs", call.Source)
	assert.Equal(t, area.Path, call.Target)
	assert.Equal(t, "tmpfs", call.FSType)
	assert.Contains(t, call.Data, "size=64m")
	assert.Equal(t, 64, area.MaxSizeMiB())
}

func TestCreateRejectsNonPositiveSize(t *testing.T) {
	mock := platform.NewMockPlatform()
	mgr := NewManager(mock, logger.NewWithWriter(os.Stderr, logger.ERROR))
	_, err := mgr.Create(filepath.Join(t.TempDir(), "staging"), 0)
	assert.Error(t, err)
}

func TestResizeRemounts(t *testing.T) {
	area, mock := newTestArea(t)

	require.NoError(t, area.Resize(32))

	require.Len(t, mock.MountCalls, 2)
	call := mock.MountCalls[1]
	assert.NotZero(t, call.Flags&unix.MS_REMOUNT)
	assert.Contains(t, call.Data, "size=32m")
	assert.Equal(t, 32, area.MaxSizeMiB())
}

func TestResizeRefusesShrinkBelowUsage(t *testing.T) {
	area, _ := newTestArea(t)

	// ~3 MiB of content
	data := make([]byte, 3<<20)
	require.NoError(t, os.WriteFile(filepath.Join(area.Path, "blob"), data, 0644))

	err := area.Resize(2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot shrink")
}

func TestPopulateDev(t *testing.T) {
	area, mock := newTestArea(t)

	require.NoError(t, area.PopulateDev())

	devDir := filepath.Join(area.Path, "dev")
	for _, name := range []string{"fd", "stdin", "stdout", "stderr"} {
		_, err := os.Lstat(filepath.Join(devDir, name))
		assert.NoError(t, err, name)
	}
	target, err := os.Readlink(filepath.Join(devDir, "fd"))
	require.NoError(t, err)
	assert.Equal(t, "/proc/self/fd", target)

	// host device binds plus the shm tmpfs
	var sawNull, sawShm bool
	for _, call := range mock.MountCalls {
		if call.Source == "/dev/null" {
			sawNull = true
		}
		if call.Target == filepath.Join(devDir, "shm") && call.FSType == "tmpfs" {
			sawShm = true
		}
	}
	assert.True(t, sawNull, "expected /dev/null bind mount")
	assert.True(t, sawShm, "expected /dev/shm tmpfs mount")
}

func TestDestroyPreservesMountOnFormatFailure(t *testing.T) {
	area, mock := newTestArea(t)
	require.NoError(t, area.PopulateDev())
	devMounts := len(area.devMounts)

	require.NoError(t, area.Destroy(SeverityFormatFailed))

	assert.Len(t, mock.UnmountCalls, devMounts)
	for _, call := range mock.UnmountCalls {
		assert.NotEqual(t, area.Path, call.Target, "top-level mount must be preserved")
	}
	_, err := os.Stat(area.Path)
	assert.NoError(t, err, "staging directory must survive a format failure")
}

func TestDestroyTearsDownOnFatal(t *testing.T) {
	area, mock := newTestArea(t)
	require.NoError(t, area.PopulateDev())

	require.NoError(t, area.Destroy(SeverityFatal))

	var unmountedTop bool
	for _, call := range mock.UnmountCalls {
		if call.Target == area.Path {
			unmountedTop = true
		}
	}
	assert.True(t, unmountedTop, "top-level mount must be unmounted")
	_, err := os.Stat(area.Path)
	assert.True(t, os.IsNotExist(err), "staging directory must be removed")
}

func TestReconcileAndRestoreResolv(t *testing.T) {
	area, _ := newTestArea(t)

	hostResolv := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(hostResolv, []byte("nameserver 10.0.0.1\n"), 0644))
	area.hostResolv = hostResolv

	// base brought its own resolver file
	etc := filepath.Join(area.Path, "etc")
	require.NoError(t, os.MkdirAll(etc, 0755))
	original := []byte("nameserver 1.1.1.1\n")
	target := filepath.Join(etc, "resolv.conf")
	require.NoError(t, os.WriteFile(target, original, 0644))

	snap, err := area.ReconcileResolv()
	require.NoError(t, err)

	// host copy is now in place for sandboxed commands
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "nameserver 10.0.0.1\n", string(data))

	// nothing modified it, so the base's version comes back
	require.NoError(t, area.RestoreResolv(snap))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestRestoreResolvKeepsModifiedFile(t *testing.T) {
	area, _ := newTestArea(t)

	hostResolv := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(hostResolv, []byte("nameserver 10.0.0.1\n"), 0644))
	area.hostResolv = hostResolv

	snap, err := area.ReconcileResolv()
	require.NoError(t, err)

	// a directive intentionally rewrote the resolver config
	target := filepath.Join(area.Path, "etc", "resolv.conf")
	modified := []byte("nameserver 192.168.0.53\n")
	require.NoError(t, os.WriteFile(target, modified, 0644))

	require.NoError(t, area.RestoreResolv(snap))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, modified, data)
}

func TestRestoreResolvRemovesInstalledCopy(t *testing.T) {
	area, _ := newTestArea(t)

	hostResolv := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(hostResolv, []byte("nameserver 10.0.0.1\n"), 0644))
	area.hostResolv = hostResolv

	// scratch base: no resolver file of its own
	snap, err := area.ReconcileResolv()
	require.NoError(t, err)

	require.NoError(t, area.RestoreResolv(snap))
	_, err = os.Stat(filepath.Join(area.Path, "etc", "resolv.conf"))
	assert.True(t, os.IsNotExist(err), "host copy must not leak into the image")
}
