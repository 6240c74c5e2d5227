//go:build linux

package idmap

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireforge/pkg/platform"
)

func newTestMapper(t *testing.T, uid int) (*Mapper, *platform.MockPlatform) {
	t.Helper()
	mock := platform.NewMockPlatform()
	euid := uid
	mock.UID, mock.GID, mock.EUID = &uid, &uid, &euid

	m := NewMapper(mock)
	dir := t.TempDir()
	m.SubUIDPath = filepath.Join(dir, "subuid")
	m.SubGIDPath = filepath.Join(dir, "subgid")
	return m, mock
}

func writeSubIDs(t *testing.T, m *Mapper, uid int, count uint32) {
	t.Helper()
	line := strconv.Itoa(uid) + ":100000:" + strconv.FormatUint(uint64(count), 10) + "\n"
	require.NoError(t, os.WriteFile(m.SubUIDPath, []byte(line), 0644))
	require.NoError(t, os.WriteFile(m.SubGIDPath, []byte(line), 0644))
}

func TestNeedsMappingRootDoesNot(t *testing.T) {
	mock := platform.NewMockPlatform()
	euid := 0
	mock.EUID = &euid
	assert.False(t, NewMapper(mock).NeedsMapping())
}

func TestNeedsMappingMarkedChildDoesNot(t *testing.T) {
	m, _ := newTestMapper(t, 1000)
	t.Setenv(MappedEnv, "1")
	assert.False(t, m.NeedsMapping())
}

func TestNeedsMappingUnprivileged(t *testing.T) {
	m, _ := newTestMapper(t, 1000)
	os.Unsetenv(MappedEnv)
	assert.True(t, m.NeedsMapping())
}

func TestEnsureMappedReexecsAndInstallsMappings(t *testing.T) {
	m, mock := newTestMapper(t, 1000)
	os.Unsetenv(MappedEnv)
	writeSubIDs(t, m, 1000, 65536)

	code, reexeced, err := m.EnsureMapped([]string{"fireforge", "build", "x.rootfs"})
	require.NoError(t, err)
	assert.True(t, reexeced)
	assert.Zero(t, code)

	require.Len(t, mock.Commands, 3)
	assert.Equal(t, []string{"build", "x.rootfs"}, mock.Commands[0].Args)
	assert.Equal(t, "newuidmap", mock.Commands[1].Name)
	assert.Equal(t, "newgidmap", mock.Commands[2].Name)

	// container root -> real uid (size 1), then the subordinate block
	uidArgs := mock.Commands[1].Args
	assert.Equal(t, []string{"0", "1000", "1", "1", "100000", "65535"}, uidArgs[1:])
}

func TestEnsureMappedNoRangeFails(t *testing.T) {
	m, _ := newTestMapper(t, 1000)
	os.Unsetenv(MappedEnv)
	writeSubIDs(t, m, 1000, 100) // too small

	_, _, err := m.EnsureMapped([]string{"fireforge"})
	require.Error(t, err)

	mapErr, ok := err.(*MapError)
	require.True(t, ok)
	assert.Contains(t, mapErr.Remediation, "100000:65536")
}

func TestEnsureMappedMissingFileFails(t *testing.T) {
	m, _ := newTestMapper(t, 1000)
	os.Unsetenv(MappedEnv)

	_, _, err := m.EnsureMapped([]string{"fireforge"})
	require.Error(t, err)
	var mapErr *MapError
	require.ErrorAs(t, err, &mapErr)
	assert.NotEmpty(t, mapErr.Remediation)
}

func TestEnsureMappedRootIsNoop(t *testing.T) {
	mock := platform.NewMockPlatform()
	euid := 0
	mock.EUID = &euid
	m := NewMapper(mock)

	code, reexeced, err := m.EnsureMapped([]string{"fireforge"})
	require.NoError(t, err)
	assert.False(t, reexeced)
	assert.Zero(t, code)
	assert.Empty(t, mock.Commands)
}

func TestWaitForMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uid_map")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	err := waitForMapping(path, 50*time.Millisecond)
	assert.Error(t, err, "an empty map must time out")

	require.NoError(t, os.WriteFile(path, []byte("0 1000 1\n"), 0644))
	assert.NoError(t, waitForMapping(path, time.Second))
}
