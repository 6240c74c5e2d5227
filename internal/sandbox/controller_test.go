//go:build linux

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

func newTestController(t *testing.T) (*Controller, *platform.MockPlatform) {
	t.Helper()
	mock := platform.NewMockPlatform()
	return NewController(mock, logger.NewWithWriter(os.Stderr, logger.ERROR)), mock
}

func TestEnterIsIdempotentPerRoot(t *testing.T) {
	ctl, mock := newTestController(t)
	root := filepath.Join(t.TempDir(), "staging")

	first, err := ctl.Enter(root)
	require.NoError(t, err)
	second, err := ctl.Enter(root)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, mock.Commands, 1, "re-entering must not start a second holder")
	assert.Equal(t, []string{HoldCommand}, mock.Commands[0].Args)
}

func TestEnterSeparateRootsSeparateSandboxes(t *testing.T) {
	ctl, mock := newTestController(t)

	a, err := ctl.Enter(filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)
	b, err := ctl.Enter(filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Len(t, mock.Commands, 2)
}

func TestRunInvokesExecHelper(t *testing.T) {
	ctl, mock := newTestController(t)
	root := filepath.Join(t.TempDir(), "staging")

	sb, err := ctl.Enter(root)
	require.NoError(t, err)
	require.NoError(t, sb.Run("echo hi > /hi", 0022))

	require.Len(t, mock.Commands, 2)
	args := mock.Commands[1].Args
	require.Len(t, args, 4)
	assert.Equal(t, ExecCommand, args[0])
	assert.Equal(t, root, args[1])
	assert.Equal(t, "0022", args[2])
	assert.Equal(t, "echo hi > /hi", args[3])
}

func TestRunPropagatesFailure(t *testing.T) {
	ctl, mock := newTestController(t)
	sb, err := ctl.Enter(filepath.Join(t.TempDir(), "staging"))
	require.NoError(t, err)

	mock.CommandErr = errors.New("exit status 7")
	err = sb.Run("false", 0022)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit status 7")
}

func TestLeaveForgetsSandbox(t *testing.T) {
	ctl, mock := newTestController(t)
	root := filepath.Join(t.TempDir(), "staging")

	sb, err := ctl.Enter(root)
	require.NoError(t, err)
	require.NoError(t, sb.Leave())

	again, err := ctl.Enter(root)
	require.NoError(t, err)
	assert.NotSame(t, sb, again)
	assert.Len(t, mock.Commands, 2, "a fresh holder starts after Leave")
}
