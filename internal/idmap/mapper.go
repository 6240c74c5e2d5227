//go:build linux

package idmap

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// MappedEnv marks a process that already went through the re-exec, so the
// mapping step runs at most once per process tree.
const MappedEnv = "FIREFORGE_MAPPED"

// requiredIDs is the sub-id range size needed to represent a full 16-bit id
// space inside the namespace.
const requiredIDs = 65536

const cloneFlags = unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
	unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP

// MapError is a missing or unusable sub-id configuration. It carries
// remediation text because the fix happens outside this program.
type MapError struct {
	Reason      string
	Remediation string
}

func (e *MapError) Error() string {
	if e.Remediation == "" {
		return e.Reason
	}
	return e.Reason + "\n" + e.Remediation
}

// Mapper establishes the user namespace every build runs in: container root
// maps to the invoking user, container uids 1..65535 map to the user's
// subordinate range. Files created in a staging area then have the same
// owner outside the sandbox as inside it.
type Mapper struct {
	platform platform.Platform
	log      *logger.Logger

	// sub-id file locations, overridable in tests
	SubUIDPath string
	SubGIDPath string
	NewUIDMap  string
	NewGIDMap  string
}

func NewMapper(p platform.Platform) *Mapper {
	return &Mapper{
		platform:   p,
		log:        logger.WithField("component", "idmap"),
		SubUIDPath: "/etc/subuid",
		SubGIDPath: "/etc/subgid",
		NewUIDMap:  "newuidmap",
		NewGIDMap:  "newgidmap",
	}
}

// NeedsMapping reports whether this process must re-exec itself inside a new
// user namespace. Root needs no mapping, and a process that already carries
// the marker is the re-exec'd child.
func (m *Mapper) NeedsMapping() bool {
	return m.platform.Geteuid() != 0 && m.platform.Getenv(MappedEnv) == ""
}

// EnsureMapped re-invokes the program inside a fresh set of namespaces with
// the identity map installed, and waits for it. The returned bool is true
// when a child ran in the caller's place; the int is its exit code, which
// the caller must exit with.
func (m *Mapper) EnsureMapped(argv []string) (int, bool, error) {
	if !m.NeedsMapping() {
		return 0, false, nil
	}

	uid := m.platform.Getuid()
	gid := m.platform.Getgid()
	username := lookupUsername(uid)

	uidRange, err := m.findRange(m.SubUIDPath, username, uid)
	if err != nil {
		return 0, false, err
	}
	gidRange, err := m.findRange(m.SubGIDPath, username, gid)
	if err != nil {
		return 0, false, err
	}

	m.log.Debug("re-executing inside user namespace",
		"subuid", fmt.Sprintf("%d+%d", uidRange.Start, uidRange.Count),
		"subgid", fmt.Sprintf("%d+%d", gidRange.Start, gidRange.Count))

	code, err := m.reexec(argv, uid, gid, uidRange, gidRange)
	if err != nil {
		return 0, false, err
	}
	return code, true, nil
}

// findRange parses a sub-id file and picks a usable range, with remediation
// text when there is none.
func (m *Mapper) findRange(path, username string, id int) (Range, error) {
	f, err := os.Open(path)
	if err != nil {
		return Range{}, &MapError{
			Reason: fmt.Sprintf("cannot read %s: %v", path, err),
			Remediation: fmt.Sprintf("add a line `%s:100000:65536` to %s (see subuid(5)), or run as root",
				username, path),
		}
	}
	defer f.Close()

	entries, err := parseSubIDs(f)
	if err != nil {
		return Range{}, &MapError{Reason: err.Error()}
	}

	for _, pair := range overlapping(entries) {
		m.log.Warn("overlapping sub-id ranges", "file", path, "owners", pair)
	}

	r, ok := rangeFor(entries, username, id, requiredIDs)
	if !ok {
		return Range{}, &MapError{
			Reason: fmt.Sprintf("no sub-id range of at least %d ids for user %s in %s", requiredIDs, username, path),
			Remediation: fmt.Sprintf("add a line `%s:100000:65536` to %s (see subuid(5)), or run as root",
				username, path),
		}
	}
	return r, nil
}

// reexec starts /proc/self/exe with the original arguments inside new
// namespaces, installs the id mappings from outside via the setuid shadow
// helpers, and forwards the child's exit code. The child blocks in
// WaitForMapping until the maps are in place, so no build work can run with
// an incomplete identity.
func (m *Mapper) reexec(argv []string, uid, gid int, uidRange, gidRange Range) (int, error) {
	exe, err := m.platform.Executable()
	if err != nil {
		return 0, fmt.Errorf("cannot determine own executable: %w", err)
	}

	cmd := m.platform.CreateCommand(exe, argv[1:]...)
	cmd.SetStdin(os.Stdin)
	cmd.SetStdout(os.Stdout)
	cmd.SetStderr(os.Stderr)
	cmd.SetEnv(append(os.Environ(), MappedEnv+"=1"))
	cmd.SetSysProcAttr(&syscall.SysProcAttr{
		Cloneflags: cloneFlags,
	})

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to re-exec inside user namespace: %w", err)
	}
	pid := cmd.Process().Pid()

	if err := m.installMappings(pid, uid, gid, uidRange, gidRange); err != nil {
		cmd.Process().Kill()
		cmd.Wait()
		return 0, err
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 1, fmt.Errorf("re-exec'd child failed: %w", err)
	}
	return 0, nil
}

func (m *Mapper) installMappings(pid, uid, gid int, uidRange, gidRange Range) error {
	pidStr := strconv.Itoa(pid)

	// container root -> invoking user, then the full subordinate block
	uidArgs := []string{pidStr,
		"0", strconv.Itoa(uid), "1",
		"1", strconv.FormatUint(uint64(uidRange.Start), 10), strconv.FormatUint(uint64(requiredIDs-1), 10)}
	if out, err := m.platform.CreateCommand(m.NewUIDMap, uidArgs...).CombinedOutput(); err != nil {
		return &MapError{Reason: fmt.Sprintf("newuidmap failed: %v: %s", err, out)}
	}

	gidArgs := []string{pidStr,
		"0", strconv.Itoa(gid), "1",
		"1", strconv.FormatUint(uint64(gidRange.Start), 10), strconv.FormatUint(uint64(requiredIDs-1), 10)}
	if out, err := m.platform.CreateCommand(m.NewGIDMap, gidArgs...).CombinedOutput(); err != nil {
		return &MapError{Reason: fmt.Sprintf("newgidmap failed: %v: %s", err, out)}
	}
	return nil
}

// WaitForMapping blocks the re-exec'd child until its uid map has been
// written by the parent. A fresh user namespace has an empty map, and any
// file created before the map lands would be owned by the overflow id.
func WaitForMapping(timeout time.Duration) error {
	return waitForMapping("/proc/self/uid_map", timeout)
}

func waitForMapping(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("uid map was not installed within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func lookupUsername(uid int) string {
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		return u.Username
	}
	return strconv.Itoa(uid)
}
