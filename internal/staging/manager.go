//go:build linux

package staging

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// Severity classifies how a build ended, which decides how much of the
// staging area Destroy tears down. A format failure (and success) must leave
// the populated mount behind so a later image in the same invocation can use
// it as a base; everything worse must not.
type Severity int

const (
	// SeverityOK: build completed, image written.
	SeverityOK Severity = iota
	// SeverityFormatFailed: content is final but sizing/allocation/formatting
	// failed. The tree is kept.
	SeverityFormatFailed
	// SeverityFatal: setup or content failure. The mount is removed so a
	// half-populated tree can never silently become a later build's base.
	SeverityFatal
)

// deviceNodes are bind mounted from the host so sandboxed commands have a
// working device tree without seeing the host's full /dev.
var deviceNodes = []string{"null", "zero", "full", "random", "urandom", "tty", "console"}

// Manager creates and destroys staging areas.
type Manager struct {
	platform platform.Platform
	log      *logger.Logger
}

func NewManager(p platform.Platform, log *logger.Logger) *Manager {
	return &Manager{platform: p, log: log.WithField("component", "staging")}
}

// Area is the ephemeral in-memory tree an image is assembled in. It owns the
// tmpfs mount and the device submounts under it.
type Area struct {
	Path string

	maxMiB     int
	devMounts  []string
	hostResolv string
	platform   platform.Platform
	log        *logger.Logger
}

// Create mounts a size-bounded tmpfs at path and returns the staging area.
// The mount point directory is restricted to the owning identity.
func (m *Manager) Create(path string, maxMiB int) (*Area, error) {
	if maxMiB <= 0 {
		return nil, fmt.Errorf("staging size must be positive, got %d MiB", maxMiB)
	}
	if err := m.platform.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", path, err)
	}

	opts := fmt.Sprintf("size=%dm,mode=0755", maxMiB)
	if err := m.platform.Mount("tmpfs", path, "tmpfs", unix.MS_NOSUID, opts); err != nil {
		return nil, fmt.Errorf("failed to mount staging tmpfs at %s: %w", path, err)
	}

	m.log.Debug("staging area mounted", "path", path, "maxSizeMiB", maxMiB)
	return &Area{
		Path:       path,
		maxMiB:     maxMiB,
		hostResolv: "/etc/resolv.conf",
		platform:   m.platform,
		log:        m.log.WithField("staging", path),
	}, nil
}

// Adopt wraps an already-mounted staging path, typically one preserved by an
// earlier build's Destroy, so it can be torn down at the end of the
// invocation.
func (m *Manager) Adopt(path string) *Area {
	return &Area{
		Path:       path,
		hostResolv: "/etc/resolv.conf",
		platform:   m.platform,
		log:        m.log.WithField("staging", path),
	}
}

// MaxSizeMiB returns the current size bound of the tmpfs.
func (a *Area) MaxSizeMiB() int { return a.maxMiB }

// Resize live-remounts the tmpfs with a new size bound. Shrinking below the
// tree's current usage is refused rather than silently truncating content.
func (a *Area) Resize(newMiB int) error {
	if newMiB <= 0 {
		return fmt.Errorf("staging size must be positive, got %d MiB", newMiB)
	}
	usage, _, err := a.Usage()
	if err != nil {
		return fmt.Errorf("failed to measure staging usage: %w", err)
	}
	if usage > int64(newMiB)<<20 {
		return fmt.Errorf("cannot shrink staging area to %d MiB: %d bytes already in use", newMiB, usage)
	}

	opts := fmt.Sprintf("size=%dm", newMiB)
	if err := a.platform.Mount("tmpfs", a.Path, "tmpfs", unix.MS_REMOUNT|unix.MS_NOSUID, opts); err != nil {
		return fmt.Errorf("failed to remount staging tmpfs with size %d MiB: %w", newMiB, err)
	}
	a.maxMiB = newMiB
	a.log.Debug("staging area resized", "maxSizeMiB", newMiB)
	return nil
}

// Usage walks the tree and returns block-rounded content bytes and the inode
// count in use.
func (a *Area) Usage() (bytes int64, inodes int64, err error) {
	err = filepath.WalkDir(a.Path, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		inodes++
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			// round up to filesystem blocks like du does
			size := info.Size()
			bytes += (size + 4095) &^ 4095
		}
		return nil
	})
	return bytes, inodes, err
}

// PopulateDev builds the minimal /dev tree: bind-mounted host device nodes,
// the fd/stdin/stdout/stderr symlinks and a tmpfs-backed /dev/shm.
func (a *Area) PopulateDev() error {
	devDir := filepath.Join(a.Path, "dev")
	if err := a.platform.MkdirAll(devDir, 0755); err != nil {
		return fmt.Errorf("failed to create /dev: %w", err)
	}

	for _, node := range deviceNodes {
		hostPath := filepath.Join("/dev", node)
		if _, err := a.platform.Stat(hostPath); err != nil {
			a.log.Warn("host device node missing, skipping", "node", hostPath)
			continue
		}
		target := filepath.Join(devDir, node)
		if err := a.platform.WriteFile(target, nil, 0600); err != nil {
			return fmt.Errorf("failed to create bind target for /dev/%s: %w", node, err)
		}
		if err := a.platform.Mount(hostPath, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("failed to bind /dev/%s: %w", node, err)
		}
		a.devMounts = append(a.devMounts, target)
	}

	links := map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "fd/0",
		"stdout": "fd/1",
		"stderr": "fd/2",
	}
	for name, target := range links {
		if err := a.platform.Symlink(target, filepath.Join(devDir, name)); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create /dev/%s symlink: %w", name, err)
		}
	}

	shmDir := filepath.Join(devDir, "shm")
	if err := a.platform.MkdirAll(shmDir, 01777); err != nil {
		return fmt.Errorf("failed to create /dev/shm: %w", err)
	}
	if err := a.platform.Mount("tmpfs", shmDir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return fmt.Errorf("failed to mount /dev/shm: %w", err)
	}
	a.devMounts = append(a.devMounts, shmDir)

	a.log.Debug("device tree populated", "mounts", len(a.devMounts))
	return nil
}

// Destroy tears the staging area down according to the severity rule: device
// submounts always go away, the top-level mount and directory only when the
// build failed in a non-recoverable way.
func (a *Area) Destroy(severity Severity) error {
	var firstErr error

	for i := len(a.devMounts) - 1; i >= 0; i-- {
		target := a.devMounts[i]
		if err := a.platform.Unmount(target, unix.MNT_DETACH); err != nil {
			a.log.Warn("failed to unmount device submount", "target", target, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.devMounts = nil

	if severity < SeverityFatal {
		a.log.Debug("staging mount preserved", "severity", int(severity))
		return firstErr
	}

	if err := a.platform.Unmount(a.Path, unix.MNT_DETACH); err != nil {
		a.log.Warn("failed to unmount staging tmpfs", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := a.platform.RemoveAll(a.Path); err != nil {
		a.log.Warn("failed to remove staging directory", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
