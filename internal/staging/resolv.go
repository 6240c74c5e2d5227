//go:build linux

package staging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

const resolvConfPath = "etc/resolv.conf"

// ResolvSnapshot remembers the resolver file's state at materialization time
// so an unmodified copy can be restored before formatting. Without this, the
// host's DNS configuration would be baked into every image.
type ResolvSnapshot struct {
	sum         [32]byte
	hadOriginal bool
	original    []byte
}

// ReconcileResolv makes sure the tree has a usable /etc/resolv.conf for the
// duration of the build. A resolver file brought in by the base is backed up;
// a missing one is filled in from the host. Either way the installed
// content's checksum is recorded.
func (a *Area) ReconcileResolv() (*ResolvSnapshot, error) {
	target := filepath.Join(a.Path, resolvConfPath)
	if err := a.platform.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("failed to create /etc: %w", err)
	}

	snap := &ResolvSnapshot{}

	if data, err := a.platform.ReadFile(target); err == nil {
		snap.hadOriginal = true
		snap.original = data
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to inspect %s: %w", resolvConfPath, err)
	}

	hostData, err := a.platform.ReadFile(a.hostResolv)
	if err != nil {
		// No host resolver config either. Leave whatever the base brought.
		if snap.hadOriginal {
			snap.sum = blake3.Sum256(snap.original)
			return snap, nil
		}
		a.log.Warn("host has no /etc/resolv.conf, sandboxed commands may lack DNS")
		snap.sum = blake3.Sum256(nil)
		return snap, nil
	}

	if err := a.platform.WriteFile(target, hostData, 0644); err != nil {
		return nil, fmt.Errorf("failed to install resolv.conf: %w", err)
	}
	snap.sum = blake3.Sum256(hostData)

	a.log.Debug("resolver configuration installed", "backedUp", snap.hadOriginal)
	return snap, nil
}

// ResolvUnchanged reports whether the tree's resolver file still holds
// exactly the content recorded in snap. A later base overlay that did not
// ship its own resolv.conf leaves the installed copy in place, and
// re-reconciling then would wrongly back up the host's file as an original.
func (a *Area) ResolvUnchanged(snap *ResolvSnapshot) bool {
	if snap == nil {
		return false
	}
	current, err := a.platform.ReadFile(filepath.Join(a.Path, resolvConfPath))
	if err != nil {
		return false
	}
	return blake3.Sum256(current) == snap.sum
}

// RestoreResolv puts the resolver file back the way the base delivered it,
// but only when no directive modified it in the meantime. A deliberately
// changed resolv.conf is part of the image.
func (a *Area) RestoreResolv(snap *ResolvSnapshot) error {
	if snap == nil {
		return nil
	}
	target := filepath.Join(a.Path, resolvConfPath)

	current, err := a.platform.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			// a directive removed it; respect that
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", resolvConfPath, err)
	}

	if blake3.Sum256(current) != snap.sum {
		a.log.Debug("resolv.conf modified by a directive, keeping it")
		return nil
	}

	if snap.hadOriginal {
		if err := a.platform.WriteFile(target, snap.original, 0644); err != nil {
			return fmt.Errorf("failed to restore original resolv.conf: %w", err)
		}
		return nil
	}
	if err := a.platform.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove installed resolv.conf: %w", err)
	}
	return nil
}
