package image

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const mib = 1 << 20

// filesystem-specific reservations, in bytes
const (
	ext2FixedOverhead  = 4 * mib
	journalReservation = 8 * mib  // ext3/ext4
	btrfsReservation   = 48 * mib // copy-on-write metadata and system chunks
	btrfsFloorMiB      = 114      // mkfs.btrfs refuses smaller filesystems
	inodeSize          = 256      // matches the -I flag passed to mke2fs
)

// Params is the outcome of sizing a staging tree for a target filesystem.
type Params struct {
	SizeMiB int
	// Inodes is the inode budget for inode-aware filesystems, including
	// slack for files created at runtime. Zero for btrfs.
	Inodes int64
}

// Size measures the staging tree and derives the image size for the target
// filesystem type: content plus inode budget plus type-specific fixed
// overhead, floored at minMiB.
func Size(stagingPath, fsType string, minMiB int) (Params, error) {
	content, inodes, err := measure(stagingPath)
	if err != nil {
		return Params{}, fmt.Errorf("failed to measure staging tree: %w", err)
	}

	var p Params
	switch fsType {
	case "ext2", "ext3", "ext4":
		// slack so the booted guest can create files without running out
		p.Inodes = inodes + inodes/10 + 128

		total := content + p.Inodes*inodeSize + ext2FixedOverhead
		total += content / 20 // block group and bitmap metadata
		if fsType != "ext2" {
			total += journalReservation
		}
		p.SizeMiB = int((total + mib - 1) / mib)

	case "btrfs":
		total := content + btrfsReservation
		p.SizeMiB = int((total + mib - 1) / mib)
		if p.SizeMiB < btrfsFloorMiB {
			p.SizeMiB = btrfsFloorMiB
		}

	default:
		return Params{}, fmt.Errorf("unsupported filesystem type %q", fsType)
	}

	if p.SizeMiB < minMiB {
		p.SizeMiB = minMiB
	}
	return p, nil
}

// measure returns block-rounded content bytes and the inode count of the
// tree rooted at path.
func measure(path string) (bytes int64, inodes int64, err error) {
	err = filepath.WalkDir(path, func(entry string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		inodes++
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			bytes += (info.Size() + 4095) &^ 4095
		} else if info.Mode()&os.ModeSymlink != 0 {
			bytes += 4096
		}
		return nil
	})
	return bytes, inodes, err
}
