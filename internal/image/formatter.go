package image

import (
	"fmt"
	"os"
	"strconv"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// Formatter allocates sparse image files and populates them with a
// filesystem built from a staging tree. Formatting happens out-of-sandbox:
// mke2fs and mkfs.btrfs both build the filesystem from a directory without
// needing loop devices or root.
type Formatter struct {
	platform  platform.Platform
	log       *logger.Logger
	mke2fs    string
	mkfsBtrfs string
}

func NewFormatter(p platform.Platform, mke2fs, mkfsBtrfs string) *Formatter {
	return &Formatter{
		platform:  p,
		log:       logger.WithField("component", "formatter"),
		mke2fs:    mke2fs,
		mkfsBtrfs: mkfsBtrfs,
	}
}

// Produce sizes the staging tree, allocates a temporary image next to
// imagePath, formats it, and renames it into place. On any failure the
// temporary file is removed and imagePath is left untouched.
func (f *Formatter) Produce(imagePath, stagingPath, fsType string, minMiB int, umask int) (Params, error) {
	params, err := Size(stagingPath, fsType, minMiB)
	if err != nil {
		return Params{}, err
	}

	tmpPath := imagePath + ".tmp"
	if err := f.allocate(tmpPath, params.SizeMiB, umask); err != nil {
		return Params{}, err
	}
	if err := f.format(tmpPath, stagingPath, fsType, params); err != nil {
		f.platform.Remove(tmpPath)
		return Params{}, err
	}
	if err := f.platform.Rename(tmpPath, imagePath); err != nil {
		f.platform.Remove(tmpPath)
		return Params{}, fmt.Errorf("failed to move image into place: %w", err)
	}

	f.log.Info("image produced", "path", imagePath, "filesystem", fsType, "sizeMiB", params.SizeMiB)
	return params, nil
}

// allocate creates a sparse file of exactly sizeMiB mebibytes with
// permissions honoring the build's umask.
func (f *Formatter) allocate(path string, sizeMiB int, umask int) error {
	perm := os.FileMode(0666 &^ umask)
	if err := f.platform.WriteFile(path, nil, perm); err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	if err := f.platform.Truncate(path, int64(sizeMiB)*mib); err != nil {
		f.platform.Remove(path)
		return fmt.Errorf("failed to size image file: %w", err)
	}
	return nil
}

func (f *Formatter) format(imagePath, stagingPath, fsType string, params Params) error {
	var cmd platform.Command
	switch fsType {
	case "ext2", "ext3", "ext4":
		cmd = f.platform.CreateCommand(f.mke2fs,
			"-q", "-F",
			"-t", fsType,
			"-d", stagingPath,
			"-L", "root",
			"-m", "0",
			"-b", "4096",
			"-I", strconv.Itoa(inodeSize),
			"-N", strconv.FormatInt(params.Inodes, 10),
			imagePath)
	case "btrfs":
		cmd = f.platform.CreateCommand(f.mkfsBtrfs,
			"-q", "-f",
			"-L", "root",
			"-r", stagingPath,
			imagePath)
	default:
		return fmt.Errorf("unsupported filesystem type %q", fsType)
	}

	f.log.Debug("formatting image", "filesystem", fsType, "image", imagePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs for %s failed: %w: %s", fsType, err, string(output))
	}
	return nil
}
