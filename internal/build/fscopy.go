//go:build linux

package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"fireforge/pkg/platform"
)

// copyTree recursively copies src into dst. Directories, regular files and
// symlinks are carried over with their modes; with forceRoot the destination
// ownership is set to 0:0, otherwise the source ownership is preserved.
// Other file types (the empty bind-mount anchors under /dev, fifos left by a
// base) are skipped: they are recreated by the staging manager, not copied.
func copyTree(p platform.Platform, src, dst string, forceRoot bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := dst
		if rel != "." {
			target = filepath.Join(dst, rel)
		}

		uid, gid := 0, 0
		if !forceRoot {
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				uid, gid = int(st.Uid), int(st.Gid)
			}
		}

		switch {
		case info.IsDir():
			if err := p.MkdirAll(target, info.Mode().Perm()); err != nil {
				return err
			}
			return p.Chown(target, uid, gid)

		case info.Mode()&os.ModeSymlink != 0:
			dest, err := os.Readlink(path)
			if err != nil {
				return err
			}
			p.Remove(target)
			if err := p.Symlink(dest, target); err != nil {
				return err
			}
			return p.Lchown(target, uid, gid)

		case info.Mode().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
			return p.Chown(target, uid, gid)

		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// O_CREATE honors the process umask; the tree must carry the mode the
	// source had.
	return os.Chmod(dst, perm)
}

// treePath anchors an in-image destination path under root, refusing
// escapes.
func treePath(root, dest string) (string, error) {
	joined := filepath.Join(root, strings.TrimPrefix(dest, "/"))
	if joined != root && !strings.HasPrefix(joined, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("destination %q escapes the image tree", dest)
	}
	return joined, nil
}
