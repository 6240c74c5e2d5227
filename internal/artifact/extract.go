package artifact

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sys/unix"

	"fireforge/pkg/logger"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLz4   = []byte{0x04, 0x22, 0x4d, 0x18}
	magicBzip2 = []byte("BZh")
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Extract unpacks a (possibly compressed) tar archive into dest, preserving
// ownership, modes, symlinks, hardlinks and device nodes where the calling
// identity permits. Entries escaping dest fail the extraction.
func Extract(archive, dest string, log *logger.Logger) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	reader, err := decompress(f)
	if err != nil {
		return fmt.Errorf("%s: %w", archive, err)
	}

	tr := tar.NewReader(reader)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive %s: %w", archive, err)
		}
		if err := extractEntry(tr, hdr, dest, log); err != nil {
			return fmt.Errorf("%s: %w", archive, err)
		}
		count++
	}

	log.Debug("archive extracted", "archive", filepath.Base(archive), "entries", count)
	return nil
}

// decompress sniffs the stream's magic bytes and wraps it in the matching
// decompressor.
func decompress(f *os.File) (io.Reader, error) {
	head := make([]byte, 6)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to sniff archive type: %w", err)
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind archive: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, magicGzip):
		return gzip.NewReader(f)
	case bytes.HasPrefix(head, magicZstd):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case bytes.HasPrefix(head, magicLz4):
		return lz4.NewReader(f), nil
	case bytes.HasPrefix(head, magicBzip2):
		return bzip2.NewReader(f), nil
	case bytes.HasPrefix(head, magicXz):
		return nil, fmt.Errorf("xz archives are not supported, recompress with zstd or gzip")
	default:
		return f, nil
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string, log *logger.Logger) error {
	target, err := securePath(dest, hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", hdr.Name, err)
		}
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to write %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("failed to finish %s: %w", hdr.Name, err)
		}
	case tar.TypeSymlink:
		_ = os.Remove(target)
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", hdr.Name, err)
		}
	case tar.TypeLink:
		linkTarget, err := securePath(dest, hdr.Linkname)
		if err != nil {
			return err
		}
		_ = os.Remove(target)
		if err := os.Link(linkTarget, target); err != nil {
			return fmt.Errorf("failed to create hardlink %s: %w", hdr.Name, err)
		}
	case tar.TypeChar, tar.TypeBlock:
		mode := uint32(hdr.Mode)
		if hdr.Typeflag == tar.TypeChar {
			mode |= unix.S_IFCHR
		} else {
			mode |= unix.S_IFBLK
		}
		dev := unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor))
		if err := unix.Mknod(target, mode, int(dev)); err != nil {
			// unprivileged user namespaces cannot create device nodes
			log.Warn("skipping device node", "entry", hdr.Name, "error", err)
			return nil
		}
	case tar.TypeFifo:
		if err := unix.Mkfifo(target, uint32(hdr.Mode)); err != nil {
			log.Warn("skipping fifo", "entry", hdr.Name, "error", err)
			return nil
		}
	default:
		// global/extended headers and other exotic entries
		return nil
	}

	if hdr.Typeflag != tar.TypeSymlink {
		if err := os.Chown(target, hdr.Uid, hdr.Gid); err != nil {
			log.Debug("failed to chown entry", "entry", hdr.Name, "error", err)
		}
		if !hdr.ModTime.IsZero() {
			_ = os.Chtimes(target, time.Now(), hdr.ModTime)
		}
	} else {
		if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			log.Debug("failed to chown symlink", "entry", hdr.Name, "error", err)
		}
	}
	return nil
}

// securePath joins name onto dest, refusing entries that escape it.
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != dest && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction root", name)
	}
	return target, nil
}
