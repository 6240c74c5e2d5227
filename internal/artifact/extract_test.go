package artifact

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	hdr  tar.Header
	body []byte
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if e.hdr.Size == 0 && len(e.body) > 0 {
			e.hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(&e.hdr))
		if len(e.body) > 0 {
			_, err := tw.Write(e.body)
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func sampleEntries() []tarEntry {
	return []tarEntry{
		{hdr: tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0755}},
		{hdr: tar.Header{Name: "etc/os-release", Typeflag: tar.TypeReg, Mode: 0644}, body: []byte("ID=test\n")},
		{hdr: tar.Header{Name: "bin/", Typeflag: tar.TypeDir, Mode: 0755}},
		{hdr: tar.Header{Name: "bin/true", Typeflag: tar.TypeReg, Mode: 0755}, body: []byte("#!/bin/sh\n")},
		{hdr: tar.Header{Name: "bin/sh", Typeflag: tar.TypeSymlink, Linkname: "true", Mode: 0777}},
		{hdr: tar.Header{Name: "bin/truer", Typeflag: tar.TypeLink, Linkname: "bin/true", Mode: 0755}},
	}
}

func assertExtracted(t *testing.T, dest string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dest, "etc", "os-release"))
	require.NoError(t, err)
	assert.Equal(t, "ID=test\n", string(data))

	link, err := os.Readlink(filepath.Join(dest, "bin", "sh"))
	require.NoError(t, err)
	assert.Equal(t, "true", link)

	orig, err := os.Stat(filepath.Join(dest, "bin", "true"))
	require.NoError(t, err)
	hard, err := os.Stat(filepath.Join(dest, "bin", "truer"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(orig, hard), "hardlink must share the inode")
}

func TestExtractPlainTar(t *testing.T) {
	archive := writeArchive(t, buildTar(t, sampleEntries()), "base.tar")
	dest := t.TempDir()
	require.NoError(t, Extract(archive, dest, quietLogger()))
	assertExtracted(t, dest)
}

func TestExtractGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(buildTar(t, sampleEntries()))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	archive := writeArchive(t, buf.Bytes(), "base.tar.gz")
	dest := t.TempDir()
	require.NoError(t, Extract(archive, dest, quietLogger()))
	assertExtracted(t, dest)
}

func TestExtractZstd(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(buildTar(t, sampleEntries()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	archive := writeArchive(t, buf.Bytes(), "base.tar.zst")
	dest := t.TempDir()
	require.NoError(t, Extract(archive, dest, quietLogger()))
	assertExtracted(t, dest)
}

func TestExtractRefusesEscapingEntries(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{hdr: tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0644}, body: []byte("boom")},
	})
	archive := writeArchive(t, data, "evil.tar")

	err := Extract(archive, t.TempDir(), quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes the extraction root")
}

func TestExtractRejectsXz(t *testing.T) {
	xzHeader := []byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x00}
	archive := writeArchive(t, xzHeader, "base.tar.xz")

	err := Extract(archive, t.TempDir(), quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xz archives are not supported")
}
