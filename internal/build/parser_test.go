package build

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSpec(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rootfs")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseFileBasic(t *testing.T) {
	path := writeSpec(t, `
# build a small image
FROM scratch
FILESYSTEM ext4
MAX_SIZE 64
MIN_SIZE 16
UMASK 022

RUN echo hi > /hi
COPY a.txt b.txt /etc/
`)
	spec, err := ParseFile(path)
	require.NoError(t, err)
	require.Len(t, spec.Directives, 7)

	assert.Equal(t, DirectiveFrom, spec.Directives[0].Kind)
	assert.Equal(t, []string{"scratch"}, spec.Directives[0].Args)
	assert.Equal(t, DirectiveFilesystem, spec.Directives[1].Kind)
	assert.Equal(t, DirectiveMaxSize, spec.Directives[2].Kind)
	assert.Equal(t, DirectiveMinSize, spec.Directives[3].Kind)
	assert.Equal(t, DirectiveUmask, spec.Directives[4].Kind)

	run := spec.Directives[5]
	assert.Equal(t, DirectiveRun, run.Kind)
	require.Len(t, run.Args, 1)
	assert.Equal(t, "echo hi > /hi", run.Args[0])

	cp := spec.Directives[6]
	assert.Equal(t, DirectiveCopy, cp.Kind)
	assert.Equal(t, []string{"a.txt", "b.txt", "/etc/"}, cp.Args)
}

func TestParseFileInvalidDirective(t *testing.T) {
	path := writeSpec(t, "FROM scratch\nVOLUME /data\n")
	_, err := ParseFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid directive")

	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindDirective, be.Kind)
	assert.Equal(t, 2, be.Line)
	assert.Equal(t, "VOLUME", be.Directive)
}

func TestParseFileArity(t *testing.T) {
	cases := []string{
		"UMASK\n",
		"UMASK 022 077\n",
		"FILESYSTEM\n",
		"MAX_SIZE 1 2\n",
		"COPY onlyone\n",
		"RUN\n",
		"FROM\n",
	}
	for _, content := range cases {
		path := writeSpec(t, content)
		_, err := ParseFile(path)
		assert.Error(t, err, content)
	}
}

func TestParseFileMissing(t *testing.T) {
	_, err := ParseFile(filepath.Join(t.TempDir(), "nope.rootfs"))
	require.Error(t, err)
	assert.Equal(t, KindDirective, KindOf(err))
}

func TestTokenizeEscapes(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a b c", []string{"a", "b", "c"}},
		{`a\ b c`, []string{"a b", "c"}},
		{`a\\ b`, []string{`a\`, "b"}},
		{`  spaced\ out  `, []string{"spaced out"}},
		{"tabs\there", []string{"tabs", "here"}},
		{"", nil},
		{`trailing\`, []string{`trailing\`}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tokenize(c.in), "input %q", c.in)
	}
}
