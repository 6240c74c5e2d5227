//go:build linux

package build

import (
	"sync"

	"fireforge/internal/sandbox"
	"fireforge/internal/staging"
)

// BuildState is the per-image state threaded through the directive handlers.
// Every description file gets a fresh one; nothing here is ever visible to
// another image's build.
type BuildState struct {
	// name is the image name, derived from the description file name.
	name string
	// file is the description file path, for error context.
	file string
	// specDir is the description file's directory; relative COPY sources and
	// FROM sidecar files resolve against it.
	specDir string

	fsType string
	maxMiB int
	minMiB int
	umask  int

	// hasBase flips on the first successful FROM. RUN and COPY refuse to run
	// before that.
	hasBase bool

	// mu guards area and sandbox; Shutdown may strip them from a signal
	// handler while a directive handler is still running.
	mu      sync.Mutex
	area    *staging.Area
	sandbox *sandbox.Sandbox
	resolv  *staging.ResolvSnapshot
}

func (st *BuildState) getArea() *staging.Area {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.area
}

func (st *BuildState) setArea(area *staging.Area) {
	st.mu.Lock()
	st.area = area
	st.mu.Unlock()
}

func (st *BuildState) getSandbox() *sandbox.Sandbox {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sandbox
}

func (st *BuildState) setSandbox(sb *sandbox.Sandbox) {
	st.mu.Lock()
	st.sandbox = sb
	st.mu.Unlock()
}

// detach hands the mounts to exactly one caller for release.
func (st *BuildState) detach() (*staging.Area, *sandbox.Sandbox) {
	st.mu.Lock()
	defer st.mu.Unlock()
	area, sb := st.area, st.sandbox
	st.area, st.sandbox = nil, nil
	return area, sb
}

// FSType reports the filesystem the image will be formatted with.
func (st *BuildState) FSType() string { return st.fsType }

// Umask reports the umask currently in effect for content creation.
func (st *BuildState) Umask() int { return st.umask }
