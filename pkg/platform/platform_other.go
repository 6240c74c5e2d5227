//go:build !linux

package platform

// The build engine drives Linux namespaces and mounts; there is nothing to
// implement elsewhere. The factory panics via New on unsupported systems.
func newLinuxPlatform() Platform {
	panic("linux platform requested on a non-linux build")
}
