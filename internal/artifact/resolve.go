package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fireforge/pkg/config"
	"fireforge/pkg/logger"
)

// BaseKind is the content source class a FROM argument resolves to.
type BaseKind int

const (
	// BaseScratch: start from an empty tree.
	BaseScratch BaseKind = iota
	// BaseImage: copy the staging tree of an image built earlier in this
	// invocation. Path is that image's still-mounted staging directory.
	BaseImage
	// BaseArchive: extract a local archive file. Path is the archive.
	BaseArchive
)

// Base is a resolved FROM source.
type Base struct {
	Kind BaseKind
	Path string
}

// ImageLookup reports the staging path of an image built earlier in the
// current invocation.
type ImageLookup func(name string) (string, bool)

// Resolver turns FROM arguments into content sources.
type Resolver struct {
	cache   *Cache
	distros map[string]config.Distribution
	log     *logger.Logger
}

func NewResolver(cache *Cache, distros map[string]config.Distribution, log *logger.Logger) *Resolver {
	return &Resolver{
		cache:   cache,
		distros: distros,
		log:     log.WithField("component", "artifact"),
	}
}

// Resolve maps the arguments of a FROM directive to a content source.
// specDir is the build description's own directory; relative archive, key
// and signature paths resolve against it. lookup answers `<name>.img`
// references from the invocation's registry of already-built images; a
// stale image file on disk never satisfies one.
func (r *Resolver) Resolve(specDir string, args []string, lookup ImageLookup) (Base, error) {
	source := args[0]
	sigRef := ""
	if len(args) > 1 {
		sigRef = args[1]
	}
	var keyRefs []string
	if len(args) > 2 {
		keyRefs = args[2:]
	}

	switch {
	case source == "scratch":
		return Base{Kind: BaseScratch}, nil

	case strings.HasSuffix(source, ".img"):
		stagingPath, ok := lookup(strings.TrimSuffix(filepath.Base(source), ".img"))
		if !ok {
			return Base{}, fmt.Errorf("base image %s not found: it must be built earlier in the same invocation", source)
		}
		return Base{Kind: BaseImage, Path: stagingPath}, nil

	case isURL(source):
		return r.fetchArchive(specDir, source, sigRef, keyRefs)

	default:
		if dist, ok := r.distros[source]; ok {
			if sigRef == "" {
				sigRef = dist.SignatureURL
			}
			if len(keyRefs) == 0 {
				keyRefs = dist.Keys
			}
			return r.fetchArchive(specDir, dist.URL, sigRef, keyRefs)
		}

		local := source
		if !filepath.IsAbs(local) {
			local = filepath.Join(specDir, local)
		}
		if _, err := os.Stat(local); err != nil {
			return Base{}, fmt.Errorf("unknown base %q: not scratch, not a built image, not a known distribution and no such file", source)
		}
		return r.verifiedArchive(specDir, local, sigRef, keyRefs)
	}
}

func (r *Resolver) fetchArchive(specDir, archiveURL, sigRef string, keyRefs []string) (Base, error) {
	local, err := r.cache.Fetch(archiveURL)
	if err != nil {
		return Base{}, err
	}
	return r.verifiedArchive(specDir, local, sigRef, keyRefs)
}

func (r *Resolver) verifiedArchive(specDir, archive, sigRef string, keyRefs []string) (Base, error) {
	if sigRef == "" {
		return Base{Kind: BaseArchive, Path: archive}, nil
	}

	sigPath, err := r.materialize(specDir, sigRef)
	if err != nil {
		return Base{}, err
	}
	keyPaths := make([]string, 0, len(keyRefs))
	for _, ref := range keyRefs {
		keyPath, err := r.materialize(specDir, ref)
		if err != nil {
			return Base{}, err
		}
		keyPaths = append(keyPaths, keyPath)
	}

	if err := VerifyDetached(archive, sigPath, keyPaths); err != nil {
		return Base{}, err
	}
	r.log.Debug("signature verified", "archive", filepath.Base(archive))
	return Base{Kind: BaseArchive, Path: archive}, nil
}

// materialize turns a signature or key reference (URL or local path) into a
// local file path.
func (r *Resolver) materialize(specDir, ref string) (string, error) {
	if isURL(ref) {
		return r.cache.Fetch(ref)
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(specDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no such file: %s", ref)
	}
	return path, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
