//go:build linux

package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"fireforge/internal/artifact"
	"fireforge/internal/image"
	"fireforge/internal/sandbox"
	"fireforge/internal/staging"
	"fireforge/pkg/config"
	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// Builder drives one invocation over a sequence of build description files.
// Images are built strictly in argument order; a file may name an earlier
// image of the same invocation as its FROM base, so ordering is significant
// and left to the caller.
type Builder struct {
	platform  platform.Platform
	cfg       *config.Config
	log       *logger.Logger
	staging   *staging.Manager
	sandbox   *sandbox.Controller
	resolver  *artifact.Resolver
	formatter *image.Formatter

	// Interactive drops into a shell inside each image's sandbox after the
	// last directive, before formatting.
	Interactive bool

	// StagingRoot is where per-image staging directories are created.
	// Defaults to the system temp directory.
	StagingRoot string

	// DefaultUmask is the umask in effect until a UMASK directive changes it.
	DefaultUmask int

	// mu guards images and current; Shutdown may be called from a signal
	// handler while BuildAll is running.
	mu sync.Mutex

	// images maps image name to its still-mounted staging path. Only images
	// built in this invocation appear here; a stale .img file on disk never
	// satisfies a FROM lookup.
	images map[string]string

	// current is the in-flight build, reachable by the signal handler.
	current *BuildState
}

func NewBuilder(p platform.Platform, cfg *config.Config) *Builder {
	log := logger.WithField("component", "builder")
	cache := artifact.NewCache(cfg.Cache.Dir, cfg.Cache.MaxAge, log)
	return &Builder{
		platform:     p,
		cfg:          cfg,
		log:          log,
		staging:      staging.NewManager(p, log),
		sandbox:      sandbox.NewController(p, log),
		resolver:     artifact.NewResolver(cache, cfg.Build.Distributions, log),
		formatter:    image.NewFormatter(p, cfg.Build.Mke2fs, cfg.Build.MkfsBtrfs),
		StagingRoot:  os.TempDir(),
		DefaultUmask: 0022,
		images:       make(map[string]string),
	}
}

// BuildAll builds every description file in order. A failing image is
// reported and skipped; the remaining files still build. The returned error
// is the aggregate "one or more builds failed" signal.
func (b *Builder) BuildAll(files []string) error {
	failed := 0
	for _, file := range files {
		if err := b.BuildFile(file); err != nil {
			b.log.Error("image build failed", "file", file, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d image builds failed", failed, len(files))
	}
	return nil
}

// BuildFile builds the single image described by file. The produced image is
// placed next to the description file, with the extension replaced by .img.
func (b *Builder) BuildFile(file string) error {
	spec, err := ParseFile(file)
	if err != nil {
		return err
	}

	absFile, err := filepath.Abs(file)
	if err != nil {
		return DirectiveError(file, 0, "", err)
	}
	name := strings.TrimSuffix(filepath.Base(absFile), filepath.Ext(absFile))

	st := &BuildState{
		name:    name,
		file:    file,
		specDir: filepath.Dir(absFile),
		fsType:  b.cfg.Build.DefaultFilesystem,
		maxMiB:  b.cfg.Build.DefaultMaxSizeMiB,
		umask:   b.DefaultUmask,
	}
	b.setCurrent(st)
	defer b.setCurrent(nil)

	b.log.Info("building image", "name", name, "file", file)

	for i := range spec.Directives {
		if err := b.dispatch(st, &spec.Directives[i]); err != nil {
			b.teardown(st, staging.SeverityFatal)
			return err
		}
	}

	if !st.hasBase {
		b.teardown(st, staging.SeverityFatal)
		return DirectiveErrorf(file, 0, "", "description contains no FROM directive")
	}

	if b.Interactive {
		b.log.Info("starting interactive shell", "image", name)
		if sb := st.getSandbox(); sb != nil {
			if err := sb.RunInteractive(st.umask); err != nil {
				b.log.Warn("interactive shell failed", "error", err)
			}
		}
	}

	area := st.getArea()
	if area == nil {
		return DirectiveErrorf(file, 0, "", "build interrupted")
	}
	if err := area.RestoreResolv(st.resolv); err != nil {
		b.log.Warn("resolver restoration failed", "error", err)
	}

	imagePath := strings.TrimSuffix(absFile, filepath.Ext(absFile)) + ".img"
	stagingPath := area.Path
	params, err := b.formatter.Produce(imagePath, stagingPath, st.fsType, st.minMiB, st.umask)
	if err != nil {
		// The staging mount survives a format failure so later builds can
		// still use this image as a base; register it so FROM lookups find
		// it and Shutdown tears it down with the rest.
		b.teardown(st, staging.SeverityFormatFailed)
		b.registerImage(name, stagingPath)
		return FormatError(file, err)
	}

	b.teardown(st, staging.SeverityOK)
	b.registerImage(name, stagingPath)
	b.log.Info("image complete", "name", name, "path", imagePath,
		"filesystem", st.fsType, "sizeMiB", params.SizeMiB)
	return nil
}

// Shutdown tears down whatever build is in flight plus every preserved
// staging mount. Called on interrupt and at process exit.
func (b *Builder) Shutdown() {
	b.mu.Lock()
	st := b.current
	b.current = nil
	images := b.images
	b.images = make(map[string]string)
	b.mu.Unlock()

	if st != nil {
		b.teardown(st, staging.SeverityFatal)
	}
	b.sandbox.LeaveAll()
	for name, path := range images {
		area := b.staging.Adopt(path)
		if err := area.Destroy(staging.SeverityFatal); err != nil {
			b.log.Warn("failed to tear down staging mount", "image", name, "error", err)
		}
	}
}

func (b *Builder) setCurrent(st *BuildState) {
	b.mu.Lock()
	b.current = st
	b.mu.Unlock()
}

func (b *Builder) registerImage(name, path string) {
	b.mu.Lock()
	b.images[name] = path
	b.mu.Unlock()
}

// teardown releases the image's sandbox and applies the asymmetric staging
// cleanup rule for the given severity. The detach makes it idempotent, so a
// concurrent Shutdown and the build's own error path never double-release.
func (b *Builder) teardown(st *BuildState, severity staging.Severity) {
	area, sb := st.detach()
	if sb != nil {
		if err := sb.Leave(); err != nil {
			b.log.Warn("failed to leave sandbox", "error", err)
		}
	}
	if area != nil {
		if err := area.Destroy(severity); err != nil {
			b.log.Warn("staging cleanup failed", "error", err)
		}
	}
}

func (b *Builder) dispatch(st *BuildState, d *Directive) error {
	b.log.Debug("directive", "name", d.Name, "line", d.Line)

	switch d.Kind {
	case DirectiveUmask:
		return b.handleUmask(st, d)
	case DirectiveFrom:
		return b.handleFrom(st, d)
	case DirectiveFilesystem:
		return b.handleFilesystem(st, d)
	case DirectiveMaxSize:
		return b.handleMaxSize(st, d)
	case DirectiveMinSize:
		return b.handleMinSize(st, d)
	case DirectiveRun:
		return b.handleRun(st, d)
	case DirectiveCopy:
		return b.handleCopy(st, d)
	default:
		return DirectiveErrorf(st.file, d.Line, d.Name, "invalid directive")
	}
}

func (b *Builder) handleUmask(st *BuildState, d *Directive) error {
	mask, err := strconv.ParseUint(d.Args[0], 8, 12)
	if err != nil {
		return DirectiveErrorf(st.file, d.Line, d.Name, "invalid octal umask %q", d.Args[0])
	}
	st.umask = int(mask)
	return nil
}

func (b *Builder) handleFilesystem(st *BuildState, d *Directive) error {
	requested := d.Args[0]
	for _, fs := range config.SupportedFilesystems {
		if fs == requested {
			st.fsType = requested
			return nil
		}
	}
	return DirectiveErrorf(st.file, d.Line, d.Name,
		"unsupported filesystem %q (supported: %s)", requested,
		strings.Join(config.SupportedFilesystems, ", "))
}

func (b *Builder) handleMaxSize(st *BuildState, d *Directive) error {
	miB, err := strconv.Atoi(d.Args[0])
	if err != nil || miB <= 0 {
		return DirectiveErrorf(st.file, d.Line, d.Name, "invalid size %q", d.Args[0])
	}
	st.maxMiB = miB
	if area := st.getArea(); area != nil {
		if err := area.Resize(miB); err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
	}
	return nil
}

func (b *Builder) handleMinSize(st *BuildState, d *Directive) error {
	miB, err := strconv.Atoi(d.Args[0])
	if err != nil || miB < 0 {
		return DirectiveErrorf(st.file, d.Line, d.Name, "invalid size %q", d.Args[0])
	}
	st.minMiB = miB
	return nil
}

func (b *Builder) handleFrom(st *BuildState, d *Directive) error {
	base, err := b.resolver.Resolve(st.specDir, d.Args, b.lookupImage)
	if err != nil {
		if errors.Is(err, artifact.ErrSignature) {
			return SignatureError(st.file, d.Line, d.Name, err)
		}
		return DirectiveError(st.file, d.Line, d.Name, err)
	}

	area := st.getArea()
	if area == nil {
		path := filepath.Join(b.StagingRoot, fmt.Sprintf("fireforge-%s-%s", st.name, uuid.NewString()[:8]))
		area, err = b.staging.Create(path, st.maxMiB)
		if err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
		st.setArea(area)
		if err := area.PopulateDev(); err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
		sb, err := b.sandbox.Enter(area.Path)
		if err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
		st.setSandbox(sb)
	}

	switch base.Kind {
	case artifact.BaseScratch:
		// empty tree
	case artifact.BaseArchive:
		if err := artifact.Extract(base.Path, area.Path, b.log); err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
	case artifact.BaseImage:
		if err := copyTree(b.platform, base.Path, area.Path, false); err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
	}

	// A later base that left the installed resolver copy untouched keeps the
	// first snapshot; re-reconciling would mistake the host's file for a
	// base-provided original.
	if !area.ResolvUnchanged(st.resolv) {
		snap, err := area.ReconcileResolv()
		if err != nil {
			return DirectiveError(st.file, d.Line, d.Name, err)
		}
		st.resolv = snap
	}

	st.hasBase = true
	return nil
}

func (b *Builder) handleRun(st *BuildState, d *Directive) error {
	if !st.hasBase {
		return DirectiveErrorf(st.file, d.Line, d.Name, "RUN can not appear before FROM")
	}
	sb := st.getSandbox()
	if sb == nil {
		return DirectiveErrorf(st.file, d.Line, d.Name, "build interrupted")
	}
	if err := sb.Run(d.Args[0], st.umask); err != nil {
		return DirectiveErrorf(st.file, d.Line, d.Name, "command failed: %v", err)
	}
	return nil
}

func (b *Builder) handleCopy(st *BuildState, d *Directive) error {
	if !st.hasBase {
		return DirectiveErrorf(st.file, d.Line, d.Name, "COPY can not appear before FROM")
	}
	area := st.getArea()
	if area == nil {
		return DirectiveErrorf(st.file, d.Line, d.Name, "build interrupted")
	}

	dest := d.Args[len(d.Args)-1]
	destDir, err := treePath(area.Path, dest)
	if err != nil {
		return DirectiveError(st.file, d.Line, d.Name, err)
	}
	if err := b.platform.MkdirAll(destDir, 0755); err != nil {
		return DirectiveError(st.file, d.Line, d.Name, err)
	}

	for _, pattern := range d.Args[:len(d.Args)-1] {
		resolved := pattern
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(st.specDir, resolved)
		}
		matches, err := filepath.Glob(resolved)
		if err != nil {
			return DirectiveErrorf(st.file, d.Line, d.Name, "bad pattern %q: %v", pattern, err)
		}
		if len(matches) == 0 {
			return DirectiveErrorf(st.file, d.Line, d.Name, "no match for %q", pattern)
		}
		for _, match := range matches {
			target := filepath.Join(destDir, filepath.Base(match))
			if err := copyTree(b.platform, match, target, true); err != nil {
				return DirectiveErrorf(st.file, d.Line, d.Name, "copy %s: %v", pattern, err)
			}
		}
	}
	return nil
}

func (b *Builder) lookupImage(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path, ok := b.images[name]
	return path, ok
}
