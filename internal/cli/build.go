//go:build linux

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"fireforge/internal/build"
	"fireforge/internal/idmap"
	"fireforge/pkg/logger"
)

var flagInteractive bool

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [file...]",
		Short: "Build rootfs disk images from build description files",
		Long: `Build rootfs disk images from build description files.

Each file describes one image as a sequence of directives (FROM, RUN, COPY,
FILESYSTEM, MAX_SIZE, MIN_SIZE, UMASK). The image is written next to its
description file, with the extension replaced by .img. Without arguments,
every *.rootfs file in the working directory is built, in name order.

Images are built sequentially; a failing image is reported and skipped. A
later file may use an earlier image as its base with FROM <name>.img.`,
		RunE: runBuild,
	}
	cmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false,
		"open a shell inside each image's sandbox after the last directive")
	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	// Unprivileged invocations re-exec inside a user namespace first; the
	// child process comes back through here with the marker set.
	mapper := idmap.NewMapper(plat)
	if mapper.NeedsMapping() {
		code, reexeced, err := mapper.EnsureMapped(os.Args)
		if err != nil {
			return err
		}
		if reexeced {
			os.Exit(code)
		}
	} else if os.Getenv(idmap.MappedEnv) != "" {
		if err := idmap.WaitForMapping(5 * time.Second); err != nil {
			return &exitError{code: exitIdMap, err: err}
		}
	}

	files := args
	if len(files) == 0 {
		matches, err := filepath.Glob("*.rootfs")
		if err != nil {
			return err
		}
		files = matches
	}
	if len(files) == 0 {
		return fmt.Errorf("no build description files given and no *.rootfs files in the working directory")
	}

	builder := build.NewBuilder(plat, cfg)
	builder.Interactive = flagInteractive

	// Deterministic teardown on interruption: fatal severity for the build
	// in flight, and all preserved staging mounts go away with the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("interrupted, cleaning up", "signal", sig)
			builder.Shutdown()
			os.Exit(exitBuildFailed)
		case <-done:
		}
	}()
	defer func() {
		close(done)
		signal.Stop(sigCh)
		builder.Shutdown()
	}()

	if err := builder.BuildAll(files); err != nil {
		return &exitError{code: exitBuildFailed, err: err}
	}
	return nil
}
