//go:build linux

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fireforge/internal/idmap"
	"fireforge/pkg/config"
	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

// exit codes
const (
	exitOK          = 0
	exitBuildFailed = 1
	exitUsage       = 2
	exitIdMap       = 3
)

var (
	cfg  *config.Config
	plat platform.Platform

	flagVerbose  bool
	flagQuiet    bool
	flagCacheDir string
)

// exitError carries a specific process exit code out through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "fireforge",
	Short:         "Build layered rootfs disk images and run them as microVMs",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, source, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		if flagCacheDir != "" {
			cfg.Cache.Dir = flagCacheDir
		}

		switch {
		case flagVerbose:
			logger.SetLevel(logger.DEBUG)
		case flagQuiet:
			logger.SetLevel(logger.ERROR)
		default:
			level, err := logger.ParseLevel(cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("invalid log level in configuration: %w", err)
			}
			logger.SetLevel(level)
		}
		if source != "" {
			logger.Debug("configuration loaded", "source", source)
		}
		return nil
	},
}

func init() {
	plat = platform.New()

	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"only log errors")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", "",
		"override the artifact cache directory")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Main is the process entry point. The hidden sandbox helpers bypass cobra:
// their arguments are raw shell text that must not be parsed as flags.
func Main() int {
	if len(os.Args) > 1 {
		if code, handled := runHidden(os.Args[1], os.Args[2:]); handled {
			return code
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return codeFor(err)
	}
	return exitOK
}

func codeFor(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	var mapErr *idmap.MapError
	if errors.As(err, &mapErr) {
		return exitIdMap
	}
	return exitUsage
}
