//go:build linux

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fireforge/internal/vm"
)

var runOpts vm.Options

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config.json>",
		Short: "Run a virtual machine under the firecracker jailer",
		Long: `Run the microVM described by a firecracker VM config file.

The kernel, initrd and drive paths in the config may contain glob patterns;
relative ones resolve against the base directories below, and the most
recently modified match wins. The matched artifacts are hardlinked into a
fresh per-instance chroot, which is removed again when the VM exits.`,
		Args: cobra.ExactArgs(1),
		RunE: runVM,
	}

	flags := cmd.Flags()
	flags.StringVarP(&runOpts.ChrootBaseDir, "chroot-base-dir", "d", "",
		"base of the firecracker chroot directory")
	flags.StringVarP(&runOpts.KernelBaseDir, "kernel-base-dir", "k", "",
		"base path for relative kernel paths (default: the config file directory)")
	flags.StringVar(&runOpts.InitrdBaseDir, "initrd-base-dir", "",
		"base path for relative initrd paths (default: the kernel base directory)")
	flags.StringVarP(&runOpts.ImageBaseDir, "image-base-dir", "i", "",
		"base path for relative image paths (default: the config file directory)")
	flags.StringVarP(&runOpts.Firecracker, "firecracker", "f", "",
		"path to the firecracker binary")
	flags.StringVarP(&runOpts.Jailer, "jailer", "j", "",
		"path to the jailer binary")
	flags.StringVarP(&runOpts.User, "user", "u", "",
		"system user account to run firecracker as")
	flags.BoolVar(&runOpts.NewPidNS, "new-pid-ns", false,
		"exec into a new PID namespace")
	flags.StringVar(&runOpts.NetNS, "netns", "",
		"path to the network namespace this microVM should join")
	flags.StringArrayVar(&runOpts.Cgroups, "cgroup", nil,
		"cgroup and value to be set by the jailer (repeatable)")
	flags.StringArrayVar(&runOpts.ResourceLimits, "resource-limit", nil,
		"resource limit to be set by the jailer (repeatable)")
	flags.BoolVar(&runOpts.Daemonize, "daemonize", false,
		"run the VM in a background process")
	flags.BoolVar(&runOpts.NoSeccomp, "no-seccomp", false,
		"disable seccomp filtering (not recommended)")
	flags.StringVar(&runOpts.SeccompFilter, "seccomp-filter", "",
		"path to a custom seccomp filter")
	cmd.MarkFlagsMutuallyExclusive("no-seccomp", "seccomp-filter")

	return cmd
}

func runVM(cmd *cobra.Command, args []string) error {
	runOpts.ConfigPath = args[0]
	if runOpts.ChrootBaseDir == "" {
		runOpts.ChrootBaseDir = cfg.VM.ChrootBaseDir
	}
	if runOpts.User == "" {
		runOpts.User = cfg.VM.User
	}
	if runOpts.Firecracker == "" {
		runOpts.Firecracker = cfg.VM.Firecracker
	}
	if runOpts.Jailer == "" {
		runOpts.Jailer = cfg.VM.Jailer
	}

	code, err := vm.NewLauncher(plat, runOpts).Launch()
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitError{code: code, err: fmt.Errorf("microVM exited with status %d", code)}
	}
	return nil
}
