//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// HoldMain is the body of the hidden holder command. It blocks until killed,
// keeping the sandbox's namespaces alive.
func HoldMain() int {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	<-sig
	return 0
}

// ExecMain is the body of the hidden exec command. It runs in freshly
// unshared namespaces as PID 1: it mounts /proc under the staging root,
// chroots into it, applies the recorded umask and hands the script to a
// shell. Trees that ship their own /bin/sh get it; scratch trees fall back
// to the built-in shell interpreter, so RUN works before any base provides
// a shell.
func ExecMain(rootDir, umaskStr, script string, interactive bool) int {
	umask, err := strconv.ParseUint(umaskStr, 8, 16)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid umask %q: %v\n", umaskStr, err)
		return 125
	}

	// keep mount changes out of the host namespace
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to make mounts private: %v\n", err)
		return 125
	}

	procDir := rootDir + "/proc"
	if err := os.MkdirAll(procDir, 0555); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create /proc: %v\n", err)
		return 125
	}
	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		// harmless for commands that do not need /proc
		fmt.Fprintf(os.Stderr, "warning: failed to mount /proc: %v\n", err)
	}

	if err := unix.Chroot(rootDir); err != nil {
		fmt.Fprintf(os.Stderr, "chroot %s failed: %v\n", rootDir, err)
		return 125
	}
	if err := os.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "chdir / failed: %v\n", err)
		return 125
	}
	unix.Umask(int(umask))

	env := []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/root",
		"TERM=" + termOrDefault(),
	}

	if _, err := os.Stat("/bin/sh"); err == nil {
		argv := []string{"sh", "-c", script}
		if interactive {
			argv = []string{"sh", "-i"}
		}
		if err := unix.Exec("/bin/sh", argv, env); err != nil {
			fmt.Fprintf(os.Stderr, "exec /bin/sh failed: %v\n", err)
			return 126
		}
	}

	return runBuiltinShell(script, env, interactive)
}

func termOrDefault() string {
	if term := os.Getenv("TERM"); term != "" {
		return term
	}
	return "linux"
}

// runBuiltinShell interprets script with the embedded POSIX shell.
func runBuiltinShell(script string, env []string, interactive bool) int {
	if interactive {
		fmt.Fprintln(os.Stderr, "tree has no /bin/sh, interactive shell unavailable")
		return 127
	}

	file, err := syntax.NewParser().Parse(strings.NewReader(script), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "shell syntax error: %v\n", err)
		return 2
	}

	runner, err := interp.New(
		interp.StdIO(os.Stdin, os.Stdout, os.Stderr),
		interp.Env(expand.ListEnviron(env...)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize shell interpreter: %v\n", err)
		return 125
	}

	if err := runner.Run(context.Background(), file); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return int(status)
		}
		fmt.Fprintf(os.Stderr, "command failed: %v\n", err)
		return 1
	}
	return 0
}
