package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// defaultBootArgs is the kernel command line used when the VM config has no
// boot-source section. The i8042 flags stop the guest kernel probing for a
// keyboard controller firecracker does not emulate.
const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off quiet" +
	" i8042.noaux i8042.nomux i8042.nopnp i8042.dumbkbd"

// Config is a firecracker VM description. Only the sections this tool
// rewrites are decoded; everything else (machine-config, vsock, ...) is kept
// verbatim and written back untouched.
type Config struct {
	raw map[string]json.RawMessage

	BootSource        map[string]interface{}
	Drives            []map[string]interface{}
	NetworkInterfaces []map[string]interface{}
}

// LoadConfig reads a VM config file, injecting a default boot-source section
// when none is present.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read VM config: %w", err)
	}

	cfg := &Config{raw: make(map[string]json.RawMessage)}
	if err := json.Unmarshal(data, &cfg.raw); err != nil {
		return nil, fmt.Errorf("invalid VM config %s: %w", path, err)
	}

	if section, ok := cfg.raw["boot-source"]; ok {
		if err := json.Unmarshal(section, &cfg.BootSource); err != nil {
			return nil, fmt.Errorf("invalid boot-source section: %w", err)
		}
	} else {
		cfg.BootSource = map[string]interface{}{
			"kernel_image_path": "vmlinux-*",
			"boot_args":         defaultBootArgs,
		}
	}

	if section, ok := cfg.raw["drives"]; ok {
		if err := json.Unmarshal(section, &cfg.Drives); err != nil {
			return nil, fmt.Errorf("invalid drives section: %w", err)
		}
	}
	if section, ok := cfg.raw["network-interfaces"]; ok {
		if err := json.Unmarshal(section, &cfg.NetworkInterfaces); err != nil {
			return nil, fmt.Errorf("invalid network-interfaces section: %w", err)
		}
	}

	return cfg, nil
}

// AppendBootArgs adds to the kernel command line.
func (c *Config) AppendBootArgs(extra string) {
	args, _ := c.BootSource["boot_args"].(string)
	c.BootSource["boot_args"] = args + extra
}

// Write serializes the config, with the rewritten sections folded back in,
// to path.
func (c *Config) Write(path string) error {
	var err error
	if c.raw["boot-source"], err = json.Marshal(c.BootSource); err != nil {
		return err
	}
	if c.Drives != nil {
		if c.raw["drives"], err = json.Marshal(c.Drives); err != nil {
			return err
		}
	}
	if c.NetworkInterfaces != nil {
		if c.raw["network-interfaces"], err = json.Marshal(c.NetworkInterfaces); err != nil {
			return err
		}
	}

	data, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// resolveArtifact expands a kernel/initrd/drive path pattern. Relative
// patterns are globbed under baseDir, absolute ones from the filesystem
// root; when several files match, the most recently modified wins, so
// `vmlinux-*` naturally picks the newest build.
func resolveArtifact(pattern, baseDir string) (string, error) {
	glob := pattern
	if !filepath.IsAbs(glob) {
		glob = filepath.Join(baseDir, pattern)
	}

	matches, err := filepath.Glob(glob)
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("%s: no such file or directory", pattern)
	}

	best := matches[0]
	bestTime := int64(-1)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if t := info.ModTime().UnixNano(); t > bestTime {
			best, bestTime = m, t
		}
	}
	return best, nil
}
