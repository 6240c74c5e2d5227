//go:build linux

package vm

import (
	"fmt"
	"net"
	"strings"
)

// setupNetworking creates tap devices for bridge-attached interfaces and
// translates static/dhcp addressing into the kernel ip= boot argument the
// guest's early userspace understands.
func (l *Launcher) setupNetworking(cfg *Config) error {
	for i, iface := range cfg.NetworkInterfaces {
		_, hasDev := iface["host_dev_name"]
		bridge, hasBridge := iface["host_bridge_name"].(string)
		if !hasDev && hasBridge {
			tap, err := l.createTap(bridge)
			if err != nil {
				return err
			}
			iface["host_dev_name"] = tap
			delete(iface, "host_bridge_name")
		}

		if addr, ok := iface["ip_address"].(string); ok {
			arg, err := bootIPArg(iface, addr, l.vmID, i)
			if err != nil {
				return err
			}
			delete(iface, "ip_address")
			delete(iface, "gateway")
			delete(iface, "dns")
			cfg.AppendBootArgs(arg)
		}
	}
	return nil
}

// createTap allocates the first free fctapN device, attaches it to the
// bridge and brings it up. Created taps are remembered for cleanup.
func (l *Launcher) createTap(bridge string) (string, error) {
	entries, err := l.platform.ReadDir("/sys/class/net")
	if err != nil {
		return "", fmt.Errorf("cannot enumerate network devices: %w", err)
	}
	existing := make([]string, 0, len(entries))
	for _, e := range entries {
		existing = append(existing, e.Name())
	}
	tap := freeTapName(existing)
	if tap == "" {
		return "", fmt.Errorf("no free fctap device name")
	}

	steps := [][]string{
		{"tuntap", "add", "dev", tap, "mode", "tap", "user", l.opts.User},
		{"link", "set", "dev", tap, "master", bridge},
		{"link", "set", "dev", tap, "up"},
	}
	for _, step := range steps {
		if out, err := l.platform.CreateCommand("ip", step...).CombinedOutput(); err != nil {
			return "", fmt.Errorf("ip %s failed: %w: %s", strings.Join(step[:2], " "), err, out)
		}
	}

	l.taps = append(l.taps, tap)
	l.log.Debug("tap device created", "tap", tap, "bridge", bridge)
	return tap, nil
}

func freeTapName(existing []string) string {
	used := make(map[string]bool, len(existing))
	for _, name := range existing {
		used[name] = true
	}
	for i := 0; i < 32768; i++ {
		name := fmt.Sprintf("fctap%d", i)
		if !used[name] {
			return name
		}
	}
	return ""
}

// bootIPArg builds one ip=... kernel argument:
// ip=<addr>::<gateway>:<netmask>:<hostname>:<device>:<autoconf>:<dns>
func bootIPArg(iface map[string]interface{}, addr, hostname string, index int) (string, error) {
	var ip, netmask, autoconf string
	switch addr {
	case "dhcp", "bootp", "rarp", "any":
		autoconf = addr
	default:
		autoconf = "off"
		parsed, network, err := net.ParseCIDR(addr)
		if err != nil {
			return "", fmt.Errorf("invalid ip_address %q: %w", addr, err)
		}
		ip = parsed.String()
		netmask = net.IP(network.Mask).String()
	}

	gateway, _ := iface["gateway"].(string)
	dns := dnsArg(iface["dns"])

	return fmt.Sprintf(" ip=%s::%s:%s:%s:eth%d:%s:%s",
		ip, gateway, netmask, hostname, index, autoconf, dns), nil
}

// dnsArg accepts both a single server and a list.
func dnsArg(v interface{}) string {
	switch dns := v.(type) {
	case string:
		return dns
	case []interface{}:
		parts := make([]string, 0, len(dns))
		for _, entry := range dns {
			if s, ok := entry.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ":")
	default:
		return ""
	}
}
