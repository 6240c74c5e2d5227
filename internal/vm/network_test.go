//go:build linux

package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fireforge/pkg/logger"
	"fireforge/pkg/platform"
)

func newTestLauncher(opts Options) (*Launcher, *platform.MockPlatform) {
	mock := platform.NewMockPlatform()
	l := NewLauncher(mock, opts)
	l.vmID = "vm-test"
	l.log = logger.WithField("component", "vm")
	return l, mock
}

func TestFreeTapName(t *testing.T) {
	assert.Equal(t, "fctap0", freeTapName(nil))
	assert.Equal(t, "fctap0", freeTapName([]string{"eth0", "lo"}))
	assert.Equal(t, "fctap2", freeTapName([]string{"fctap0", "fctap1"}))
}

func TestBootIPArgStatic(t *testing.T) {
	iface := map[string]interface{}{
		"gateway": "192.168.1.1",
		"dns":     []interface{}{"1.1.1.1", "8.8.8.8"},
	}
	arg, err := bootIPArg(iface, "192.168.1.10/24", "vm-test", 0)
	require.NoError(t, err)
	assert.Equal(t, " ip=192.168.1.10::192.168.1.1:255.255.255.0:vm-test:eth0:off:1.1.1.1:8.8.8.8", arg)
}

func TestBootIPArgDHCP(t *testing.T) {
	arg, err := bootIPArg(map[string]interface{}{}, "dhcp", "vm-test", 1)
	require.NoError(t, err)
	assert.Equal(t, " ip=::::vm-test:eth1:dhcp:", arg)
}

func TestBootIPArgRejectsBadAddress(t *testing.T) {
	_, err := bootIPArg(map[string]interface{}{}, "not-an-ip", "vm-test", 0)
	assert.Error(t, err)
}

func TestDNSArgForms(t *testing.T) {
	assert.Equal(t, "1.1.1.1", dnsArg("1.1.1.1"))
	assert.Equal(t, "1.1.1.1:9.9.9.9", dnsArg([]interface{}{"1.1.1.1", "9.9.9.9"}))
	assert.Equal(t, "", dnsArg(nil))
}

func TestSetupNetworkingCreatesTap(t *testing.T) {
	l, mock := newTestLauncher(Options{User: "firecracker"})
	cfg := &Config{
		BootSource: map[string]interface{}{"boot_args": "quiet"},
		NetworkInterfaces: []map[string]interface{}{
			{"iface_id": "eth0", "host_bridge_name": "br0", "guest_mac": "AA:BB:CC:00:00:01"},
		},
	}

	require.NoError(t, l.setupNetworking(cfg))

	iface := cfg.NetworkInterfaces[0]
	dev, ok := iface["host_dev_name"].(string)
	require.True(t, ok)
	assert.Contains(t, dev, "fctap")
	assert.NotContains(t, iface, "host_bridge_name")
	assert.Equal(t, "AA:BB:CC:00:00:01", iface["guest_mac"])

	require.Len(t, mock.Commands, 3)
	assert.Equal(t, "ip", mock.Commands[0].Name)
	assert.Contains(t, mock.Commands[0].Args, "tuntap")
	assert.Contains(t, mock.Commands[1].Args, "br0")
	assert.Contains(t, mock.Commands[2].Args, "up")
	assert.Equal(t, []string{dev}, l.taps)
}

func TestSetupNetworkingStaticAddressRewritesBootArgs(t *testing.T) {
	l, _ := newTestLauncher(Options{User: "firecracker"})
	cfg := &Config{
		BootSource: map[string]interface{}{"boot_args": "quiet"},
		NetworkInterfaces: []map[string]interface{}{
			{"iface_id": "eth0", "host_dev_name": "tap0", "ip_address": "10.0.0.2/30", "gateway": "10.0.0.1"},
		},
	}

	require.NoError(t, l.setupNetworking(cfg))

	args := cfg.BootSource["boot_args"].(string)
	assert.Contains(t, args, "ip=10.0.0.2::10.0.0.1:255.255.255.252:vm-test:eth0:off:")
	assert.NotContains(t, cfg.NetworkInterfaces[0], "ip_address")
	assert.NotContains(t, cfg.NetworkInterfaces[0], "gateway")
	assert.Empty(t, l.taps, "an explicit host_dev_name must not allocate a tap")
}
