package collector

import (
	"context"
	"testing"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyInterface(t *testing.T) {
	cases := map[string]string{
		"rmnet_data0": NetworkCellular,
		"pdp_ip0":     NetworkCellular,
		"wlan0":       NetworkWifi,
		"wlp2s0":      NetworkWifi,
		"eth0":        NetworkEthernet,
		"enp3s0":      NetworkEthernet,
		"en0":         NetworkEthernet,
		"docker0":     NetworkUnknown,
		"lo":          NetworkUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, ClassifyInterface(name), name)
	}
}

func TestActiveNetworkType(t *testing.T) {
	addr := net.InterfaceAddrList{{Addr: "10.0.0.2/24"}}
	ifaces := net.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: net.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth0", Flags: []string{"up"}, Addrs: addr},
		{Name: "wlan0", Flags: []string{"up"}, Addrs: addr},
		{Name: "rmnet0", Flags: []string{}, Addrs: addr},
	}
	assert.Equal(t, NetworkWifi, activeNetworkType(ifaces))

	ifaces[3].Flags = []string{"up"}
	assert.Equal(t, NetworkCellular, activeNetworkType(ifaces))

	assert.Equal(t, NetworkUnknown, activeNetworkType(ifaces[:1]))
}

func TestCollectDeviceInfo(t *testing.T) {
	static, dynamic, err := CollectDeviceInfo(context.Background(), "orange")
	require.NoError(t, err)
	assert.NotEmpty(t, static.DeviceOs)
	assert.Equal(t, "orange", dynamic.CarrierName)
	assert.NotEmpty(t, dynamic.DataNetworkType)
}
