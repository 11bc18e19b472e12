// Package collector gathers the device details sent when an edge events
// stream is opened.
package collector

import (
	"context"
	"fmt"
	"strings"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/net"
	log "github.com/sirupsen/logrus"
)

const (
	NetworkCellular = "CELLULAR"
	NetworkWifi     = "WIFI"
	NetworkEthernet = "ETHERNET"
	NetworkUnknown  = "UNKNOWN"
)

// CollectDeviceInfo reads the host description and the active data network.
// The dynamic part is best effort; only a failed host lookup is an error.
func CollectDeviceInfo(ctx context.Context, carrierName string) (*protocol.DeviceInfoStatic, *protocol.DeviceInfoDynamic, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get host info: %w", err)
	}

	static := &protocol.DeviceInfoStatic{
		DeviceOs:    strings.TrimSpace(info.OS + " " + info.PlatformVersion),
		DeviceModel: deviceModel(info),
	}

	dynamic := &protocol.DeviceInfoDynamic{
		DataNetworkType: NetworkUnknown,
		CarrierName:     carrierName,
	}
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		log.Warningf("[Collector] failed to list network interfaces, err:%v", err)
	} else {
		dynamic.DataNetworkType = activeNetworkType(ifaces)
	}

	log.Infof("[Collector] device info collected, os:%s, model:%s, network:%s", static.DeviceOs, static.DeviceModel, dynamic.DataNetworkType)
	return static, dynamic, nil
}

func deviceModel(info *host.InfoStat) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{info.Platform, info.KernelArch} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return info.Hostname
	}
	return strings.Join(parts, "/")
}

// activeNetworkType looks at interfaces that are up with an address, loopback
// excluded. Cellular wins over wifi, and wifi over ethernet.
func activeNetworkType(ifaces net.InterfaceStatList) string {
	best := NetworkUnknown
	rank := map[string]int{NetworkUnknown: 0, NetworkEthernet: 1, NetworkWifi: 2, NetworkCellular: 3}
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") || len(iface.Addrs) == 0 {
			continue
		}
		if kind := ClassifyInterface(iface.Name); rank[kind] > rank[best] {
			best = kind
		}
	}
	return best
}

// ClassifyInterface guesses the network type from an interface name.
func ClassifyInterface(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "ccmni"), strings.HasPrefix(n, "pdp_ip"):
		return NetworkCellular
	case strings.HasPrefix(n, "wl"):
		return NetworkWifi
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return NetworkEthernet
	default:
		return NetworkUnknown
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
