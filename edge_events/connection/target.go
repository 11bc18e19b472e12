package connection

import (
	"fmt"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
)

// LatencyTarget picks the host and public port to test latency against.
// internalPort 0 selects the first TCP port, else the first port; otherwise
// the port whose internal range contains internalPort.
func LatencyTarget(reply *protocol.FindCloudletReply, internalPort int32) (latency_probing.Target, error) {
	const op = "LatencyTarget"
	if reply == nil || len(reply.Ports) == 0 {
		return latency_probing.Target{}, edge_errors.New(op, edge_errors.CodeEmptyAppPorts, nil)
	}

	var port *protocol.AppPort
	if internalPort == 0 {
		for _, p := range reply.Ports {
			if p != nil && p.Proto == protocol.LProtoTCP {
				port = p
				break
			}
		}
		if port == nil {
			port = reply.Ports[0]
		}
	} else {
		for _, p := range reply.Ports {
			if p == nil {
				continue
			}
			end := p.EndPort
			if end == 0 {
				end = p.InternalPort
			}
			if internalPort >= p.InternalPort && internalPort <= end {
				port = p
				break
			}
		}
	}
	if port == nil {
		return latency_probing.Target{}, edge_errors.New(op, edge_errors.CodePortDoesNotExist,
			fmt.Errorf("internal port %d", internalPort))
	}

	// ranged ports map one to one onto the public range
	offset := int32(0)
	if internalPort != 0 {
		offset = internalPort - port.InternalPort
	}
	return latency_probing.Target{
		Host: port.FqdnPrefix + reply.Fqdn,
		Port: int(port.PublicPort + offset),
	}, nil
}
