package latency_probing

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const protocolICMP = 1

// pingOnce sends one unprivileged ICMP echo (udp4 datagram socket). Hosts
// that forbid datagram ICMP sockets fail here; use TestConnect there.
func pingOnce(ctx context.Context, host string, timeout time.Duration, seq int) (float64, error) {
	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return 0, err
	}

	c, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("open icmp socket: %w", err)
	}
	defer c.Close()

	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("edge-events-latency"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return 0, fmt.Errorf("marshal icmp echo: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		return 0, err
	}

	startTime := time.Now()
	if _, err := c.WriteTo(wb, &net.UDPAddr{IP: ip}); err != nil {
		return 0, fmt.Errorf("send icmp echo: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := c.ReadFrom(rb)
		if err != nil {
			return 0, fmt.Errorf("read icmp reply: %w", err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, rb[:n])
		if err != nil {
			return 0, fmt.Errorf("parse icmp reply: %w", err)
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq != seq {
			continue
		}
		return float64(time.Since(startTime).Microseconds()) / 1000.0, nil
	}
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return ip.To4(), nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no ipv4 address for %s", host)
}
