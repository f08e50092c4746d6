package nfq

import (
	"context"
	"net"
	"path/filepath"
	"strings"

	"github.com/google/gopacket/layers"
	psnet "github.com/shirou/gopsutil/net"
	processInfo "github.com/shirou/gopsutil/process"

	"github.com/safing/portgate/base/log"
)

// resolveApp returns the executable path of the process owning the local
// end of the connection, or an empty string if it cannot be found.
func resolveApp(ctx context.Context, info packetInfo) string {
	if !info.IsTCPorUDP {
		return ""
	}

	kind := "tcp4"
	switch {
	case info.Protocol == layers.IPProtocolUDP && info.IsIPv6:
		kind = "udp6"
	case info.Protocol == layers.IPProtocolUDP:
		kind = "udp4"
	case info.IsIPv6:
		kind = "tcp6"
	}

	conns, err := psnet.ConnectionsWithContext(ctx, kind)
	if err != nil {
		log.Debugf("nfqueue: failed to list %s connections: %s", kind, err)
		return ""
	}

	localIP, localPort := info.local()
	pid := findOwner(conns, localIP, localPort)
	if pid <= 0 {
		return ""
	}

	proc, err := processInfo.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	exe, err := proc.ExeWithContext(ctx)
	if err != nil {
		log.Debugf("nfqueue: failed to get executable of pid %d: %s", pid, err)
		return ""
	}
	return filepath.Clean(strings.TrimSuffix(exe, " (deleted)"))
}

// findOwner returns the pid owning the local address, preferring exact
// address matches over sockets bound to any address.
func findOwner(conns []psnet.ConnectionStat, localIP net.IP, localPort uint16) int32 {
	var wildcard int32
	for _, c := range conns {
		if c.Laddr.Port != uint32(localPort) || c.Pid <= 0 {
			continue
		}
		laddr := net.ParseIP(c.Laddr.IP)
		switch {
		case laddr.Equal(localIP):
			return c.Pid
		case laddr == nil || laddr.IsUnspecified():
			wildcard = c.Pid
		}
	}
	return wildcard
}
