package nfq

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/safing/portgate/service/flow"
)

// packetInfo holds the connection details of a queued packet.
type packetInfo struct {
	Protocol   layers.IPProtocol
	Src, Dst   net.IP
	SrcPort    uint16
	DstPort    uint16
	Direction  flow.Direction
	IsIPv6     bool
	IsTCPorUDP bool
}

// local returns the address and port of the local end.
func (p packetInfo) local() (net.IP, uint16) {
	if p.Direction == flow.Inbound {
		return p.Dst, p.DstPort
	}
	return p.Src, p.SrcPort
}

// remote returns the address and port of the remote end.
func (p packetInfo) remote() (net.IP, uint16) {
	if p.Direction == flow.Inbound {
		return p.Src, p.SrcPort
	}
	return p.Dst, p.DstPort
}

var errUnknownIPVersion = errors.New("unknown ip version")

func parsePacket(payload []byte, direction flow.Direction) (packetInfo, error) {
	if len(payload) == 0 {
		return packetInfo{}, errors.New("empty packet")
	}

	var first gopacket.LayerType
	switch payload[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return packetInfo{}, errUnknownIPVersion
	}

	pkt := gopacket.NewPacket(payload, first, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	info := packetInfo{Direction: direction}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		info.Protocol = ip.Protocol
		info.Src, info.Dst = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		info.Protocol = ip.NextHeader
		info.Src, info.Dst = ip.SrcIP, ip.DstIP
		info.IsIPv6 = true
	default:
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return packetInfo{}, errLayer.Error()
		}
		return packetInfo{}, errUnknownIPVersion
	}

	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		info.SrcPort, info.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
		info.IsTCPorUDP = true
	case *layers.UDP:
		info.SrcPort, info.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
		info.IsTCPorUDP = true
	}

	return info, nil
}
