package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// fixChecksumsIPv4 recomputes the IPv4 header checksum and the TCP/UDP
// checksum of buf in place. Used by the portable handle; the driver-backed
// handle has its own helper. Any decode or serialize failure leaves buf as
// it was — a packet with a stale checksum is still worth reinjecting, the
// receiver will discard it at worst.
func fixChecksumsIPv4(buf []byte) {
	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return
	}
	ip := ipLayer.(*layers.IPv4)

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}

	var err error
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		tcpLayer := pkt.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil {
			return
		}
		tcp := tcpLayer.(*layers.TCP)
		if err = tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return
		}
		err = gopacket.SerializePacket(sb, opts, pkt)
	case layers.IPProtocolUDP:
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			return
		}
		udp := udpLayer.(*layers.UDP)
		if err = udp.SetNetworkLayerForChecksum(ip); err != nil {
			return
		}
		err = gopacket.SerializePacket(sb, opts, pkt)
	default:
		return
	}
	if err != nil {
		return
	}

	out := sb.Bytes()
	if len(out) == len(buf) {
		copy(buf, out)
	}
}
