package engine

import "encoding/binary"

const (
	protoTCP = 6
	protoUDP = 17

	minIPv4Header = 20
)

// header is the slice of an IPv4 packet the hot loop needs: transport
// protocol and the two ports. Parsing is plain offset arithmetic — the
// loop runs per packet and must not allocate or decode layers it will
// never look at.
type header struct {
	proto   byte
	srcPort uint16
	dstPort uint16
}

// parseIPv4 extracts the transport header fields. ok is false for
// truncated packets, header-length lies, and protocols other than TCP/UDP;
// such packets are reinjected untouched by the caller.
func parseIPv4(b []byte) (header, bool) {
	if len(b) < minIPv4Header {
		return header{}, false
	}
	ihl := int(b[0]&0x0F) * 4
	proto := b[9]
	if ihl < minIPv4Header || ihl+4 > len(b) {
		return header{}, false
	}
	if proto != protoTCP && proto != protoUDP {
		return header{}, false
	}
	return header{
		proto:   proto,
		srcPort: binary.BigEndian.Uint16(b[ihl:]),
		dstPort: binary.BigEndian.Uint16(b[ihl+2:]),
	}, true
}
