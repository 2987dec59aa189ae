package netstat

import (
	"fmt"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// SystemTable reads the live OS socket tables through gopsutil. IPv4 only,
// matching the capture filter.
type SystemTable struct{}

// Table returns the {local port, owning PID} rows for one protocol.
func (SystemTable) Table(proto Proto) ([]Entry, error) {
	kind := "tcp4"
	if proto == UDP {
		kind = "udp4"
	}
	conns, err := gnet.Connections(kind)
	if err != nil {
		return nil, fmt.Errorf("netstat: reading %s table: %w", kind, err)
	}

	entries := make([]Entry, 0, len(conns))
	for _, c := range conns {
		if c.Laddr.Port == 0 || c.Laddr.Port > 65535 {
			continue
		}
		pid := c.Pid
		if pid < 0 {
			pid = 0
		}
		entries = append(entries, Entry{
			Port: uint16(c.Laddr.Port),
			PID:  uint32(pid),
		})
	}
	return entries, nil
}
