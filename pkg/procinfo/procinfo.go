// Package procinfo resolves PIDs to display names for the process listing.
package procinfo

import "github.com/shirou/gopsutil/v3/process"

// NetworkProcess is one row of the network-process listing.
type NetworkProcess struct {
	PID  uint32 `json:"pid"`
	Name string `json:"name"`
}

// Namer looks a PID's executable name up. SystemNamer is the OS-backed
// implementation; engine.New uses it when its Config leaves Namer nil.
type Namer interface {
	Name(pid uint32) (string, error)
}

// SystemNamer reads names from the live process table.
type SystemNamer struct{}

func (SystemNamer) Name(pid uint32) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}

// Describe resolves each PID to a named row. PIDs whose process has exited
// between sighting and lookup are skipped silently.
func Describe(namer Namer, pids []uint32) []NetworkProcess {
	out := make([]NetworkProcess, 0, len(pids))
	for _, pid := range pids {
		name, err := namer.Name(pid)
		if err != nil {
			continue
		}
		out = append(out, NetworkProcess{PID: pid, Name: name})
	}
	return out
}
