package capture

import (
	"errors"
	"fmt"
)

// Filter is the hook filter selecting the traffic the governor polices:
// IPv4 TCP and UDP only. IPv6 still arrives (the hook reports it with the
// IPv6 address flag) and is passed through untouched by the engine.
const Filter = "ip and (tcp or udp)"

// MaxPacketSize is the receive buffer size. The network-layer hook never
// hands us more than a full IP datagram.
const MaxPacketSize = 64 * 1024

// Sentinel errors for the hook lifecycle. Open failures map onto the
// start-error taxonomy; ErrClosed is the one error the receive loop treats
// as a clean shutdown.
var (
	ErrClosed        = errors.New("capture: handle closed")
	ErrNoDriver      = errors.New("capture: divert driver not loaded")
	ErrMissingDriver = errors.New("capture: divert driver file not found")
	ErrMissingLib    = errors.New("capture: divert library not found")
	ErrDenied        = errors.New("capture: access denied, elevated privileges required")
)

// Address is the per-packet metadata the hook attaches: direction, address
// family, and (on the driver-backed handle) the opaque block the driver
// needs back on reinjection. The raw block never leaves this package.
type Address struct {
	Outbound bool
	IPv6     bool
	Loopback bool

	raw [rawAddressSize]byte
}

const rawAddressSize = 80

// Handle is an open packet hook. Recv blocks until a matching packet
// arrives or the handle is closed; Close unblocks any pending Recv with
// ErrClosed and is idempotent. Send reinjects a previously received packet
// and is best-effort. CalcChecksums rewrites the IP and transport
// checksums in place, swallowing its own failures.
type Handle interface {
	Recv(buf []byte) (int, Address, error)
	Send(buf []byte, addr Address) error
	CalcChecksums(buf []byte, addr Address)
	Close() error
}

// Opener establishes a capture at the network layer for a filter
// expression. The engine takes an Opener so tests can substitute the
// in-memory pipe for the driver.
type Opener func(filter string) (Handle, error)

// openError wraps a driver status code that has no sentinel of its own.
type openError struct {
	code uint32
	msg  string
}

func (e *openError) Error() string {
	return fmt.Sprintf("capture: open failed: %s (code %d)", e.msg, e.code)
}

// Code returns the driver status code for CLI exit mapping.
func (e *openError) Code() uint32 { return e.code }
