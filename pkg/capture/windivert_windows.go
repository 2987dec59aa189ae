//go:build windows

package capture

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// WinDivert binding. Everything that touches raw pointers or the driver's
// 80-byte address block lives in this file; the rest of the package (and
// the engine) only ever sees the safe Handle API.

const (
	divertLayerNetwork = 0

	// Bit positions inside the 32-bit flag word at raw[8:12].
	flagSniffed  = 16
	flagOutbound = 17
	flagLoopback = 18
	flagImpostor = 19
	flagIPv6     = 20
)

const (
	errorFileNotFound        = 2
	errorAccessDenied        = 5
	errorServiceDoesNotExist = 1060
)

var (
	modWinDivert = windows.NewLazySystemDLL("WinDivert.dll")

	procOpen          = modWinDivert.NewProc("WinDivertOpen")
	procRecv          = modWinDivert.NewProc("WinDivertRecv")
	procSend          = modWinDivert.NewProc("WinDivertSend")
	procClose         = modWinDivert.NewProc("WinDivertClose")
	procCalcChecksums = modWinDivert.NewProc("WinDivertHelperCalcChecksums")
)

// Preflight verifies the divert library and driver files exist next to the
// binary before any open is attempted, so a missing install fails fast with
// a taxonomy error instead of a raw loader message.
func Preflight() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	dir := filepath.Dir(exe)
	if _, err := os.Stat(filepath.Join(dir, "WinDivert.dll")); err != nil {
		return ErrMissingLib
	}
	if _, err := os.Stat(filepath.Join(dir, "WinDivert64.sys")); err != nil {
		return ErrMissingDriver
	}
	return nil
}

type divertHandle struct {
	h windows.Handle
}

// Open establishes a network-layer divert for the filter expression.
func Open(filter string) (Handle, error) {
	if err := modWinDivert.Load(); err != nil {
		return nil, ErrMissingLib
	}

	f, err := windows.BytePtrFromString(filter)
	if err != nil {
		return nil, err
	}
	r, _, callErr := procOpen.Call(
		uintptr(unsafe.Pointer(f)),
		uintptr(divertLayerNetwork),
		0, // priority
		0, // flags
	)
	h := windows.Handle(r)
	if h == windows.InvalidHandle {
		switch errno, _ := callErr.(syscall.Errno); uint32(errno) {
		case errorAccessDenied:
			return nil, ErrDenied
		case errorFileNotFound:
			return nil, ErrMissingDriver
		case errorServiceDoesNotExist:
			return nil, ErrNoDriver
		default:
			return nil, &openError{code: uint32(errno), msg: errno.Error()}
		}
	}
	return &divertHandle{h: h}, nil
}

func (d *divertHandle) Recv(buf []byte) (int, Address, error) {
	var addr Address
	var recvLen uint32
	r, _, callErr := procRecv.Call(
		uintptr(d.h),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&recvLen)),
		uintptr(unsafe.Pointer(&addr.raw[0])),
	)
	if r == 0 {
		errno, _ := callErr.(syscall.Errno)
		// A closed or invalidated handle is the clean-shutdown signal.
		if errno == windows.ERROR_INVALID_HANDLE || errno == windows.ERROR_OPERATION_ABORTED {
			return 0, addr, ErrClosed
		}
		return 0, addr, errno
	}
	addr.decode()
	return int(recvLen), addr, nil
}

func (d *divertHandle) Send(buf []byte, addr Address) error {
	addr.encode()
	var sendLen uint32
	r, _, callErr := procSend.Call(
		uintptr(d.h),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&sendLen)),
		uintptr(unsafe.Pointer(&addr.raw[0])),
	)
	if r == 0 {
		return callErr
	}
	return nil
}

func (d *divertHandle) CalcChecksums(buf []byte, addr Address) {
	addr.encode()
	procCalcChecksums.Call(
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&addr.raw[0])),
		0, // flags
	)
}

func (d *divertHandle) Close() error {
	h := d.h
	if h == windows.InvalidHandle {
		return nil
	}
	d.h = windows.InvalidHandle
	procClose.Call(uintptr(h))
	return nil
}

// decode lifts the driver's packed flag word into the portable fields.
func (a *Address) decode() {
	flags := binary.LittleEndian.Uint32(a.raw[8:12])
	a.Outbound = flags&(1<<flagOutbound) != 0
	a.Loopback = flags&(1<<flagLoopback) != 0
	a.IPv6 = flags&(1<<flagIPv6) != 0
}

// encode pushes the portable fields back into the raw block before handing
// it to the driver. The rest of the block (timestamp, interface indices)
// rides along untouched from Recv.
func (a *Address) encode() {
	flags := binary.LittleEndian.Uint32(a.raw[8:12])
	flags = setBit(flags, flagOutbound, a.Outbound)
	flags = setBit(flags, flagLoopback, a.Loopback)
	flags = setBit(flags, flagIPv6, a.IPv6)
	binary.LittleEndian.PutUint32(a.raw[8:12], flags)
}

func setBit(word uint32, bit uint, on bool) uint32 {
	if on {
		return word | 1<<bit
	}
	return word &^ (1 << bit)
}
