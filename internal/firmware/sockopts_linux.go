//go:build linux

package firmware

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// applySocketOptions sets SO_REUSEADDR on the CoAP socket, mirroring the
// teacher's internal/netio.setSocketOpts Control-callback idiom. Needed
// because a reset-and-reattach cycle re-binds the same fixed port
// (spec §4.8: "one pinned UDP socket on port 1212") in quick succession.
func applySocketOptions(udp *net.UDPConn) error {
	raw, err := udp.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
	}

	return nil
}
