//go:build !linux

package firmware

import "net"

// applySocketOptions is a no-op off Linux. Unlike internal/netio's raw BFD
// sockets, which only ever run on a Linux router, the Node Runtime is a
// simulator meant to double as a portable UDP peer for integration tests on
// any development machine — it should still build and run without the
// SO_REUSEADDR tuning that only matters under rapid reset/rebind cycles.
func applySocketOptions(_ *net.UDPConn) error {
	return nil
}
