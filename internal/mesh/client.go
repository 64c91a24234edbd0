// Package mesh implements the Mesh Client contract (spec §4.1): read-only
// queries against an external Thread Border Router. Two transports are
// provided behind the same Client interface — a DBus client against
// otbr-agent's io.openthread.BorderRouter service, and a CLI-wrapper client
// that parses ot-ctl-style text output — selected by configuration.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// ErrMeshClient wraps any transport or parse failure from a Client method.
// Per spec §4.1, no state is retained between calls; the caller compares
// successive results itself.
var ErrMeshClient = errors.New("mesh client error")

// Client is the Mesh Client contract: three read-only operations against the
// Border Router.
type Client interface {
	// ChildLocators enumerates the Border Router's current Thread children.
	ChildLocators(ctx context.Context) ([]meshtypes.ChildLocator, error)

	// OMRPrefix returns the Off-Mesh-Routable IPv6 prefix currently advertised
	// by the Border Router.
	OMRPrefix(ctx context.Context) (netip.Prefix, error)

	// OMRAddress returns the gateway's own on-mesh IPv6 address — the one
	// whose leading 16-bit group matches the OMR prefix.
	OMRAddress(ctx context.Context) (netip.Addr, error)
}

// wrapErr wraps err with ErrMeshClient and an operation label, or returns nil
// if err is nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("mesh client %s: %w: %w", op, err, ErrMeshClient)
}

// addrMatchesPrefix reports whether addr's leading 16-bit group equals that
// of prefix's address. Shared by both transports' OMRAddress: the Border
// Router surfaces its own host addresses the same way it surfaces child
// addresses.
func addrMatchesPrefix(addr netip.Addr, prefix netip.Prefix) bool {
	if !prefix.IsValid() || !addr.IsValid() {
		return false
	}
	a, p := addr.As16(), prefix.Addr().As16()
	return a[0] == p[0] && a[1] == p[1]
}
