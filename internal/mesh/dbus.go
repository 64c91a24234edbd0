package mesh

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// Well-known DBus names for otbr-agent's Border Router service, as exposed
// by OpenThread's dbus server (src/dbus in the openthread/ot-br-posix tree).
const (
	busName       = "io.openthread.BorderRouter"
	objectPathFmt = "/io/openthread/BorderRouter/%s"
	ifaceName     = "io.openthread.BorderRouter"
)

// DBusClient implements Client over the system bus, talking to otbr-agent's
// io.openthread.BorderRouter service. This is the primary transport named in
// spec §6 ("implementation may use a CLI wrapper or DBus").
type DBusClient struct {
	conn      *dbus.Conn
	obj       dbus.BusObject
	ifaceName string
}

// NewDBusClient connects to the system bus and binds to the Border Router
// object for the given Thread network interface (e.g. "wpan0").
func NewDBusClient(ifaceName string) (*DBusClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, wrapErr("dbus connect", err)
	}

	obj := conn.Object(busName, dbus.ObjectPath(fmt.Sprintf(objectPathFmt, ifaceName)))

	return &DBusClient{conn: conn, obj: obj, ifaceName: ifaceName}, nil
}

// Close releases the underlying bus connection.
func (c *DBusClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ChildLocators calls the Border Router's GetChildTable method, which
// returns an array of structs each carrying (at minimum) an RLOC16 and an
// extended/IPv6 address. The dbus wire signature for this object is
// implementation-defined across otbr-agent versions; this client decodes the
// two fields the mesh monitor actually needs and ignores the rest.
func (c *DBusClient) ChildLocators(ctx context.Context) ([]meshtypes.ChildLocator, error) {
	call := c.obj.CallWithContext(ctx, ifaceName+".GetChildTable", 0)
	if call.Err != nil {
		return nil, wrapErr("GetChildTable", call.Err)
	}

	var raw []struct {
		RLOC16 uint16
		IPv6   string
	}
	if err := call.Store(&raw); err != nil {
		return nil, wrapErr("decode GetChildTable reply", err)
	}

	out := make([]meshtypes.ChildLocator, 0, len(raw))
	for _, r := range raw {
		addr, err := netip.ParseAddr(r.IPv6)
		if err != nil {
			return nil, wrapErr("parse child address "+r.IPv6, err)
		}
		out = append(out, meshtypes.ChildLocator{RLOC: meshtypes.RLOC(r.RLOC16), IPv6: addr})
	}
	return out, nil
}

// OMRPrefix reads the "Omr" property as a single prefix string and parses
// it.
func (c *DBusClient) OMRPrefix(ctx context.Context) (netip.Prefix, error) {
	v, err := c.obj.GetProperty(ifaceName + ".Omr")
	if err != nil {
		return netip.Prefix{}, wrapErr("read Omr property", err)
	}

	s, ok := v.Value().(string)
	if !ok {
		return netip.Prefix{}, wrapErr("decode Omr property", fmt.Errorf("unexpected dbus variant type %T", v.Value()))
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, wrapErr("parse OMR prefix "+s, err)
	}
	return prefix, nil
}

// OMRAddress reads the "Ipv6Addresses" property and returns the first entry
// whose prefix matches the advertised OMR prefix.
func (c *DBusClient) OMRAddress(ctx context.Context) (netip.Addr, error) {
	prefix, err := c.OMRPrefix(ctx)
	if err != nil {
		return netip.Addr{}, err
	}

	v, err := c.obj.GetProperty(ifaceName + ".Ipv6Addresses")
	if err != nil {
		return netip.Addr{}, wrapErr("read Ipv6Addresses property", err)
	}

	addrs, ok := v.Value().([]string)
	if !ok {
		return netip.Addr{}, wrapErr("decode Ipv6Addresses property", fmt.Errorf("unexpected dbus variant type %T", v.Value()))
	}

	for _, s := range addrs {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if addrMatchesPrefix(addr, prefix) {
			return addr, nil
		}
	}

	return netip.Addr{}, wrapErr("find OMR address", fmt.Errorf("no address under prefix %s", prefix))
}

// decodeHexRLOC parses a 4-hex-digit RLOC16 string (as used by ot-ctl output
// and mirrored here for symmetry with the CLI transport's parser).
func decodeHexRLOC(s string) (meshtypes.RLOC, error) {
	s = strings.TrimSpace(s)
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 2 {
		return 0, fmt.Errorf("decode RLOC16 %q", s)
	}
	return meshtypes.RLOC(uint16(b[0])<<8 | uint16(b[1])), nil
}
