// Package meshmon implements the Mesh Monitor (spec §4.3): the authoritative
// registry of nodes currently registered on the mesh, keyed by reserved
// port, plus the gateway's own on-mesh address.
//
// Per spec §5, the Monitor's nodes map is owned exclusively by the Event
// Router's poll loop — the only goroutine that calls the mutating methods
// below. The guarding mutex exists so read-only callers (metrics, a status
// CLI) can safely snapshot state from another goroutine, the same registry
// shape the teacher's bfd.Manager uses for its session maps.
package meshmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/nand-nor/plant-minder/internal/mesh"
	"github.com/nand-nor/plant-minder/internal/meshtypes"
	"github.com/nand-nor/plant-minder/internal/portpool"
)

// Monitor owns the registered-node map and the gateway's current on-mesh
// address.
type Monitor struct {
	mu          sync.RWMutex
	nodes       map[uint16]meshtypes.NodeIdentity // keyed by reserved_port
	gatewayAddr netip.Addr

	pool   *portpool.Pool
	client mesh.Client
	logger *slog.Logger
}

// New constructs a Monitor backed by the given Mesh Client and Port Pool.
func New(client mesh.Client, pool *portpool.Pool, logger *slog.Logger) *Monitor {
	return &Monitor{
		nodes:  make(map[uint16]meshtypes.NodeIdentity),
		pool:   pool,
		client: client,
		logger: logger,
	}
}

// RefreshGateway implements spec §4.3: if the current gateway address is
// loopback, unset, or its prefix no longer matches the current OMR prefix,
// replace it with the freshly-queried OMR address.
func (m *Monitor) RefreshGateway(ctx context.Context) error {
	prefix, err := m.client.OMRPrefix(ctx)
	if err != nil {
		return fmt.Errorf("meshmon: refresh gateway: query OMR prefix: %w", err)
	}

	m.mu.RLock()
	current := m.gatewayAddr
	m.mu.RUnlock()

	if current.IsValid() && !current.IsLoopback() && prefix.Contains(current) {
		return nil
	}

	addr, err := m.client.OMRAddress(ctx)
	if err != nil {
		return fmt.Errorf("meshmon: refresh gateway: query OMR address: %w", err)
	}

	m.mu.Lock()
	m.gatewayAddr = addr
	m.mu.Unlock()

	m.logger.Info("gateway address refreshed", "gateway_addr", addr, "omr_prefix", prefix)
	return nil
}

// GatewayAddr returns the gateway's current on-mesh address.
func (m *Monitor) GatewayAddr() netip.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gatewayAddr
}

// NewChildren implements spec §4.3: child locators whose address prefix
// matches the gateway address's prefix, minus those already present in the
// registry (compared by (rloc, ipv6)).
func (m *Monitor) NewChildren(ctx context.Context) ([]meshtypes.ChildLocator, error) {
	children, err := m.client.ChildLocators(ctx)
	if err != nil {
		return nil, fmt.Errorf("meshmon: new children: %w", err)
	}

	m.mu.RLock()
	gateway := m.gatewayAddr
	existing := make(map[meshtypes.ChildKey]struct{}, len(m.nodes))
	for _, id := range m.nodes {
		existing[id.Key()] = struct{}{}
	}
	m.mu.RUnlock()

	if !gateway.IsValid() {
		return nil, nil
	}
	// The gateway's matching prefix is its /64 on-mesh network (spec §4.3:
	// "matches gateway_addr's prefix").
	gatewayPrefix, err := gateway.Prefix(64)
	if err != nil {
		return nil, fmt.Errorf("meshmon: new children: derive gateway prefix: %w", err)
	}

	var fresh []meshtypes.ChildLocator
	for _, c := range children {
		if !c.IPv6.IsValid() {
			continue
		}
		if !gatewayPrefix.Contains(c.IPv6) {
			continue
		}
		if _, ok := existing[c.Key()]; ok {
			continue
		}
		fresh = append(fresh, c)
	}

	return fresh, nil
}

// LostChildren implements spec §4.3: registered identities absent from the
// latest child_locators() call are evicted and their ports released in the
// same call; the evicted list is returned for downstream (log-only, per
// spec §4.6 step 3 and §9's open question) notification.
func (m *Monitor) LostChildren(ctx context.Context) ([]meshtypes.NodeIdentity, error) {
	children, err := m.client.ChildLocators(ctx)
	if err != nil {
		return nil, fmt.Errorf("meshmon: lost children: %w", err)
	}

	present := make(map[meshtypes.ChildKey]struct{}, len(children))
	for _, c := range children {
		present[c.Key()] = struct{}{}
	}

	m.mu.Lock()
	var evicted []meshtypes.NodeIdentity
	for port, id := range m.nodes {
		if _, ok := present[id.Key()]; ok {
			continue
		}
		evicted = append(evicted, id)
		delete(m.nodes, port)
	}
	m.mu.Unlock()

	for _, id := range evicted {
		m.pool.Release(id.ReservedPort)
	}

	return evicted, nil
}

// Register inserts or replaces a NodeIdentity by its reserved port (spec
// §4.3). If an identity with the same EUI is already registered under a
// different port — the rebind case, where a reset node re-registers with a
// new ipv6 and rloc — that stale entry is evicted and its port released.
func (m *Monitor) Register(identity meshtypes.NodeIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for port, existing := range m.nodes {
		if port == identity.ReservedPort {
			continue
		}
		if existing.EUI == identity.EUI {
			delete(m.nodes, port)
			m.pool.Release(port)
		}
	}

	m.nodes[identity.ReservedPort] = identity
}

// ReservePort delegates to the Port Pool.
func (m *Monitor) ReservePort() (uint16, error) {
	return m.pool.Reserve()
}

// ReturnPort delegates to the Port Pool.
func (m *Monitor) ReturnPort(port uint16) {
	m.pool.Release(port)
}

// Snapshot returns a defensive copy of the currently registered identities,
// for metrics and CLI status queries.
func (m *Monitor) Snapshot() []meshtypes.NodeIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]meshtypes.NodeIdentity, 0, len(m.nodes))
	for _, id := range m.nodes {
		out = append(out, id)
	}
	return out
}

// Lookup returns the identity registered under port, if any.
func (m *Monitor) Lookup(port uint16) (meshtypes.NodeIdentity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nodes[port]
	return id, ok
}
