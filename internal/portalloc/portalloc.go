// Package portalloc assigns free ephemeral TCP ports to sessions and
// tracks the current sessionKey → port assignment for ProxyRegistry.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/rchpc/ide-broker/internal/core"
)

// Allocator hands out OS-assigned loopback ports. There is a small
// TOCTOU window between Allocate returning and the caller binding the
// port themselves; callers must bind promptly.
type Allocator struct{}

func NewAllocator() *Allocator { return &Allocator{} }

// Allocate binds to 127.0.0.1:0, reads back the OS-assigned port, and
// immediately releases the listener.
func (a *Allocator) Allocate() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, core.NewDomainError(core.ErrorCodeTunnel, "allocate port", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Registry exposes the current sessionKey → port assignment. It is
// last-writer-wins per sessionKey; PortRegistry is injective by
// construction since TunnelManager only ever assigns a freshly
// allocated port.
type Registry struct {
	mu     sync.RWMutex
	assign map[core.SessionKey]int
}

func NewRegistry() *Registry {
	return &Registry{assign: make(map[core.SessionKey]int)}
}

// Set records that key is currently bound to port.
func (r *Registry) Set(key core.SessionKey, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assign[key] = port
}

// Get returns the current port for key, or ok=false if unassigned.
func (r *Registry) Get(key core.SessionKey) (port int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	port, ok = r.assign[key]
	return port, ok
}

// Remove deletes key's assignment; the port itself is simply left to
// the OS (nothing to release beyond the listener Allocate already
// closed).
func (r *Registry) Remove(key core.SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assign, key)
}

// Injective reports whether two live sessions share a port; exposed
// for property tests, not used on the hot path.
func (r *Registry) Injective() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int]core.SessionKey, len(r.assign))
	for key, port := range r.assign {
		if other, ok := seen[port]; ok {
			return fmt.Errorf("port %d shared by %q and %q", port, key, other)
		}
		seen[port] = key
	}
	return nil
}
