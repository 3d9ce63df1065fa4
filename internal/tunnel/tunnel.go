// Package tunnel implements the TunnelManager component (K): opening
// and closing SSH -L-style port forwards bound to PortAllocator's
// ephemeral ports, re-targeted from the teacher's TCP↔pipe/chisel
// bridge to an SSH-channel↔TCP-listener relay.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/portalloc"
	"github.com/rchpc/ide-broker/internal/proxyregistry"
)

// DialFunc opens a fresh, exclusively-owned SSH connection to
// cluster's login host. Kept as a minimal function type (rather than
// depending on the whole sshclient.Client) to avoid a dependency
// cycle between tunnel and its callers.
type DialFunc func(ctx context.Context, cluster string) (*ssh.Client, error)

var ErrUnknownTunnel = errors.New("tunnel: no tunnel for session")

// Forward is one SSH -L-style local-port-to-remote-address forward
// alive for the lifetime of a Tunnel.
type Forward struct {
	localPort int
	listener  net.Listener
	wg        sync.WaitGroup
}

func (f *Forward) close() {
	f.listener.Close()
	f.wg.Wait()
}

// Tunnel is one session's SSH port forward(s): the primary IDE
// forward plus any additional dev-server forwards, all multiplexed
// over one SSH connection.
type Tunnel struct {
	SessionKey core.SessionKey
	Port       int

	conn      *ssh.Client
	primary   *Forward
	extra     []*Forward
}

// Close tears down every forward and the underlying SSH connection.
func (t *Tunnel) Close() {
	t.primary.close()
	for _, f := range t.extra {
		f.close()
	}
	t.conn.Close()
}

// Manager is the TunnelManager component (K).
type Manager struct {
	mu      sync.Mutex
	tunnels map[core.SessionKey]*Tunnel

	ports     *portalloc.Registry
	allocator *portalloc.Allocator
	dial      DialFunc
	proxies   *proxyregistry.Registry
	log       *slog.Logger
}

func New(ports *portalloc.Registry, allocator *portalloc.Allocator, dial DialFunc, proxies *proxyregistry.Registry, log *slog.Logger) *Manager {
	return &Manager{
		tunnels:   make(map[core.SessionKey]*Tunnel),
		ports:     ports,
		allocator: allocator,
		dial:      dial,
		proxies:   proxies,
		log:       log.With("component", "tunnelmanager"),
	}
}

// Launch allocates a port, opens an SSH connection to cluster's login
// host, and requests a "-L port:computeNode:remotePort" forward, plus
// one additional forward per entry in additionalRemotePorts (reusing
// the same SSH connection), per spec §4.K.
func (m *Manager) Launch(ctx context.Context, key core.SessionKey, cluster, computeNode string, remotePort int, additionalRemotePorts []int) (*Tunnel, error) {
	port, err := m.allocator.Allocate()
	if err != nil {
		return nil, core.NewDomainError(core.ErrorCodeTunnel, "allocate port", err)
	}

	conn, err := m.dial(ctx, cluster)
	if err != nil {
		return nil, core.NewDomainError(core.ErrorCodeTunnel, "dial ssh", err)
	}

	primary, err := m.openForward(conn, port, fmt.Sprintf("%s:%d", computeNode, remotePort))
	if err != nil {
		conn.Close()
		return nil, core.NewDomainError(core.ErrorCodeTunnel, "open forward", err)
	}

	t := &Tunnel{SessionKey: key, Port: port, conn: conn, primary: primary}
	for _, rp := range additionalRemotePorts {
		extraPort, err := m.allocator.Allocate()
		if err != nil {
			m.log.Warn("additional port allocation failed", "key", key, "error", err)
			continue
		}
		fwd, err := m.openForward(conn, extraPort, fmt.Sprintf("%s:%d", computeNode, rp))
		if err != nil {
			m.log.Warn("additional forward failed", "key", key, "remotePort", rp, "error", err)
			continue
		}
		t.extra = append(t.extra, fwd)
	}

	m.ports.Set(key, port)
	m.mu.Lock()
	m.tunnels[key] = t
	m.mu.Unlock()

	return t, nil
}

// openForward binds localPort and relays every accepted connection
// through an SSH "direct-tcpip" channel to remoteAddr, the SSH
// equivalent of `ssh -L localPort:remoteAddr`.
func (m *Manager) openForward(conn *ssh.Client, localPort int, remoteAddr string) (*Forward, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, err
	}
	f := &Forward{localPort: localPort, listener: ln}

	go func() {
		for {
			tcpConn, err := ln.Accept()
			if err != nil {
				return
			}
			f.wg.Add(1)
			go m.relay(f, conn, tcpConn, remoteAddr)
		}
	}()
	return f, nil
}

// relay bridges one accepted TCP connection to an SSH direct-tcpip
// channel opened against remoteAddr, copying bidirectionally until
// either side closes.
func (m *Manager) relay(f *Forward, conn *ssh.Client, tcpConn net.Conn, remoteAddr string) {
	defer f.wg.Done()

	sshConn, err := conn.Dial("tcp", remoteAddr)
	if err != nil {
		m.log.Warn("ssh forward dial failed", "remote", remoteAddr, "error", err)
		tcpConn.Close()
		return
	}
	relayConns(tcpConn, sshConn)
}

// relayConns copies bidirectionally between a and b until either
// direction ends, then closes both so the other direction unblocks.
func relayConns(a, b io.ReadWriteCloser) {
	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(a, b)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		errc <- err
	}()

	<-errc
	a.Close()
	b.Close()
	<-errc
}

// Terminate closes key's tunnel, frees its port, and destroys key's
// proxy in the registry (when one is wired), if a tunnel exists.
func (m *Manager) Terminate(key core.SessionKey) {
	m.mu.Lock()
	t, ok := m.tunnels[key]
	delete(m.tunnels, key)
	m.mu.Unlock()

	if !ok {
		return
	}
	t.Close()
	m.ports.Remove(key)
	if m.proxies != nil {
		m.proxies.Destroy(key)
	}
}

// OnSessionCleared is registered with StateManager so a session
// ending for any reason (explicit stop, poller detection, idle
// reaper, reconciliation) tears down its tunnel uniformly.
func (m *Manager) OnSessionCleared(key core.SessionKey, _ *core.SessionHistory) {
	m.Terminate(key)
}

// Get returns the live tunnel for key, if any.
func (m *Manager) Get(key core.SessionKey) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[key]
	return t, ok
}

// CloseAll tears down every live tunnel, used during graceful
// shutdown after pollers have stopped and SSH queues have drained.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.tunnels = make(map[core.SessionKey]*Tunnel)
	m.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}
