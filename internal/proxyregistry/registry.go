// Package proxyregistry implements the per-session reverse-proxy
// component (I): one httputil.ReverseProxy per live session, with
// IDE-specific request/response rewriting and WebSocket upgrade
// support.
package proxyregistry

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rchpc/ide-broker/internal/core"
	"github.com/rchpc/ide-broker/internal/portalloc"
)

// TokenLookupFunc resolves the current auth token for ide, sourced
// from the ActiveSession pointer.
type TokenLookupFunc func(ide core.IDE) (token string, ok bool)

// ActivityCallback fires on every proxied response or socket open, so
// IdleReaper can see the session is still in use.
type ActivityCallback func(key core.SessionKey)

// Proxy is one session's reverse proxy, bound to its currently
// allocated local port.
type Proxy struct {
	Key  core.SessionKey
	IDE  core.IDE
	Port int

	registry *Registry
	rp       *httputil.ReverseProxy
	upgrader websocket.Upgrader
}

// ServeHTTP dispatches WebSocket upgrades to the relay and everything
// else through the rewriting ReverseProxy. A plain HTTP request
// reports activity once its response completes; a WebSocket reports
// activity as soon as it opens (serveWebSocket notifies directly),
// since the relay otherwise blocks for the whole session and a
// deferred call here would only fire at socket close.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.serveWebSocket(w, r)
		return
	}
	defer p.registry.notifyActivity(p.Key)
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) token() string {
	if p.registry.tokenLookup == nil {
		return ""
	}
	tok, ok := p.registry.tokenLookup(p.IDE)
	if !ok {
		return ""
	}
	return tok
}

func (p *Proxy) target() *url.URL {
	return &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(p.Port)}
}

// Registry is the ProxyRegistry component (I).
type Registry struct {
	mu       sync.Mutex
	proxies  map[core.SessionKey]*Proxy
	portOnly map[string]*Proxy

	ports       *portalloc.Registry
	tokenLookup TokenLookupFunc
	activity    ActivityCallback
	log         *slog.Logger
}

func New(ports *portalloc.Registry, log *slog.Logger) *Registry {
	return &Registry{
		proxies:  make(map[core.SessionKey]*Proxy),
		portOnly: make(map[string]*Proxy),
		ports:    ports,
		log:      log.With("component", "proxyregistry"),
	}
}

func (r *Registry) SetTokenLookup(fn TokenLookupFunc)   { r.mu.Lock(); r.tokenLookup = fn; r.mu.Unlock() }
func (r *Registry) SetActivityCallback(fn ActivityCallback) {
	r.mu.Lock()
	r.activity = fn
	r.mu.Unlock()
}

func (r *Registry) notifyActivity(key core.SessionKey) {
	r.mu.Lock()
	cb := r.activity
	r.mu.Unlock()
	if cb != nil {
		cb(key)
	}
}

// Create builds and registers a new proxy for key, bound to port.
func (r *Registry) Create(key core.SessionKey, ide core.IDE, port int) (*Proxy, error) {
	p := &Proxy{Key: key, IDE: ide, Port: port, registry: r}
	p.rp = newReverseProxy(p)

	r.mu.Lock()
	r.proxies[key] = p
	r.mu.Unlock()
	return p, nil
}

// Get returns the registered proxy for key, or nil if absent. It
// stalely-detects port drift: if the PortRegistry no longer agrees
// with the proxy's bound port (e.g. after a tunnel restart), the
// proxy is destroyed and nil is returned, forcing the caller to
// recreate it against the new port.
func (r *Registry) Get(key core.SessionKey) *Proxy {
	r.mu.Lock()
	p, ok := r.proxies[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if current, ok := r.ports.Get(key); !ok || current != p.Port {
		r.Destroy(key)
		return nil
	}
	return p
}

func (r *Registry) Destroy(key core.SessionKey) {
	r.mu.Lock()
	delete(r.proxies, key)
	r.mu.Unlock()
}

func (r *Registry) DestroyAll() {
	r.mu.Lock()
	r.proxies = make(map[core.SessionKey]*Proxy)
	r.portOnly = make(map[string]*Proxy)
	r.mu.Unlock()
}

// CreatePortProxy registers the "port" variant: a plain pass-through
// to a single fixed local port shared across sessions (dev-server
// forwarding), with no PortRegistry entry and no IDE rewriting.
func (r *Registry) CreatePortProxy(name string, port int) *Proxy {
	p := &Proxy{Key: core.SessionKey(name), IDE: "", Port: port, registry: r}
	p.rp = httputil.NewSingleHostReverseProxy(p.target())

	r.mu.Lock()
	r.portOnly[name] = p
	r.mu.Unlock()
	return p
}

func (r *Registry) GetPortProxy(name string) *Proxy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portOnly[name]
}

func (r *Registry) DestroyPortProxy(name string) {
	r.mu.Lock()
	delete(r.portOnly, name)
	r.mu.Unlock()
}

func newReverseProxy(p *Proxy) *httputil.ReverseProxy {
	target := p.target()
	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director

	switch p.IDE {
	case core.IDEVSCode:
		rp.Director = func(req *http.Request) {
			baseDirector(req)
			vscodeDirector(req, p.token())
		}
		rp.ModifyResponse = vscodeModifyResponse
	case core.IDERStudio:
		rp.Director = func(req *http.Request) {
			baseDirector(req)
			rstudioDirector(req)
		}
		rp.ModifyResponse = rstudioModifyResponse(target.Host)
	case core.IDEJupyter:
		rp.Director = func(req *http.Request) {
			baseDirector(req)
			jupyterDirector(req, p.token())
		}
	}
	return rp
}

func isWebSocketUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}
