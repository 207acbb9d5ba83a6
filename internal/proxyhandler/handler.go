// Package proxyhandler implements the client and target connection state
// machines this module's spec calls the client handler and the target
// handler (proxy-client-handler.c / proxy-target-handler.c in the
// original source), plus the accept loop that feeds them. Both state
// machines are registered with the multiplexer (internal/mux) using a
// single dispatch callback keyed on readiness bits, read and write the
// shared response cache (internal/cache), and drive the incremental
// parser (internal/httpstream) a byte range at a time as data arrives.
package proxyhandler

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/conf"
	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/cache"
	"github.com/relaycache/relay/internal/metrics"
	"github.com/relaycache/relay/internal/mux"
)

// Handler owns every connection's state and is the multiplexer's
// listener/client/target callback target.
type Handler struct {
	log        *log.Helper
	mux        *mux.Mux
	cache      *cache.Cache
	upstream   *conf.Upstream
	listenerFd int
	accessLog  bool

	mu      sync.Mutex
	clients map[int]*clientConn
	targets map[int]*targetConn
}

// New returns a Handler bound to c and the upstream dialing options. The
// multiplexer is supplied afterward via SetMux, since the multiplexer's
// own constructor needs the handler's OnAccept method as its listener
// callback — the two are built in this order to break that cycle.
func New(logger log.Logger, c *cache.Cache, upstream *conf.Upstream) *Handler {
	return &Handler{
		log:      log.NewHelper(logger),
		cache:    c,
		upstream: upstream,
		clients:  make(map[int]*clientConn),
		targets:  make(map[int]*targetConn),
	}
}

// SetListener records the listening socket's descriptor so OnAccept knows
// what to accept(2) from.
func (h *Handler) SetListener(fd int) { h.listenerFd = fd }

// SetMux binds the multiplexer the handler registers client and target
// descriptors with.
func (h *Handler) SetMux(m *mux.Mux) { h.mux = m }

// SetAccessLog toggles the per-request access-log line written on every
// accepted request.
func (h *Handler) SetAccessLog(enabled bool) { h.accessLog = enabled }

// OnAccept is the multiplexer's listener callback (C6): it drains the
// accept backlog, registering one clientConn per connection, stopping at
// the first EAGAIN.
func (h *Handler) OnAccept() {
	for {
		fd, _, err := unix.Accept(h.listenerFd)
		if err != nil {
			return
		}
		metrics.ActiveConnections.WithLabelValues(metrics.RoleClient).Inc()
		h.newClient(fd)
	}
}

func (h *Handler) registerClient(c *clientConn) {
	h.mu.Lock()
	h.clients[c.fd] = c
	h.mu.Unlock()
}

func (h *Handler) registerTarget(t *targetConn) {
	h.mu.Lock()
	h.targets[t.fd] = t
	h.mu.Unlock()
}

func (h *Handler) lookupClient(fd int) (*clientConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[fd]
	return c, ok
}

func (h *Handler) lookupTarget(fd int) (*targetConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.targets[fd]
	return t, ok
}

func (h *Handler) forgetClient(fd int) {
	h.mu.Lock()
	delete(h.clients, fd)
	h.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(metrics.RoleClient).Dec()
}

func (h *Handler) forgetTarget(fd int) {
	h.mu.Lock()
	delete(h.targets, fd)
	h.mu.Unlock()
	metrics.ActiveConnections.WithLabelValues(metrics.RoleTarget).Dec()
}

// Close tears down every tracked connection, used during graceful
// shutdown after the multiplexer itself has stopped dispatching.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	targets := make([]*targetConn, 0, len(h.targets))
	for _, t := range h.targets {
		targets = append(targets, t)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.closeClient(c)
	}
	for _, t := range targets {
		h.closeTarget(t)
	}
}
