// Package server assembles the proxy's two network surfaces: the
// forward-proxy listener driven by the multiplexer, and a separate
// net/http admin surface (metrics, health, pprof) that never touches
// proxied bytes. It keeps a tableflip-managed listener and
// transport.Server lifecycle contract; everything downstream of the
// listener's file descriptor is the raw-socket engine in internal/mux,
// internal/cache, and internal/proxyhandler.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/conf"
	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/contrib/transport"
	"github.com/relaycache/relay/internal/cache"
	"github.com/relaycache/relay/internal/metrics"
	"github.com/relaycache/relay/internal/mux"
	"github.com/relaycache/relay/internal/proxyhandler"
	xruntime "github.com/relaycache/relay/pkg/x/runtime"
	"github.com/relaycache/relay/server/mod"
)

// rateLogInterval is how often the rolling one-minute request count is
// logged alongside the Prometheus counters.
const rateLogInterval = 30 * time.Second

// errNotTCPListener is returned if tableflip ever hands back something
// other than a *net.TCPListener for a "tcp" network — the raw-fd poll(2)
// registration this server relies on only makes sense for TCP.
var errNotTCPListener = errors.New("server: tableflip listener is not a *net.TCPListener")

// ProxyServer is the raw-socket forward proxy: a tableflip-managed
// listener, the poll-based multiplexer, the shared cache, and the
// client/target connection handler.
type ProxyServer struct {
	log      *log.Helper
	config   *conf.Bootstrap
	flip     *tableflip.Upgrader
	listener net.Listener

	cache   *cache.Cache
	mux     *mux.Mux
	handler *proxyhandler.Handler

	admin *http.Server

	runErr   chan error
	stopRate chan struct{}
}

// NewServer constructs the proxy transport. flip supplies the listener so
// a binary upgrade (triggered in main.go when the fsnotify watcher of the
// config file source reports a change) hands the listening socket to the
// new process without dropping in-flight connections.
func NewServer(flip *tableflip.Upgrader, bc *conf.Bootstrap, logger log.Logger) (transport.Server, error) {
	s := &ProxyServer{
		log:      log.NewHelper(logger),
		config:   bc,
		flip:     flip,
		cache:    cache.New(logger),
		runErr:   make(chan error, 1),
		stopRate: make(chan struct{}),
	}

	s.admin = &http.Server{
		Addr:    bc.Server.Admin.Addr,
		Handler: s.buildAdminMux(),
	}

	return s, nil
}

func (s *ProxyServer) buildAdminMux() *http.ServeMux {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.HandleFunc("/healthz/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.mux == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	m.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(xruntime.BuildInfo)
	})
	mod.HandlePProf(s.config.Server.Admin.PProf, m)
	return m
}

// Start binds the proxy listener through tableflip, starts the admin
// surface, and launches the multiplexer's poll loop. It returns once
// setup succeeds; the poll loop and admin server run in their own
// goroutines until Stop is called.
func (s *ProxyServer) Start(ctx context.Context) error {
	ln, err := s.flip.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return errNotTCPListener
	}
	sc, err := tcpLn.SyscallConn()
	if err != nil {
		return err
	}

	backlog := s.config.Server.Backlog
	if backlog <= 0 {
		backlog = 50
	}

	var listenerFd int
	var listenErr error
	cerr := sc.Control(func(fd uintptr) {
		listenerFd = int(fd)
		// Re-issuing listen(2) on an already-listening socket updates its
		// backlog in place without unbinding it, letting the configured
		// backlog (50 by default, and when unset) take effect even though
		// tableflip's own net.Listen call already ran listen(2) with the OS
		// default.
		listenErr = unix.Listen(listenerFd, backlog)
	})
	if cerr != nil {
		return cerr
	}
	if listenErr != nil {
		return listenErr
	}

	s.handler = proxyhandler.New(s.log.Logger(), s.cache, s.config.Upstream)
	s.handler.SetListener(listenerFd)
	s.handler.SetAccessLog(s.config.Server.AccessLog != nil && s.config.Server.AccessLog.Enabled)

	m, err := mux.New(s.log.Logger(), listenerFd, s.handler.OnAccept)
	if err != nil {
		return err
	}
	s.mux = m
	s.handler.SetMux(m)

	go func() {
		s.runErr <- s.mux.Run()
	}()

	go func() {
		s.log.Infof("admin surface listening on %s", s.config.Server.Admin.Addr)
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("admin server error: %v", err)
		}
	}()

	go s.logRatePeriodically()

	if err := s.flip.Ready(); err != nil {
		return err
	}

	s.log.Infof("proxy listening on %s", s.config.Server.Addr)
	return nil
}

// logRatePeriodically logs the rolling one-minute request count alongside the
// Prometheus counters, the way lightweight rate counters surface request-
// info summaries elsewhere in the stack this module drew its dependencies
// from. It exits once Stop closes stopRate.
func (s *ProxyServer) logRatePeriodically() {
	ticker := time.NewTicker(rateLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.log.Infof("requests/min=%d cache_entries=%d connections=%d", metrics.Rate(), s.cache.Len(), s.mux.Len())
		case <-s.stopRate:
			return
		}
	}
}

// Stop shuts down the multiplexer (delivering a hangup to every open
// connection), closes the cache, and stops the admin surface.
func (s *ProxyServer) Stop(ctx context.Context) error {
	close(s.stopRate)
	if s.mux != nil {
		s.mux.Shutdown()
		<-s.runErr
	}
	if s.handler != nil {
		s.handler.Close()
	}
	s.cache.Close()
	if s.admin != nil {
		_ = s.admin.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.log.Info("Server closed.")
	return nil
}
