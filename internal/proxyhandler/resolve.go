package proxyhandler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/conf"
	relayerrors "github.com/relaycache/relay/pkg/errors"
)

// ErrTLSNotSupported is returned for a request targeting the standard TLS
// port — the original source has no TLS handshake support, and neither
// does this proxy; CONNECT-style tunneling is an explicit non-goal. It
// carries a 501 status so the client handler can report it precisely
// instead of a generic 502.
var ErrTLSNotSupported = relayerrors.New(http.StatusNotImplemented, nil)

const (
	defaultScheme = "http"
	defaultPort   = "80"
	tlsPort       = "443"
)

// splitHostPort mirrors the original's resolve_hostname port parsing: the
// port is whatever decimal integer follows the *last* colon in the host
// header; a bare hostname with no colon gets the default HTTP port.
func splitHostPort(hostHeader string) (host, port string) {
	idx := strings.LastIndexByte(hostHeader, ':')
	if idx < 0 {
		return hostHeader, defaultPort
	}
	candidate := hostHeader[idx+1:]
	if _, err := strconv.Atoi(candidate); err != nil {
		return hostHeader[:idx], defaultPort
	}
	return hostHeader[:idx], candidate
}

// dialTarget resolves host and opens a non-blocking TCP connection to it,
// returning the raw descriptor before the connect(2) handshake completes
// — completion is observed by the multiplexer as the fd becoming
// writable, the same async-connect pattern the target handler's
// establish_target_connection uses.
func dialTarget(ctx context.Context, upstream *conf.Upstream, host, port string) (int, error) {
	if port == tlsPort {
		return -1, ErrTLSNotSupported
	}

	var resolver net.Resolver
	ips, err := resolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		ips, err = resolver.LookupIP(ctx, "ip", host)
	}
	if err != nil {
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(err)
	}

	portNum, err := strconv.Atoi(port)
	if err != nil {
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(err)
	}

	var addr unix.SockaddrInet4
	addr.Port = portNum
	ip4 := ips[0].To4()
	if ip4 == nil {
		unix.Close(fd)
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(errors.New("resolved address is not IPv4"))
	}
	copy(addr.Addr[:], ip4)

	err = unix.Connect(fd, &addr)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, relayerrors.New(http.StatusBadGateway, nil).WithCause(err)
	}

	return fd, nil
}

// statusLineFor renders the status line sent to the client for a dial
// failure: a relayerrors.Error carries the exact code the failure should
// be reported as (e.g. 501 for ErrTLSNotSupported), anything else is a
// generic 502.
func statusLineFor(err error) string {
	var rerr *relayerrors.Error
	if errors.As(err, &rerr) {
		return strconv.Itoa(rerr.Code) + " " + http.StatusText(rerr.Code)
	}
	return "502 Bad Gateway"
}

// connectError returns the pending error on a non-blocking socket once it
// becomes writable after connect(2), via getsockopt(SO_ERROR).
func connectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
