package proxyhandler_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycache/relay/conf"
	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/cache"
	"github.com/relaycache/relay/internal/mux"
	"github.com/relaycache/relay/internal/proxyhandler"
)

// testProxy wires a real cache + mux + handler behind a loopback TCP
// listener, the same assembly server.ProxyServer does, so these tests
// exercise the client/target state machines end to end over real sockets
// rather than mocking them.
type testProxy struct {
	addr string
	c    *cache.Cache
	m    *mux.Mux
	h    *proxyhandler.Handler
}

func startProxy(t *testing.T) *testProxy {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tcpLn := ln.(*net.TCPListener)
	sc, err := tcpLn.SyscallConn()
	require.NoError(t, err)

	var fd int
	require.NoError(t, sc.Control(func(rawFd uintptr) { fd = int(rawFd) }))

	c := cache.New(log.GetLogger())
	upstream := &conf.Upstream{ResolveTimeout: 2 * time.Second}
	h := proxyhandler.New(log.GetLogger(), c, upstream)
	h.SetListener(fd)

	m, err := mux.New(log.GetLogger(), fd, h.OnAccept)
	require.NoError(t, err)
	h.SetMux(m)

	go m.Run()

	t.Cleanup(func() {
		m.Shutdown()
		h.Close()
		_ = ln.Close()
	})

	return &testProxy{addr: ln.Addr().String(), c: c, m: m, h: h}
}

// startOrigin runs a tiny one-shot-per-connection HTTP/1.0 origin: each
// accepted connection is handed to respond, which writes whatever bytes it
// returns and then closes. accepts counts how many connections were ever
// opened, so tests can assert a cache hit never dials the origin again.
func startOrigin(t *testing.T, respond func(req string) []byte) (addr string, accepts *int32) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var n int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&n, 1)
			go func(c net.Conn) {
				defer c.Close()
				req := readRequestHead(c)
				_, _ = c.Write(respond(req))
			}(conn)
		}
	}()

	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String(), &n
}

func readRequestHead(c net.Conn) string {
	r := bufio.NewReader(c)
	var head []byte
	for {
		line, err := r.ReadBytes('\n')
		head = append(head, line...)
		if err != nil || string(line) == "\r\n" {
			break
		}
	}
	return string(head)
}

func sendRequest(t *testing.T, proxyAddr, host, path string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)

	req := fmt.Sprintf("GET http://%s%s HTTP/1.1\r\nHost: %s\r\n\r\n", host, path, host)
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)
	return conn
}

func readAll(t *testing.T, conn net.Conn, deadline time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return data
}

// TestMissThenHit exercises spec.md §8 scenario 1: the first client
// triggers an origin fetch and receives the response; a second client for
// the identical URL, arriving after the first closed, is served from the
// cache without a second origin connection.
func TestMissThenHit(t *testing.T) {
	p := startProxy(t)

	body := "hello"
	originAddr, accepts := startOrigin(t, func(string) []byte {
		return []byte(fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	})

	a := sendRequest(t, p.addr, originAddr, "/x")
	got := readAll(t, a, 2*time.Second)
	require.Contains(t, string(got), "200 OK")
	require.Contains(t, string(got), body)
	a.Close()

	require.Equal(t, int32(1), atomic.LoadInt32(accepts))

	b := sendRequest(t, p.addr, originAddr, "/x")
	got2 := readAll(t, b, 2*time.Second)
	require.Equal(t, string(got), string(got2))
	b.Close()

	// still only the one origin connection from the miss.
	require.Equal(t, int32(1), atomic.LoadInt32(accepts))
}

// TestConcurrentFanOut exercises spec.md §8 scenario 2: two clients for the
// same URL within the same in-flight fetch share a single origin
// connection and receive identical bytes.
func TestConcurrentFanOut(t *testing.T) {
	p := startProxy(t)

	release := make(chan struct{})
	body := "concurrent-body-bytes"
	originAddr, accepts := startOrigin(t, func(string) []byte {
		<-release
		return []byte(fmt.Sprintf("HTTP/1.0 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
	})

	a := sendRequest(t, p.addr, originAddr, "/y")
	// give the first client time to reach the target dial and create the
	// cache entry before the second arrives, so both share one fetch.
	time.Sleep(50 * time.Millisecond)
	b := sendRequest(t, p.addr, originAddr, "/y")
	time.Sleep(50 * time.Millisecond)

	close(release)

	gotA := readAll(t, a, 2*time.Second)
	gotB := readAll(t, b, 2*time.Second)
	a.Close()
	b.Close()

	require.Equal(t, string(gotA), string(gotB))
	require.Contains(t, string(gotA), body)
	require.Equal(t, int32(1), atomic.LoadInt32(accepts))
}

// TestNon200NotCached exercises spec.md §8 scenario 3: a non-200 response
// still streams fully to the client that triggered it, but the entry is
// invalidated so the next client for that URL causes a fresh origin fetch.
func TestNon200NotCached(t *testing.T) {
	p := startProxy(t)

	originAddr, accepts := startOrigin(t, func(string) []byte {
		return []byte("HTTP/1.0 404 Not Found\r\nContent-Length: 4\r\n\r\nnope")
	})

	a := sendRequest(t, p.addr, originAddr, "/missing")
	got := readAll(t, a, 2*time.Second)
	require.Contains(t, string(got), "404 Not Found")
	require.Contains(t, string(got), "nope")
	a.Close()

	b := sendRequest(t, p.addr, originAddr, "/missing")
	got2 := readAll(t, b, 2*time.Second)
	require.Contains(t, string(got2), "404 Not Found")
	b.Close()

	require.Equal(t, int32(2), atomic.LoadInt32(accepts))
}

// TestUntilCloseBodyCachedAsHit exercises a 200 response with neither
// Content-Length nor chunked framing — the origin just writes the body and
// closes the connection, the common case for a bare HTTP/1.0 server. That
// close must be recognized as a normal end of message, not a truncation,
// so the entry still caches and a second client is served as a hit with no
// second origin connection.
func TestUntilCloseBodyCachedAsHit(t *testing.T) {
	p := startProxy(t)

	body := "no content-length here, just eof"
	originAddr, accepts := startOrigin(t, func(string) []byte {
		return []byte("HTTP/1.0 200 OK\r\n\r\n" + body)
	})

	a := sendRequest(t, p.addr, originAddr, "/eof")
	got := readAll(t, a, 2*time.Second)
	require.Contains(t, string(got), "200 OK")
	require.Contains(t, string(got), body)
	a.Close()

	require.Equal(t, int32(1), atomic.LoadInt32(accepts))

	b := sendRequest(t, p.addr, originAddr, "/eof")
	got2 := readAll(t, b, 2*time.Second)
	require.Equal(t, string(got), string(got2))
	b.Close()

	require.Equal(t, int32(1), atomic.LoadInt32(accepts))
}

// TestHostHeaderMatchIsCaseSensitive exercises spec.md §4.4's requirement
// that the Connection/Host header match is a case-sensitive exact compare,
// mirroring the original's case-sensitive strncmp: a request spelling the
// header "host" in lowercase is not recognized as establishing the origin
// and is refused, exactly as the original would refuse it.
func TestHostHeaderMatchIsCaseSensitive(t *testing.T) {
	p := startProxy(t)

	conn, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /x HTTP/1.1\r\nhost: example.test\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	got := readAll(t, conn, 2*time.Second)
	require.Contains(t, string(got), "400")
}

// TestTLSPortRefused exercises spec.md §8 scenario 4: a request naming the
// standard TLS port is refused outright, with no origin connection.
func TestTLSPortRefused(t *testing.T) {
	p := startProxy(t)

	conn := sendRequest(t, p.addr, "secure.test:443", "/")
	got := readAll(t, conn, 2*time.Second)
	conn.Close()

	require.Contains(t, string(got), "501")
	require.NotContains(t, string(got), "200")
}
