package proxyhandler

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/internal/cache"
	"github.com/relaycache/relay/internal/constants"
	"github.com/relaycache/relay/internal/httpstream"
	"github.com/relaycache/relay/internal/metrics"
	"github.com/relaycache/relay/pkg/pstring"
)

type clientState int

const (
	csParsingRequest clientState = iota
	csAwaitingTarget
	csStreamingResponse
	csClosing
)

// clientConn is the client-side state machine (C4): Parsing -> (cache hit:
// straight to Streaming | cache miss: AwaitingTarget) -> Streaming ->
// Closing. One connection serves exactly one request — the forced
// HTTP/1.0 + Connection: close rewrite means the proxy never attempts
// keep-alive toward the client, matching the original's simplicity.
type clientConn struct {
	fd int
	h  *Handler

	parser *httpstream.Parser

	host string
	port string
	path string

	headerFields []string
	headerValues []string

	state     clientState
	requestID string
	outcome   string

	entry    *cache.Entry
	reader   *cache.Reader
	sendOff  int
	target   *targetConn
	outgoing pstring.Buffer // bytes staged for write(2) when POLLOUT-blocked
}

func (h *Handler) newClient(fd int) {
	c := &clientConn{fd: fd, h: h, state: csParsingRequest}
	c.parser = httpstream.New(httpstream.Request, httpstream.Callbacks{
		OnURL:             c.onURL,
		OnHeaderField:     c.onHeaderField,
		OnHeaderValue:     c.onHeaderValue,
		OnHeadersComplete: c.onHeadersComplete,
	})

	h.registerClient(c)
	h.mux.Add(fd, h.dispatchClient)
	h.mux.EnableIn(fd)
}

func (h *Handler) dispatchClient(fd int, revents int16) {
	c, ok := h.lookupClient(fd)
	if !ok {
		return
	}

	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		h.closeClient(c)
		return
	}
	if revents&unix.POLLOUT != 0 {
		c.flushOutgoing()
	}
	if revents&unix.POLLIN != 0 && c.state == csParsingRequest {
		c.readRequest()
	}
}

func (c *clientConn) readRequest() {
	var buf [16 * 1024]byte
	n, err := unix.Read(c.fd, buf[:])
	if n <= 0 {
		if err != nil && err == unix.EAGAIN {
			return
		}
		c.h.closeClient(c)
		return
	}

	if _, perr := c.parser.Execute(buf[:n]); perr != nil {
		c.writeErrorAndClose(metrics.OutcomeRefused, "400 Bad Request")
		return
	}
}

func (c *clientConn) onURL(raw []byte) {
	host, path, ok := splitAbsoluteURL(string(raw))
	if ok {
		c.host, c.path = host, path
	} else {
		c.path = string(raw)
	}
}

func (c *clientConn) onHeaderField(field []byte) {
	c.headerFields = append(c.headerFields, string(field))
}

func (c *clientConn) onHeaderValue(value []byte) {
	c.headerValues = append(c.headerValues, string(value))
}

// splitAbsoluteURL strips the scheme and authority from an absolute-form
// request target ("http://host[:port]/path") leaving only the path, per
// the original's handle_request_url rewrite.
func splitAbsoluteURL(raw string) (host, path string, ok bool) {
	const prefix = "http://"
	if !strings.HasPrefix(raw, prefix) {
		return "", "", false
	}
	rest := raw[len(prefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return rest, "/", true
	}
	return rest[:slash], rest[slash:], true
}

// headerValue looks up name with an exact, case-sensitive match — per
// spec.md §4.4's header completion rule ("case-sensitive compare of the
// exact length of ...", mirroring the original's case-sensitive strncmp
// in proxy-client-handler.c), not the case-insensitive match HTTP header
// names are normally given. A request that spells the header
// differently (e.g. "host" instead of "Host") will not be recognized,
// matching the original's behavior exactly.
func (c *clientConn) headerValue(name string) (string, bool) {
	for i, f := range c.headerFields {
		if f == name {
			return c.headerValues[i], true
		}
	}
	return "", false
}

// onHeadersComplete implements handle_finished_header: resolve the
// origin, rewrite the request line and headers, then either stream a
// cached hit straight through or open a connection to the target.
func (c *clientConn) onHeadersComplete() {
	if c.host == "" {
		if hv, ok := c.headerValue("Host"); ok {
			c.host = hv
		}
	}
	if c.host == "" {
		c.writeErrorAndClose(metrics.OutcomeRefused, "400 Bad Request")
		return
	}

	host, port := splitHostPort(c.host)
	c.host, c.port = host, port

	if c.path == "" {
		c.path = "/"
	}

	cacheKey := fmt.Sprintf("http://%s:%s%s", c.host, c.port, c.path)

	entry, created := c.h.cache.FindOrCreate(cacheKey)
	c.entry = entry
	c.requestID = metrics.NewRequestID()
	metrics.RecordRequest()

	outcome := "hit"
	if created {
		outcome = "miss"
	}
	if c.h.accessLog {
		c.h.log.Infow(constants.ProtocolRequestIDKey, c.requestID,
			"method", c.parser.Method.String(), "url", cacheKey, "cache", outcome)
	}

	if !created {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		c.beginStreamingFromCache()
		return
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	c.connectToTarget()
}

func (c *clientConn) rewrittenRequestHead(method string) []byte {
	var b pstring.Buffer
	b.AppendString(method)
	b.AppendString(" ")
	b.AppendString(c.path)
	b.AppendString(" HTTP/1.0\r\n")
	for i, f := range c.headerFields {
		// Exact, case-sensitive match per spec.md §4.4 — a client-supplied
		// "connection" (any other case) is forwarded untouched instead of
		// stripped, matching the original's case-sensitive strncmp.
		if f == "Connection" {
			continue
		}
		b.AppendString(f)
		b.AppendString(": ")
		b.AppendString(c.headerValues[i])
		b.AppendString("\r\n")
	}
	b.AppendString("Connection: close\r\n\r\n")
	return b.Bytes()
}

func (c *clientConn) connectToTarget() {
	ctx, cancel := context.WithTimeout(context.Background(), c.h.upstream.ResolveTimeout)
	defer cancel()

	fd, err := dialTarget(ctx, c.h.upstream, c.host, c.port)
	if err != nil {
		c.h.cache.MarkInvalidAndFinished(c.entry)
		c.writeErrorAndClose(metrics.OutcomeAborted, statusLineFor(err))
		return
	}

	c.state = csAwaitingTarget
	c.h.newTarget(fd, c)
}

// targetConnected is called by the target handler once connect(2)
// succeeds: the rewritten request head goes out to the origin and the
// client subscribes to its own freshly created cache entry.
func (c *clientConn) targetConnected(t *targetConn) {
	c.target = t
	head := c.rewrittenRequestHead(c.parser.Method.String())
	t.send(head)
	c.beginStreamingFromCache()
}

func (c *clientConn) beginStreamingFromCache() {
	c.state = csStreamingResponse
	c.reader = c.h.cache.Subscribe(c.entry, c.onCacheEvent)
}

// onCacheEvent fires on subscription and on every cache Append,
// MarkFinished and MarkInvalidAndFinished for this client's entry
// (MarkInvalid alone does not fan out) — the callback extracts whatever
// new bytes are available and attempts to relay them to the client socket.
func (c *clientConn) onCacheEvent() {
	for {
		buf := make([]byte, 32*1024)
		n, err := c.h.cache.Extract(c.entry, c.sendOff, buf)
		if err != nil || n == 0 {
			break
		}
		c.sendOff += n
		c.writeToClient(buf[:n])
		if n < len(buf) {
			break
		}
	}

	if c.entry.Finished() && c.outgoing.Len() == 0 {
		c.h.closeClient(c)
	}
}

// writeToClient attempts an immediate write(2); unsent bytes are staged
// in outgoing and retried once the socket reports writable, the same
// send_pstring partial-send retry the original relies on.
func (c *clientConn) writeToClient(data []byte) {
	if c.outgoing.Len() > 0 {
		c.outgoing.Append(data)
		return
	}

	n, err := unix.Write(c.fd, data)
	if err != nil && err != unix.EAGAIN {
		c.h.closeClient(c)
		return
	}
	if n < 0 {
		n = 0
	}
	if n < len(data) {
		c.outgoing.Append(data[n:])
		c.h.mux.EnableOut(c.fd)
	}
}

func (c *clientConn) flushOutgoing() {
	if c.outgoing.Len() == 0 {
		c.h.mux.CancelOut(c.fd)
		return
	}
	n, err := unix.Write(c.fd, c.outgoing.Bytes())
	if err != nil && err != unix.EAGAIN {
		c.h.closeClient(c)
		return
	}
	c.outgoing.Substring(n)
	if c.outgoing.Len() == 0 {
		c.h.mux.CancelOut(c.fd)
		if c.entry != nil && c.entry.Finished() {
			c.h.closeClient(c)
		}
	}
}

func (c *clientConn) writeErrorAndClose(outcome, status string) {
	c.outcome = outcome
	resp := fmt.Sprintf("HTTP/1.0 %s\r\nConnection: close\r\n\r\n", status)
	unix.Write(c.fd, []byte(resp))
	c.h.closeClient(c)
}

func (h *Handler) closeClient(c *clientConn) {
	if c.state == csClosing {
		return
	}
	c.state = csClosing

	if c.outcome == "" {
		c.outcome = metrics.OutcomeServed
	}
	metrics.RequestsTotal.WithLabelValues(c.outcome).Inc()

	if c.reader != nil {
		h.cache.Unsubscribe(c.reader)
	}
	h.forgetClient(c.fd)
	h.mux.Remove(c.fd)
}
