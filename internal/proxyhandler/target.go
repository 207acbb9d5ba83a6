package proxyhandler

import (
	"golang.org/x/sys/unix"

	"github.com/relaycache/relay/internal/httpstream"
	"github.com/relaycache/relay/internal/metrics"
	"github.com/relaycache/relay/pkg/pstring"
)

// targetConn is the origin-side state machine (C5): connecting ->
// streaming -> done. Response bytes are appended to the client's cache
// entry verbatim as they arrive; the parser alongside the append only
// detects message framing and the status line, deciding whether the
// entry is cacheable.
type targetConn struct {
	fd     int
	h      *Handler
	client *clientConn

	connecting bool
	outgoing   pstring.Buffer

	parser     *httpstream.Parser
	statusCode int
}

func (h *Handler) newTarget(fd int, client *clientConn) *targetConn {
	t := &targetConn{fd: fd, h: h, client: client, connecting: true}
	t.parser = httpstream.New(httpstream.Response, httpstream.Callbacks{
		OnStatus:          t.onStatus,
		OnMessageComplete: t.onMessageComplete,
	})
	if client.parser.Method == httpstream.MethodHead {
		t.parser.SetNoBody(true)
	}

	h.registerTarget(t)
	metrics.ActiveConnections.WithLabelValues(metrics.RoleTarget).Inc()
	h.mux.Add(fd, h.dispatchTarget)
	h.mux.EnableOut(fd)
	return t
}

func (h *Handler) dispatchTarget(fd int, revents int16) {
	t, ok := h.lookupTarget(fd)
	if !ok {
		return
	}

	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		t.handleClosed()
		return
	}

	if revents&unix.POLLOUT != 0 {
		if t.connecting {
			t.finishConnect()
		} else {
			t.flushOutgoing()
		}
	}
	if revents&unix.POLLIN != 0 {
		t.readResponse()
	}
}

func (t *targetConn) finishConnect() {
	if err := connectError(t.fd); err != nil {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
		t.client.writeErrorAndClose(metrics.OutcomeAborted, statusLineFor(err))
		t.h.closeTarget(t)
		return
	}

	t.connecting = false
	t.h.mux.CancelOut(t.fd)
	t.h.mux.EnableIn(t.fd)
	t.client.targetConnected(t)
}

// send stages the rewritten request head for delivery, writing
// immediately when possible and falling back to POLLOUT-driven retry.
func (t *targetConn) send(data []byte) {
	if t.connecting || t.outgoing.Len() > 0 {
		t.outgoing.Append(data)
		return
	}

	n, err := unix.Write(t.fd, data)
	if err != nil && err != unix.EAGAIN {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
		t.h.closeTarget(t)
		return
	}
	if n < 0 {
		n = 0
	}
	if n < len(data) {
		t.outgoing.Append(data[n:])
		t.h.mux.EnableOut(t.fd)
	}
}

func (t *targetConn) flushOutgoing() {
	if t.outgoing.Len() == 0 {
		t.h.mux.CancelOut(t.fd)
		return
	}
	n, err := unix.Write(t.fd, t.outgoing.Bytes())
	if err != nil && err != unix.EAGAIN {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
		t.h.closeTarget(t)
		return
	}
	t.outgoing.Substring(n)
	if t.outgoing.Len() == 0 {
		t.h.mux.CancelOut(t.fd)
	}
}

func (t *targetConn) onStatus(code int, _ []byte) {
	t.statusCode = code
	if code != 200 {
		t.h.cache.MarkInvalid(t.client.entry)
	}
}

func (t *targetConn) onMessageComplete() {
	if t.statusCode == 200 {
		t.h.cache.MarkFinished(t.client.entry)
	} else {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
	}
	t.h.closeTarget(t)
}

func (t *targetConn) readResponse() {
	var buf [32 * 1024]byte
	n, err := unix.Read(t.fd, buf[:])
	if n <= 0 {
		if err == unix.EAGAIN {
			return
		}
		t.handleClosed()
		return
	}

	t.h.cache.Append(t.client.entry, buf[:n])
	if _, perr := t.parser.Execute(buf[:n]); perr != nil {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
		t.h.closeTarget(t)
	}
}

// handleClosed handles both a clean EOF and a POLLHUP/POLLERR. A response
// with no declared length is delimited by the origin closing the
// connection — Finish recognizes that case and completes the message
// normally, firing onMessageComplete, which marks the entry by status code
// and closes the target; anything else (headers never finished, or a
// declared-length body cut short) is a truncation and taints the entry
// regardless of the status line already seen.
func (t *targetConn) handleClosed() {
	if err := t.parser.Finish(); err != nil {
		t.h.cache.MarkInvalidAndFinished(t.client.entry)
		t.h.closeTarget(t)
	}
}

func (h *Handler) closeTarget(t *targetConn) {
	h.forgetTarget(t.fd)
	h.mux.Remove(t.fd)
}
