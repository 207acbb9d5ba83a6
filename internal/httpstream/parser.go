// Package httpstream implements the incremental, callback-driven HTTP/1.x
// parser this module treats as an external component: callers feed it
// arbitrary-sized chunks of bytes as they arrive off the wire and it fires
// callbacks as soon as each piece of the message is recognized, the same
// contract the original source gets from its bundled http-parser. No
// equivalent library exists in the example corpus this module drew its
// third-party stack from, so the parser is implemented directly against
// the interface the original exercises: message_begin, url/status,
// header_field/header_value, headers_complete, body, chunk_header/
// chunk_complete, message_complete.
package httpstream

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/relaycache/relay/pkg/pstring"
)

// Type selects whether Execute parses a request or a response start line.
type Type int

const (
	Request Type = iota
	Response
)

// Method mirrors the original's small fixed method table. The proxy only
// ever needs to distinguish these five.
type Method int

const (
	MethodDelete Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	methodUnknown Method = -1
)

func (m Method) String() string {
	switch m {
	case MethodDelete:
		return "DELETE"
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	case MethodPost:
		return "POST"
	case MethodPut:
		return "PUT"
	default:
		return "UNKNOWN"
	}
}

var methodsByName = map[string]Method{
	"DELETE": MethodDelete,
	"GET":    MethodGet,
	"HEAD":   MethodHead,
	"POST":   MethodPost,
	"PUT":    MethodPut,
}

var (
	// ErrMalformedStartLine is returned when the request/status line does
	// not have the expected three space-separated tokens.
	ErrMalformedStartLine = errors.New("httpstream: malformed start line")
	// ErrUnknownMethod is returned for a request method outside the
	// five-entry table above.
	ErrUnknownMethod = errors.New("httpstream: unknown method")
	// ErrMalformedHeader is returned for a header line with no ':'.
	ErrMalformedHeader = errors.New("httpstream: malformed header line")
	// ErrMalformedChunkSize is returned when a chunk size line fails to
	// parse as a hexadecimal length.
	ErrMalformedChunkSize = errors.New("httpstream: malformed chunk size")
	// ErrTruncated is returned by Finish when the connection closed before
	// a declared-length body (identity Content-Length or chunked) was
	// fully delivered, or before the headers of a message were even
	// complete.
	ErrTruncated = errors.New("httpstream: connection closed mid-message")
)

// Callbacks is the set of hooks Execute fires while consuming a message.
// Every field is optional; a nil callback is simply skipped.
type Callbacks struct {
	OnMessageBegin    func()
	OnURL             func(raw []byte)
	OnStatus          func(code int, reason []byte)
	OnHeaderField     func(field []byte)
	OnHeaderValue     func(value []byte)
	OnHeadersComplete func()
	OnBody            func(data []byte)
	OnChunkHeader     func(size uint64)
	OnChunkComplete   func()
	OnMessageComplete func()
}

type state int

const (
	stateStartLine state = iota
	stateHeaderLine
	stateBodyIdentity
	stateBodyUntilClose
	stateChunkSize
	stateChunkData
	stateChunkDataCRLF
	stateChunkTrailer
	stateDone
)

// Parser is an incremental HTTP/1.x message parser. The zero value is not
// usable; use New.
type Parser struct {
	typ Type
	cb  Callbacks

	state state
	line  pstring.Buffer // accumulates a line split across Execute calls

	Method     Method
	StatusCode int
	Major      int
	Minor      int

	field   pstring.Buffer
	value   pstring.Buffer
	haveTag bool // a field/value pair is staged and needs flushing

	noBody           bool
	hasContentLength bool
	contentLength    int64
	chunked          bool
	remaining        int64 // bytes left in the current identity body or chunk
}

// New returns a parser for the given message direction.
func New(typ Type, cb Callbacks) *Parser {
	return &Parser{typ: typ, cb: cb}
}

// SetNoBody forces a zero-length body regardless of Content-Length or
// Transfer-Encoding — used for HEAD responses and 1xx/204/304 statuses,
// which the wire permits to carry a Content-Length header without a body.
func (p *Parser) SetNoBody(v bool) { p.noBody = v }

// Reset prepares the parser to parse a new message, retaining callbacks
// and direction. Call after OnMessageComplete fires, before feeding the
// next message on a keep-alive connection.
func (p *Parser) Reset() {
	p.state = stateStartLine
	p.line.Reset()
	p.Method = methodUnknown
	p.StatusCode = 0
	p.field.Reset()
	p.value.Reset()
	p.haveTag = false
	p.noBody = false
	p.hasContentLength = false
	p.contentLength = 0
	p.chunked = false
	p.remaining = 0
}

// Execute feeds data into the parser, firing callbacks as complete pieces
// of the message are recognized, and returns the number of bytes
// consumed. Fewer than len(data) bytes are consumed only when an error is
// returned or the message completed mid-buffer (the caller should re-feed
// the remainder, after Reset, as the start of the next message).
func (p *Parser) Execute(data []byte) (int, error) {
	consumed := 0

	for len(data) > 0 {
		switch p.state {
		case stateStartLine, stateHeaderLine:
			idx := bytes.Index(data, []byte("\r\n"))
			if idx < 0 {
				p.line.Append(data)
				consumed += len(data)
				return consumed, nil
			}

			var line []byte
			if p.line.Len() > 0 {
				p.line.Append(data[:idx])
				line = append([]byte(nil), p.line.Bytes()...)
				p.line.Reset()
			} else {
				line = data[:idx]
			}

			data = data[idx+2:]
			consumed += idx + 2

			var err error
			if p.state == stateStartLine {
				err = p.handleStartLine(line)
			} else {
				err = p.handleHeaderLine(line)
			}
			if err != nil {
				return consumed, err
			}

		case stateBodyIdentity:
			n := len(data)
			if int64(n) > p.remaining {
				n = int(p.remaining)
			}
			if n > 0 && p.cb.OnBody != nil {
				p.cb.OnBody(data[:n])
			}
			p.remaining -= int64(n)
			data = data[n:]
			consumed += n
			if p.remaining == 0 {
				p.finishMessage()
			}

		case stateBodyUntilClose:
			if len(data) > 0 && p.cb.OnBody != nil {
				p.cb.OnBody(data)
			}
			consumed += len(data)
			data = nil

		case stateChunkSize:
			idx := bytes.Index(data, []byte("\r\n"))
			if idx < 0 {
				p.line.Append(data)
				consumed += len(data)
				return consumed, nil
			}
			var line []byte
			if p.line.Len() > 0 {
				p.line.Append(data[:idx])
				line = append([]byte(nil), p.line.Bytes()...)
				p.line.Reset()
			} else {
				line = data[:idx]
			}
			data = data[idx+2:]
			consumed += idx + 2

			if err := p.handleChunkSize(line); err != nil {
				return consumed, err
			}

		case stateChunkData:
			n := len(data)
			if uint64(n) > uint64(p.remaining) {
				n = int(p.remaining)
			}
			if n > 0 && p.cb.OnBody != nil {
				p.cb.OnBody(data[:n])
			}
			p.remaining -= int64(n)
			data = data[n:]
			consumed += n
			if p.remaining == 0 {
				p.state = stateChunkDataCRLF
			}

		case stateChunkDataCRLF:
			// p.line holds whatever part of the CRLF an earlier call saw.
			need := 2 - p.line.Len()
			if len(data) < need {
				p.line.Append(data)
				consumed += len(data)
				return consumed, nil
			}
			p.line.Reset()
			data = data[need:]
			consumed += need
			if p.cb.OnChunkComplete != nil {
				p.cb.OnChunkComplete()
			}
			p.state = stateChunkSize

		case stateChunkTrailer:
			idx := bytes.Index(data, []byte("\r\n"))
			if idx < 0 {
				p.line.Append(data)
				consumed += len(data)
				return consumed, nil
			}
			line := data[:idx]
			data = data[idx+2:]
			consumed += idx + 2
			if len(line) == 0 {
				p.finishMessage()
			}

		case stateDone:
			return consumed, nil
		}
	}

	return consumed, nil
}

func (p *Parser) handleStartLine(line []byte) error {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 {
		return ErrMalformedStartLine
	}

	if p.cb.OnMessageBegin != nil {
		p.cb.OnMessageBegin()
	}

	if p.typ == Request {
		name := string(parts[0])
		m, ok := methodsByName[name]
		if !ok {
			return ErrUnknownMethod
		}
		p.Method = m
		if p.cb.OnURL != nil {
			p.cb.OnURL(parts[1])
		}
		p.parseVersion(parts[2])
	} else {
		p.parseVersion(parts[0])
		code, err := strconv.Atoi(string(parts[1]))
		if err != nil {
			return ErrMalformedStartLine
		}
		p.StatusCode = code
		if code/100 == 1 || code == 204 || code == 304 {
			p.noBody = true
		}
		if p.cb.OnStatus != nil {
			p.cb.OnStatus(code, parts[2])
		}
	}

	p.state = stateHeaderLine
	return nil
}

func (p *Parser) parseVersion(tok []byte) {
	const prefix = "HTTP/"
	if !bytes.HasPrefix(tok, []byte(prefix)) {
		return
	}
	rest := tok[len(prefix):]
	dot := bytes.IndexByte(rest, '.')
	if dot < 0 {
		return
	}
	p.Major, _ = strconv.Atoi(string(rest[:dot]))
	p.Minor, _ = strconv.Atoi(string(rest[dot+1:]))
}

// handleHeaderLine implements the original's header_field/header_value
// concatenation rule: a line beginning with a space or tab is a
// continuation of the previous header's value (RFC 7230 obsolete
// line-folding), and a staged field/value pair is only flushed to the
// callbacks once the next header (or the blank terminator line) proves it
// is complete.
func (p *Parser) handleHeaderLine(line []byte) error {
	if len(line) == 0 {
		p.flushHeader()
		if p.cb.OnHeadersComplete != nil {
			p.cb.OnHeadersComplete()
		}
		return p.enterBody()
	}

	if line[0] == ' ' || line[0] == '\t' {
		if p.haveTag {
			p.value.Append(bytes.TrimLeft(line, " \t"))
		}
		return nil
	}

	p.flushHeader()

	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return ErrMalformedHeader
	}

	field := line[:colon]
	value := bytes.TrimLeft(line[colon+1:], " \t")

	p.field.Append(field)
	p.value.Append(value)
	p.haveTag = true

	if bytes.EqualFold(field, []byte("Content-Length")) {
		n, err := strconv.ParseInt(string(value), 10, 64)
		if err == nil {
			p.hasContentLength = true
			p.contentLength = n
		}
	}
	if bytes.EqualFold(field, []byte("Transfer-Encoding")) && bytes.Contains(bytes.ToLower(value), []byte("chunked")) {
		p.chunked = true
	}

	return nil
}

func (p *Parser) flushHeader() {
	if !p.haveTag {
		return
	}
	if p.cb.OnHeaderField != nil {
		p.cb.OnHeaderField(p.field.Bytes())
	}
	if p.cb.OnHeaderValue != nil {
		p.cb.OnHeaderValue(p.value.Bytes())
	}
	p.field.Reset()
	p.value.Reset()
	p.haveTag = false
}

func (p *Parser) enterBody() error {
	switch {
	case p.noBody:
		p.finishMessage()
	case p.chunked:
		p.state = stateChunkSize
	case p.hasContentLength:
		if p.contentLength <= 0 {
			p.finishMessage()
		} else {
			p.remaining = p.contentLength
			p.state = stateBodyIdentity
		}
	case p.typ == Response:
		p.state = stateBodyUntilClose
	default:
		p.finishMessage()
	}
	return nil
}

func (p *Parser) handleChunkSize(line []byte) error {
	ext := bytes.IndexByte(line, ';')
	sizeTok := line
	if ext >= 0 {
		sizeTok = line[:ext]
	}
	size, err := strconv.ParseUint(string(bytes.TrimSpace(sizeTok)), 16, 64)
	if err != nil {
		return ErrMalformedChunkSize
	}

	if p.cb.OnChunkHeader != nil {
		p.cb.OnChunkHeader(size)
	}

	if size == 0 {
		p.state = stateChunkTrailer
		return nil
	}

	p.remaining = int64(size)
	p.state = stateChunkData
	return nil
}

// finishMessage fires message_complete and, on a connection that stays
// open, leaves the parser ready for Reset + the next message.
func (p *Parser) finishMessage() {
	p.state = stateDone
	if p.cb.OnMessageComplete != nil {
		p.cb.OnMessageComplete()
	}
}

// Done reports whether the current message has fully parsed.
func (p *Parser) Done() bool { return p.state == stateDone }

// Finish signals that the peer closed the connection with no more bytes
// coming. A response with no Content-Length and no chunked framing is
// deliberately delimited by connection close (stateBodyUntilClose) — for
// that case Finish completes the message and fires OnMessageComplete, the
// same way the original's handle_response treats recv()==0 as a normal
// end of body. Any other non-done state (mid start-line, mid headers, or
// a declared-length body that was not yet fully delivered) means the
// connection dropped early; Finish reports ErrTruncated and leaves the
// message incomplete.
func (p *Parser) Finish() error {
	switch p.state {
	case stateDone:
		return nil
	case stateBodyUntilClose:
		p.finishMessage()
		return nil
	default:
		return ErrTruncated
	}
}
