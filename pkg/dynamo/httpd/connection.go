package httpd

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/yourusername/dynamo/pkg/dynamo/memory"
	"github.com/yourusername/dynamo/pkg/dynamo/socket"
)

// State is the position of a connection in its request/response cycle.
//
// Transitions are monotonic within one cycle with two backward edges: the
// keep-alive reset from StateFootersSent to StateInit, and the return from
// StateHeaderPartReceived to StateURLReceived once a header line that was
// split across reads has been completed. StateTLSHandshake precedes
// StateInit on TLS connections.
type State int32

const (
	// StateInit: fresh connection (or reset after keep-alive), no request
	// line parsed yet.
	StateInit State = iota

	// StateURLReceived: request line complete.
	StateURLReceived

	// StateHeaderPartReceived: a header line is split across reads.
	StateHeaderPartReceived

	// StateHeadersReceived: blank line seen, header section complete.
	StateHeadersReceived

	// StateHeadersProcessed: Host validated, keep-alive and body framing
	// decided.
	StateHeadersProcessed

	// StateContinueSending: "100 Continue" being written.
	StateContinueSending

	// StateContinueSent: interim reply written, reading the body.
	StateContinueSent

	// StateBodyReceived: request body complete (or none expected).
	StateBodyReceived

	// StateFooterPartReceived: reading trailers after a chunked body.
	StateFooterPartReceived

	// StateFootersReceived: trailer section complete.
	StateFootersReceived

	// StateHeadersSending: response status line and headers being written.
	StateHeadersSending

	// StateHeadersSent: response head fully written.
	StateHeadersSent

	// StateNormalBodyReady: response body bytes available to send.
	StateNormalBodyReady

	// StateNormalBodyUnready: waiting for the content reader to produce.
	StateNormalBodyUnready

	// StateChunkedBodyReady: a chunk frame is available to send.
	StateChunkedBodyReady

	// StateChunkedBodyUnready: waiting for the content reader to produce
	// the next chunk.
	StateChunkedBodyUnready

	// StateBodySent: response body complete.
	StateBodySent

	// StateFootersSent: response trailer block written (chunked replies).
	StateFootersSent

	// StateTLSHandshake: TLS establishment in progress; no HTTP bytes yet.
	StateTLSHandshake

	// StateClosed: terminal.
	StateClosed
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateURLReceived:
		return "url-received"
	case StateHeaderPartReceived:
		return "header-part-received"
	case StateHeadersReceived:
		return "headers-received"
	case StateHeadersProcessed:
		return "headers-processed"
	case StateContinueSending:
		return "continue-sending"
	case StateContinueSent:
		return "continue-sent"
	case StateBodyReceived:
		return "body-received"
	case StateFooterPartReceived:
		return "footer-part-received"
	case StateFootersReceived:
		return "footers-received"
	case StateHeadersSending:
		return "headers-sending"
	case StateHeadersSent:
		return "headers-sent"
	case StateNormalBodyReady:
		return "normal-body-ready"
	case StateNormalBodyUnready:
		return "normal-body-unready"
	case StateChunkedBodyReady:
		return "chunked-body-ready"
	case StateChunkedBodyUnready:
		return "chunked-body-unready"
	case StateBodySent:
		return "body-sent"
	case StateFootersSent:
		return "footers-sent"
	case StateTLSHandshake:
		return "tls-handshake"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const httpTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Connection is one accepted socket and its request/response state
// machine. All connection state is single-owner: in the poll policies one
// loop drives every connection, in the goroutine-per-connection policy
// each connection is confined to its goroutine.
type Connection struct {
	daemon *Daemon
	tr     transport
	fd     int // polled descriptor
	peer   net.Addr
	ipKey  string
	loop   int // owning poller in the internal-poll policy

	pool *memory.Pool

	// Read buffer: a tail-growing region of the pool. The live (unparsed)
	// window is readRegion[readStart:readFill]; bytes before readStart
	// were donated to parsed request slices or consumed as body. bodyBase
	// marks where the body window begins so consumed body space can be
	// reclaimed without disturbing donated header bytes.
	readRegion []byte
	readStart  int
	readFill   int
	bodyBase   int

	// Parsed request. Slices point into the pool and stay valid until the
	// keep-alive reset.
	method, url, version []byte
	urlStr, methodStr    string
	versionStr           string
	headers              HeaderList
	http11               bool
	isHead               bool

	// Body framing: exactly one of clRemaining (Content-Length) or the
	// chunk decoder is active when hasBody.
	hasBody       bool
	chunkedUpload bool
	clRemaining   int64
	uploadTotal   uint64
	chunk         chunkDecoder
	discardBody   bool

	// Application callback state.
	appState    any
	appCalled   bool
	finalCalled bool
	expect100   bool

	// Response emission.
	response        *Response
	responseCode    int
	responseQueued  bool
	chunkedResponse bool
	encBody         []byte // content-encoded copy of the inline body
	encName         string
	bodySize        int64 // effective body size (after encoding); SizeUnknown when streamed
	bodyPos         uint64
	headBuf         *bytebufferpool.ByteBuffer
	headOff         int
	chunkBuf        *bytebufferpool.ByteBuffer
	chunkOff        int
	continueOff     int

	state        State
	keepAlive    bool
	readClosed   bool
	errored      bool
	lastActivity int64 // unix seconds

	// Handler triple: the single dispatch point between plain and TLS
	// processing.
	readHandler  func(*Connection) bool
	writeHandler func(*Connection) bool
	idleHandler  func(*Connection) bool
}

func newConnection(d *Daemon, tr transport, fd int, peer net.Addr, ipKey string, isTLS bool) *Connection {
	c := &Connection{
		daemon:    d,
		tr:        tr,
		fd:        fd,
		peer:      peer,
		ipKey:     ipKey,
		pool:      memory.NewPool(d.cfg.memoryLimit),
		keepAlive: true,
		version:   versionHTTP11,
	}
	c.readRegion = c.pool.Alloc(initialReadBufferSize)
	c.touch()
	if isTLS {
		c.state = StateTLSHandshake
		c.readHandler = (*Connection).tlsHandleRead
		c.writeHandler = (*Connection).tlsHandleWrite
		c.idleHandler = (*Connection).tlsHandleIdle
	} else {
		c.state = StateInit
		c.readHandler = (*Connection).handleRead
		c.writeHandler = (*Connection).handleWrite
		c.idleHandler = (*Connection).handleIdle
	}
	return c
}

// RemoteAddr returns the peer's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.peer
}

// Daemon returns the daemon the connection belongs to.
func (c *Connection) Daemon() *Daemon {
	return c.daemon
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return c.state
}

// SessionInfo returns the established TLS session description, or nil for
// plain connections and connections still handshaking.
func (c *Connection) SessionInfo() *SessionInfo {
	t, ok := c.tr.(*tlsTransport)
	if !ok || !t.hsDone || t.hsErr != nil {
		return nil
	}
	return sessionInfoFromState(t.connectionState())
}

// RequestHeader returns the first request header value for name, or "".
// Valid from the access handler's first invocation until the request
// cycle completes.
func (c *Connection) RequestHeader(name string) string {
	v := c.headers.Get(RequestHeaderKind, []byte(name))
	if v == nil {
		return ""
	}
	return string(v)
}

// Cookie returns the value of the named request cookie, or "".
func (c *Connection) Cookie(name string) string {
	v := c.headers.Get(CookieKind, []byte(name))
	if v == nil {
		return ""
	}
	return string(v)
}

// Footer returns the first request trailer value for name, or "".
func (c *Connection) Footer(name string) string {
	v := c.headers.Get(FooterKind, []byte(name))
	if v == nil {
		return ""
	}
	return string(v)
}

// VisitRequestHeaders calls fn for each parsed request-side entry
// (headers, cookies, footers) in insertion order.
func (c *Connection) VisitRequestHeaders(fn func(kind HeaderKind, name, value string) bool) {
	c.headers.Visit(func(kind HeaderKind, name, value []byte) bool {
		return fn(kind, string(name), string(value))
	})
}

// QueueResponse attaches a response to the connection's current request
// cycle. It may only be called from inside the access handler. The
// response's reference count is incremented; the connection releases its
// reference when the reply has been sent or the connection closes.
func (c *Connection) QueueResponse(statusCode int, r *Response) error {
	if r == nil {
		return ErrNilResponse
	}
	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if c.responseQueued {
		return ErrResponseQueued
	}
	r.incRef()
	c.response = r
	c.responseCode = statusCode
	c.responseQueued = true
	return nil
}

// touch records activity for idle-timeout tracking.
func (c *Connection) touch() {
	c.lastActivity = time.Now().Unix()
}

func (c *Connection) window() []byte {
	return c.readRegion[c.readStart:c.readFill]
}

// donate advances past n parsed bytes; the bytes stay valid in the pool
// for the rest of the request cycle.
func (c *Connection) donate(n int) {
	c.readStart += n
}

// reclaimBody moves the unconsumed body window back over consumed body
// space. Only body bytes move; donated header bytes below bodyBase are
// untouched.
func (c *Connection) reclaimBody() {
	if c.bodyBase == 0 || c.readStart == c.bodyBase {
		return
	}
	// Trailer lines are donated above bodyBase; once they exist they must
	// not be overwritten.
	if c.state == StateFooterPartReceived || c.state == StateFootersReceived {
		return
	}
	n := copy(c.readRegion[c.bodyBase:], c.readRegion[c.readStart:c.readFill])
	c.readStart = c.bodyBase
	c.readFill = c.bodyBase + n
}

// growReadBuffer enlarges the read region within the pool. Donated slices
// stay valid either way: in-place growth leaves them alone, and the copy
// path leaves the old region's memory intact beneath them.
func (c *Connection) growReadBuffer() bool {
	oldSize := len(c.readRegion)
	want := oldSize * 2
	if max := oldSize + c.pool.Remaining(); want > max {
		want = max
	}
	if want <= oldSize {
		return false
	}
	grown := c.pool.GrowTail(c.readRegion, oldSize, want)
	if grown == nil {
		return false
	}
	c.readRegion = grown
	return true
}

// nextLine returns the next complete line of the window with its
// terminator stripped, donating the consumed bytes. A bare LF terminates
// a line; a bare CR does not.
func (c *Connection) nextLine() ([]byte, bool) {
	w := c.window()
	i := bytes.IndexByte(w, '\n')
	if i < 0 {
		return nil, false
	}
	line := w[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	c.donate(i + 1)
	return line, true
}

// windowStuck reports that the parser needs more bytes but the read
// buffer is full and cannot grow: the request element in flight exceeds
// the connection's memory budget.
func (c *Connection) windowStuck() bool {
	return c.readFill == len(c.readRegion) && !c.growReadBuffer()
}

// --- read path -------------------------------------------------------------

// handleRead pulls bytes from the transport into the read buffer. Called
// when the socket polls readable.
func (c *Connection) handleRead() bool {
	if c.state == StateClosed {
		return false
	}
	c.touch()
	if c.readFill == len(c.readRegion) {
		c.reclaimBody()
	}
	if c.readFill == len(c.readRegion) && !c.growReadBuffer() {
		// Buffer full; the idle step rejects the request if parsing
		// cannot advance.
		return true
	}
	n, err := c.tr.Read(c.readRegion[c.readFill:])
	switch {
	case err == ErrAgain:
		return true
	case err == io.EOF:
		c.readClosed = true
		return true
	case err != nil:
		c.close(TerminationClientAbort)
		return false
	}
	c.readFill += n
	return true
}

// --- idle path -------------------------------------------------------------

// handleIdle advances every transition that needs no socket readiness:
// parsing already-buffered bytes, invoking the access handler, pulling
// from the content reader, timeout enforcement and the keep-alive reset.
func (c *Connection) handleIdle() bool {
	if c.state == StateClosed {
		return false
	}
	if to := c.daemon.cfg.timeout; to > 0 {
		if time.Now().Unix()-c.lastActivity > int64(to/time.Second) {
			c.close(TerminationTimeout)
			return false
		}
	}
	for c.state != StateClosed {
		var progress bool
		switch c.state {
		case StateInit:
			progress = c.parseRequestLineStep()
		case StateURLReceived, StateHeaderPartReceived:
			progress = c.parseHeaderLineStep()
		case StateHeadersReceived:
			progress = c.processHeaders()
		case StateHeadersProcessed, StateContinueSent:
			progress = c.bodyStep()
		case StateFooterPartReceived:
			progress = c.trailerStep()
		case StateBodyReceived, StateFootersReceived:
			progress = c.finalStep()
		case StateNormalBodyUnready, StateChunkedBodyUnready:
			progress = c.retryReader()
		case StateBodySent:
			progress = c.bodySentStep()
		case StateFootersSent:
			progress = c.finishRequest()
		default:
			// Write-driven states progress in handleWrite.
			progress = false
		}
		if !progress {
			break
		}
	}
	return c.state != StateClosed
}

func (c *Connection) parseRequestLineStep() bool {
	line, ok := c.nextLine()
	if !ok {
		if c.window() == nil || len(c.window()) == 0 {
			if c.readClosed {
				// EOF between requests is a clean close.
				c.close(TerminationCompletedOK)
			}
			return false
		}
		if len(c.window()) > maxRequestLineSize || c.windowStuck() {
			c.reject(414)
			return true
		}
		if c.readClosed {
			c.close(TerminationClientAbort)
		}
		return false
	}
	if len(line) == 0 {
		// Tolerate empty line(s) before the request line (RFC 7230 §3.5).
		return true
	}
	if len(line) > maxRequestLineSize {
		c.reject(414)
		return true
	}
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		c.reject(400)
		return true
	}
	sp2 := bytes.LastIndexByte(line, ' ')
	if sp2 == sp1 {
		c.reject(400)
		return true
	}
	c.method = line[:sp1]
	c.url = trimOWS(line[sp1+1 : sp2])
	c.version = line[sp2+1:]
	if len(c.url) == 0 {
		c.reject(400)
		return true
	}
	c.methodStr = string(c.method)
	c.urlStr = string(c.url)
	c.versionStr = string(c.version)
	c.isHead = c.methodStr == "HEAD"
	if cb := c.daemon.cfg.uriLogger; cb != nil {
		cb(c.urlStr, c)
	}
	c.state = StateURLReceived
	return true
}

func (c *Connection) parseHeaderLineStep() bool {
	line, ok := c.nextLine()
	if !ok {
		if len(c.window()) > 0 {
			c.state = StateHeaderPartReceived
		}
		if c.windowStuck() {
			c.reject(431)
			return true
		}
		if c.readClosed {
			c.close(TerminationClientAbort)
		}
		return false
	}
	if len(line) == 0 {
		c.state = StateHeadersReceived
		return true
	}
	if err := c.addHeaderLine(line, RequestHeaderKind); err != nil {
		if err == ErrPoolExhausted {
			c.reject(431)
		} else {
			c.reject(400)
		}
		return true
	}
	c.state = StateURLReceived
	return true
}

// addHeaderLine parses one "Name: value" line, folding continuation lines
// (leading whitespace) into the prior entry's value with a single SP.
func (c *Connection) addHeaderLine(line []byte, kind HeaderKind) error {
	if line[0] == ' ' || line[0] == '\t' {
		last := c.headers.last()
		if last == nil {
			return ErrMalformedRequest
		}
		cont := trimOWS(line)
		merged := c.pool.Alloc(len(last.Value) + 1 + len(cont))
		if merged == nil {
			return ErrPoolExhausted
		}
		n := copy(merged, last.Value)
		merged[n] = ' '
		copy(merged[n+1:], cont)
		last.Value = merged
		return nil
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return ErrMalformedRequest
	}
	name := line[:colon]
	// No whitespace between field name and colon (RFC 7230 §3.2.4).
	if name[len(name)-1] == ' ' || name[len(name)-1] == '\t' {
		return ErrMalformedRequest
	}
	for _, b := range name {
		if b == ' ' || b == '\t' || b < 0x21 || b == 0x7f {
			return ErrMalformedRequest
		}
	}
	value := trimOWS(line[colon+1:])
	c.headers.Add(kind, name, value)
	if kind == RequestHeaderKind && bytesEqualFold(name, []byte("Cookie")) {
		c.parseCookies(value)
	}
	return nil
}

// parseCookies splits "k=v; k2=v2" into cookie-kind entries. Values are
// slices of the header value; quoting is not interpreted.
func (c *Connection) parseCookies(value []byte) {
	for len(value) > 0 {
		end := bytes.IndexByte(value, ';')
		pair := value
		if end >= 0 {
			pair = value[:end]
			value = value[end+1:]
		} else {
			value = nil
		}
		pair = trimOWS(pair)
		if eq := bytes.IndexByte(pair, '='); eq > 0 {
			c.headers.Add(CookieKind, pair[:eq], pair[eq+1:])
		}
	}
}

// processHeaders validates the header section and decides keep-alive and
// body framing.
func (c *Connection) processHeaders() bool {
	switch {
	case bytes.Equal(c.version, versionHTTP11):
		c.http11 = true
		c.keepAlive = true
	case bytes.Equal(c.version, versionHTTP10):
		c.http11 = false
		c.keepAlive = false
	default:
		// Answer in a version the daemon speaks, not the one it rejected.
		c.version = versionHTTP11
		c.reject(505)
		return true
	}
	if c.http11 && c.headers.Get(RequestHeaderKind, headerHost) == nil {
		c.reject(400)
		return true
	}
	if conn := c.headers.Get(RequestHeaderKind, headerConnection); conn != nil {
		if tokenListContainsFold(conn, valueUpgrade) {
			c.reject(501)
			return true
		}
		if tokenListContainsFold(conn, valueClose) {
			c.keepAlive = false
		} else if !c.http11 && tokenListContainsFold(conn, valueKeepAlive) {
			c.keepAlive = true
		}
	}

	te := c.headers.Get(RequestHeaderKind, headerTransferEncoding)
	cl := c.headers.Get(RequestHeaderKind, headerContentLength)
	if te != nil && cl != nil {
		// Conflicting framings enable request smuggling (RFC 7230 §3.3.3).
		c.reject(400)
		return true
	}
	switch {
	case te != nil:
		if !tokenListContainsFold(te, valueChunked) {
			c.reject(501)
			return true
		}
		c.hasBody = true
		c.chunkedUpload = true
		c.chunk.reset()
	case cl != nil:
		n, err := parseContentLength(cl)
		if err != nil {
			c.reject(400)
			return true
		}
		c.hasBody = n > 0
		c.clRemaining = n
	}

	if c.http11 {
		if exp := c.headers.Get(RequestHeaderKind, headerExpect); exp != nil {
			c.expect100 = bytesEqualFold(trimOWS(exp), value100Cont)
		}
	}
	c.bodyBase = c.readStart
	c.state = StateHeadersProcessed
	return true
}

func parseContentLength(b []byte) (int64, error) {
	b = trimOWS(b)
	if len(b) == 0 {
		return 0, ErrMalformedRequest
	}
	var n int64
	for _, d := range b {
		if d < '0' || d > '9' {
			return 0, ErrMalformedRequest
		}
		n = n*10 + int64(d-'0')
		if n < 0 {
			return 0, ErrMalformedRequest
		}
	}
	return n, nil
}

// bodyStep performs the first access-handler invocation, emits the
// 100-continue interim reply when expected, and consumes body bytes.
func (c *Connection) bodyStep() bool {
	if !c.appCalled {
		c.appCalled = true
		if !c.invokeHandler(nil) {
			return true // closed or rejected inside
		}
		if c.responseQueued {
			// The handler replied before the body: answer now and do not
			// trust the connection for another request.
			if c.hasBody {
				c.keepAlive = false
				c.discardBody = true
			}
			c.state = StateBodyReceived
			return true
		}
		if c.expect100 && c.hasBody {
			c.continueOff = 0
			c.state = StateContinueSending
			return true
		}
	}
	if !c.hasBody {
		c.state = StateBodyReceived
		return true
	}
	if c.chunkedUpload {
		return c.chunkedBodyStep()
	}
	return c.identityBodyStep()
}

func (c *Connection) identityBodyStep() bool {
	if c.clRemaining == 0 {
		c.state = StateBodyReceived
		return true
	}
	w := c.window()
	if len(w) == 0 {
		if c.readClosed {
			c.close(TerminationClientAbort)
		}
		return false
	}
	avail := w
	if int64(len(avail)) > c.clRemaining {
		avail = avail[:c.clRemaining]
	}
	consumed, cont := c.deliverUpload(avail)
	c.donate(consumed)
	c.clRemaining -= int64(consumed)
	if !cont {
		return true
	}
	if c.clRemaining == 0 {
		c.state = StateBodyReceived
		return true
	}
	return consumed > 0
}

func (c *Connection) chunkedBodyStep() bool {
	for {
		switch c.chunk.phase {
		case chunkAwaitSize:
			line, ok := c.nextLine()
			if !ok {
				if c.windowStuck() {
					c.reject(400)
					return true
				}
				if c.readClosed {
					c.close(TerminationClientAbort)
				}
				return false
			}
			if err := c.chunk.parseSizeLine(line); err != nil {
				c.reject(400)
				return true
			}
			if c.chunk.phase == chunkAwaitTrailer {
				c.state = StateFooterPartReceived
				return true
			}
		case chunkAwaitData:
			w := c.window()
			if len(w) == 0 {
				if c.readClosed {
					c.close(TerminationClientAbort)
				}
				return false
			}
			data := c.chunk.dataWindow(w)
			consumed, cont := c.deliverUpload(data)
			c.donate(consumed)
			c.chunk.consumed(consumed)
			if !cont {
				return true
			}
			if consumed < len(data) {
				return false
			}
		case chunkAwaitDataCRLF:
			n, err := c.chunk.parseDataCRLF(c.window())
			if err != nil {
				c.reject(400)
				return true
			}
			if n == 0 {
				if c.readClosed {
					c.close(TerminationClientAbort)
				}
				return false
			}
			c.donate(n)
		default:
			return false
		}
	}
}

// trailerStep parses trailing headers after a chunked request body. No
// pipelined request is parsed until the trailer section is fully
// consumed.
func (c *Connection) trailerStep() bool {
	for {
		line, ok := c.nextLine()
		if !ok {
			if c.windowStuck() {
				c.reject(431)
				return true
			}
			if c.readClosed {
				c.close(TerminationClientAbort)
			}
			return false
		}
		if len(line) == 0 {
			c.chunk.phase = chunkDone
			c.state = StateFootersReceived
			return true
		}
		if err := c.addHeaderLine(line, FooterKind); err != nil {
			if err == ErrPoolExhausted {
				c.reject(431)
			} else {
				c.reject(400)
			}
			return true
		}
	}
}

// finalStep makes the final access-handler call (zero upload size) and
// starts the reply.
func (c *Connection) finalStep() bool {
	if !c.responseQueued {
		if c.finalCalled {
			// The final call returned without queueing a response.
			c.rejectInternal()
			return true
		}
		c.finalCalled = true
		if !c.invokeHandler([]byte{}) {
			return true
		}
		if !c.responseQueued {
			c.rejectInternal()
			return true
		}
	}
	c.startResponse()
	return true
}

// deliverUpload hands a body slice to the access handler. The handler
// consumes a prefix and reports the unconsumed remainder. Returns the
// consumed count; cont=false stops the body loop (the connection closed,
// rejected the request, or queued an early reply).
func (c *Connection) deliverUpload(data []byte) (consumed int, cont bool) {
	if c.discardBody {
		return len(data), true
	}
	size := len(data)
	if !c.invokeHandlerUpload(data, &size) {
		return 0, false
	}
	if size > len(data) {
		size = len(data)
	}
	consumed = len(data) - size
	c.uploadTotal += uint64(consumed)
	if c.responseQueued {
		// Reply queued mid-body: discard the rest and answer.
		c.keepAlive = false
		c.discardBody = true
		c.state = StateBodyReceived
		return consumed, false
	}
	if consumed == 0 && len(data) > 0 {
		// The handler must either consume upload bytes or queue a reply;
		// doing neither cannot make progress.
		c.rejectInternal()
		return 0, false
	}
	return consumed, true
}

func (c *Connection) invokeHandler(upload []byte) bool {
	size := len(upload)
	return c.invokeHandlerUpload(upload, &size)
}

func (c *Connection) invokeHandlerUpload(upload []byte, size *int) bool {
	ok := c.daemon.cfg.handler(c, c.urlStr, c.methodStr, c.versionStr, upload, size, &c.appState)
	if !ok {
		// The handler refused the request outright.
		c.rejectInternal()
		return false
	}
	return true
}

// retryReader re-polls a content reader that previously reported "no data
// yet". This is the write path's single cooperative suspension point.
func (c *Connection) retryReader() bool {
	chunked := c.state == StateChunkedBodyUnready
	n, err := c.pullBody()
	switch {
	case err == nil && n == 0:
		return false // still unready; the loop re-polls after a delay
	case err == nil:
		if chunked {
			c.bodyPos += uint64(n)
			c.buildChunkFrame(n)
			c.state = StateChunkedBodyReady
		} else {
			c.state = StateNormalBodyReady
		}
		return true
	case err == io.EOF:
		return c.readerFinished(chunked)
	default:
		c.daemon.logConnError(c, "content reader failed", err)
		c.close(TerminationWithError)
		return false
	}
}

// readerFinished handles a content reader's end-of-stream.
func (c *Connection) readerFinished(chunked bool) bool {
	if !chunked && c.bodySize >= 0 && int64(c.bodyPos) < c.bodySize {
		// Truncated body with a promised Content-Length.
		c.close(TerminationWithError)
		return false
	}
	c.state = StateBodySent
	return true
}

// bodySentStep finishes the response tail: the chunked terminator and
// trailer block, or a direct transition for identity bodies.
func (c *Connection) bodySentStep() bool {
	if !c.chunkedResponse {
		c.state = StateFootersSent
		return true
	}
	if c.chunkBuf == nil || len(c.chunkBuf.B) == c.chunkOff {
		c.buildTrailerBlock()
	}
	// Written by handleWrite.
	return false
}

// finishRequest runs the keep-alive reset edge or closes the connection.
func (c *Connection) finishRequest() bool {
	if c.response != nil {
		c.response.Destroy()
		c.response = nil
	}
	c.daemon.requestCompleted(c)
	if c.errored {
		c.close(TerminationWithError)
		return false
	}
	if !c.keepAlive {
		c.close(TerminationCompletedOK)
		return false
	}
	c.resetForNextRequest()
	return true
}

// resetForNextRequest rewinds the machine to StateInit for the next
// pipelined request. The pool is reset with any already-buffered bytes
// preserved at the front of the fresh read buffer.
func (c *Connection) resetForNextRequest() {
	leftover := c.window()
	size := initialReadBufferSize
	if len(leftover) > size {
		size = len(leftover)
	}
	fill := len(leftover)
	c.readRegion = c.pool.Reset(leftover, size)
	c.readStart = 0
	c.readFill = fill
	c.bodyBase = 0

	c.method, c.url, c.version = nil, nil, versionHTTP11
	c.methodStr, c.urlStr, c.versionStr = "", "", ""
	c.headers.Reset()
	c.http11 = false
	c.isHead = false
	c.hasBody = false
	c.chunkedUpload = false
	c.clRemaining = 0
	c.uploadTotal = 0
	c.chunk.reset()
	c.discardBody = false
	c.appState = nil
	c.appCalled = false
	c.finalCalled = false
	c.expect100 = false
	c.responseCode = 0
	c.responseQueued = false
	c.chunkedResponse = false
	c.encBody = nil
	c.encName = ""
	c.bodySize = 0
	c.bodyPos = 0
	c.continueOff = 0
	c.releaseWriteBuffers()
	c.errored = false
	c.keepAlive = true
	c.state = StateInit
}

func (c *Connection) releaseWriteBuffers() {
	if c.headBuf != nil {
		bytebufferpool.Put(c.headBuf)
		c.headBuf = nil
	}
	if c.chunkBuf != nil {
		bytebufferpool.Put(c.chunkBuf)
		c.chunkBuf = nil
	}
	c.headOff = 0
	c.chunkOff = 0
}

// --- error replies ---------------------------------------------------------

// reject answers the current request with an error status and marks the
// connection for closure once the reply is out. Used for protocol-level
// failures (400/414/431/501/505).
func (c *Connection) reject(code int) {
	c.errored = true
	c.keepAlive = false
	c.daemon.logReject(c, code)
	if c.response != nil {
		c.response.Destroy()
	}
	body := []byte(ReasonPhrase(code) + "\n")
	resp := NewResponseFromData(body, false)
	c.response = resp // connection owns the sole reference
	c.responseCode = code
	c.responseQueued = true
	c.startResponse()
}

// rejectInternal reports a handler or allocation failure as 500.
func (c *Connection) rejectInternal() {
	if c.state >= StateHeadersSending {
		// Headers already on the wire; nothing coherent can follow.
		c.close(TerminationWithError)
		return
	}
	c.reject(500)
}

// --- write path ------------------------------------------------------------

// handleWrite progresses whatever emission the current state calls for.
// Called when the socket polls writable (and from idle-driven retries).
func (c *Connection) handleWrite() bool {
	if c.state == StateClosed {
		return false
	}
	c.touch()
	switch c.state {
	case StateContinueSending:
		c.writeContinue()
	case StateHeadersSending:
		c.writeHead()
	case StateNormalBodyReady:
		c.writeNormalBody()
	case StateChunkedBodyReady:
		c.writeChunkFrame()
	case StateBodySent:
		if c.chunkedResponse {
			if c.chunkBuf == nil || len(c.chunkBuf.B) == c.chunkOff {
				c.buildTrailerBlock()
			}
			c.writeTrailerBlock()
		}
	}
	return c.state != StateClosed
}

func (c *Connection) writeContinue() {
	reply := continue100
	n, err := c.tr.Write(reply[c.continueOff:])
	if !c.checkWrite(err) {
		return
	}
	c.continueOff += n
	if c.continueOff == len(reply) {
		c.state = StateContinueSent
	}
}

// checkWrite folds a transport write result into the state machine:
// would-block suspends, everything else fatal closes.
func (c *Connection) checkWrite(err error) bool {
	switch {
	case err == nil:
		return true
	case err == ErrAgain:
		return false
	default:
		c.close(TerminationClientAbort)
		return false
	}
}

// startResponse computes the reply framing, builds the head block and
// enters the emission states.
func (c *Connection) startResponse() {
	resp := c.response
	c.daemon.maybeEncode(c, resp)

	c.bodySize = resp.TotalSize
	if c.encBody != nil {
		c.bodySize = int64(len(c.encBody))
	}
	c.chunkedResponse = false
	if c.bodySize == SizeUnknown {
		if c.http11 {
			c.chunkedResponse = true
		} else {
			// HTTP/1.0 cannot frame an unknown length: close delimits.
			c.keepAlive = false
		}
	}

	b := bytebufferpool.Get()
	b.B = append(b.B, statusLine(c.version, c.responseCode)...)
	if resp.headers.Get(ResponseHeaderKind, headerDate) == nil {
		b.B = append(b.B, headerDate...)
		b.B = append(b.B, colonSpace...)
		b.B = time.Now().UTC().AppendFormat(b.B, httpTimeLayout)
		b.B = append(b.B, crlf...)
	}
	resp.headers.Visit(func(kind HeaderKind, name, value []byte) bool {
		if kind != ResponseHeaderKind {
			return true
		}
		b.B = append(b.B, name...)
		b.B = append(b.B, colonSpace...)
		b.B = append(b.B, value...)
		b.B = append(b.B, crlf...)
		return true
	})
	if c.encName != "" {
		b.B = append(b.B, headerContentEncoding...)
		b.B = append(b.B, colonSpace...)
		b.B = append(b.B, c.encName...)
		b.B = append(b.B, crlf...)
	}
	if c.bodySize >= 0 && !resp.hasHeaderFold(headerContentLength) {
		b.B = append(b.B, headerContentLength...)
		b.B = append(b.B, colonSpace...)
		b.B = strconv.AppendInt(b.B, c.bodySize, 10)
		b.B = append(b.B, crlf...)
	}
	if c.chunkedResponse && !resp.hasHeaderFold(headerTransferEncoding) {
		b.B = append(b.B, headerTransferEncoding...)
		b.B = append(b.B, colonSpace...)
		b.B = append(b.B, valueChunked...)
		b.B = append(b.B, crlf...)
	}
	if !resp.hasHeaderFold(headerConnection) {
		if !c.keepAlive {
			b.B = append(b.B, headerConnection...)
			b.B = append(b.B, colonSpace...)
			b.B = append(b.B, valueClose...)
			b.B = append(b.B, crlf...)
		} else if !c.http11 {
			b.B = append(b.B, headerConnection...)
			b.B = append(b.B, colonSpace...)
			b.B = append(b.B, valueKeepAlive...)
			b.B = append(b.B, crlf...)
		}
	}
	b.B = append(b.B, crlf...)

	c.headBuf = b
	c.headOff = 0
	c.bodyPos = 0
	c.state = StateHeadersSending
}

func (c *Connection) writeHead() {
	n, err := c.tr.Write(c.headBuf.B[c.headOff:])
	if !c.checkWrite(err) {
		return
	}
	c.headOff += n
	if c.headOff < len(c.headBuf.B) {
		return
	}
	bytebufferpool.Put(c.headBuf)
	c.headBuf = nil
	c.headOff = 0
	c.state = StateHeadersSent
	c.afterHead()
}

// afterHead selects the body emission branch. HEAD replies and the
// bodyless status codes carry no payload regardless of the body source.
func (c *Connection) afterHead() {
	if c.isHead || c.bodySize == 0 ||
		c.responseCode == 204 || c.responseCode == 304 || c.responseCode < 200 {
		c.state = StateBodySent
		c.chunkedResponse = false
		return
	}
	if c.chunkedResponse {
		c.state = StateChunkedBodyReady
		return
	}
	c.state = StateNormalBodyReady
}

// inlineBody returns the in-memory body to serve, or nil for reader and
// file sources.
func (c *Connection) inlineBody() []byte {
	if c.encBody != nil {
		return c.encBody
	}
	return c.response.data
}

func (c *Connection) writeNormalBody() {
	if data := c.inlineBody(); data != nil {
		n, err := c.tr.Write(data[c.bodyPos:])
		if !c.checkWrite(err) {
			return
		}
		c.bodyPos += uint64(n)
		if int64(c.bodyPos) == c.bodySize {
			c.state = StateBodySent
		}
		return
	}
	if c.response.file != nil && c.trySendfile() {
		return
	}
	// Reader-backed body: pull into scratch, then drain scratch.
	if c.scratchLen() == 0 {
		n, err := c.pullBody()
		switch {
		case err == nil && n == 0:
			c.state = StateNormalBodyUnready
			return
		case err == io.EOF:
			c.readerFinished(false)
			return
		case err != nil:
			c.daemon.logConnError(c, "content reader failed", err)
			c.close(TerminationWithError)
			return
		}
	}
	n, err := c.tr.Write(c.chunkBuf.B[c.chunkOff:])
	if !c.checkWrite(err) {
		return
	}
	c.chunkOff += n
	c.bodyPos += uint64(n)
	if c.chunkOff == len(c.chunkBuf.B) {
		c.chunkBuf.B = c.chunkBuf.B[:0]
		c.chunkOff = 0
		if c.bodySize >= 0 && int64(c.bodyPos) == c.bodySize {
			c.state = StateBodySent
		}
	}
}

// trySendfile serves a file-backed response through the kernel when the
// transport is a plain socket. Returns false to fall back to positional
// reads.
func (c *Connection) trySendfile() bool {
	outFd := c.tr.SendfileFd()
	if outFd < 0 {
		return false
	}
	remaining := c.bodySize - int64(c.bodyPos)
	if remaining <= 0 {
		c.state = StateBodySent
		return true
	}
	off := int64(c.bodyPos)
	n, err := socket.Sendfile(outFd, int(c.response.file.Fd()), &off, int(min64(remaining, 1<<20)))
	switch {
	case err == socket.ErrNotSupported:
		return false
	case err == socket.ErrAgain:
		return true
	case err != nil:
		c.close(TerminationClientAbort)
		return true
	}
	c.bodyPos += uint64(n)
	if int64(c.bodyPos) == c.bodySize {
		c.state = StateBodySent
	}
	return true
}

func (c *Connection) scratchLen() int {
	if c.chunkBuf == nil {
		return 0
	}
	return len(c.chunkBuf.B) - c.chunkOff
}

// pullBody asks the content reader for bytes at the current body
// position, storing them in the scratch buffer. Returns the byte count,
// (0, nil) for "no data yet", io.EOF for end of stream.
func (c *Connection) pullBody() (int, error) {
	if c.chunkBuf == nil {
		c.chunkBuf = bytebufferpool.Get()
	}
	b := c.chunkBuf
	if cap(b.B) < bodyChunkSize {
		b.B = make([]byte, bodyChunkSize)
	}
	b.B = b.B[:bodyChunkSize:bodyChunkSize]
	want := len(b.B)
	if c.bodySize >= 0 {
		if remaining := c.bodySize - int64(c.bodyPos); int64(want) > remaining {
			want = int(remaining)
		}
	}
	n, err := c.response.reader(c.bodyPos, b.B[:want])
	if err != nil || n <= 0 {
		b.B = b.B[:0]
		if n < 0 && err == nil {
			err = ErrContentReaderAborted
		}
		return 0, err
	}
	b.B = b.B[:n]
	c.chunkOff = 0
	return n, nil
}

// buildChunkFrame wraps n scratch bytes in chunked framing (hex-size CRLF
// data CRLF), built in a fresh pooled buffer that replaces the scratch
// buffer.
func (c *Connection) buildChunkFrame(n int) {
	b := c.chunkBuf
	data := b.B[:n]
	frame := bytebufferpool.Get()
	frame.B = strconv.AppendUint(frame.B, uint64(n), 16)
	frame.B = append(frame.B, crlf...)
	frame.B = append(frame.B, data...)
	frame.B = append(frame.B, crlf...)
	bytebufferpool.Put(c.chunkBuf)
	c.chunkBuf = frame
	c.chunkOff = 0
}

func (c *Connection) writeChunkFrame() {
	if c.scratchLen() == 0 {
		n, err := c.pullBody()
		switch {
		case err == nil && n == 0:
			c.state = StateChunkedBodyUnready
			return
		case err == io.EOF:
			c.state = StateBodySent
			return
		case err != nil:
			c.daemon.logConnError(c, "content reader failed", err)
			c.close(TerminationWithError)
			return
		}
		c.bodyPos += uint64(n)
		c.buildChunkFrame(n)
	}
	n, err := c.tr.Write(c.chunkBuf.B[c.chunkOff:])
	if !c.checkWrite(err) {
		return
	}
	c.chunkOff += n
	if c.chunkOff == len(c.chunkBuf.B) {
		c.chunkBuf.B = c.chunkBuf.B[:0]
		c.chunkOff = 0
	}
}

// buildTrailerBlock assembles the chunked terminator: "0 CRLF", the
// response footers, and the final CRLF.
func (c *Connection) buildTrailerBlock() {
	if c.chunkBuf == nil {
		c.chunkBuf = bytebufferpool.Get()
	}
	b := c.chunkBuf
	b.B = append(b.B[:0], '0')
	b.B = append(b.B, crlf...)
	c.response.headers.Visit(func(kind HeaderKind, name, value []byte) bool {
		if kind != FooterKind {
			return true
		}
		b.B = append(b.B, name...)
		b.B = append(b.B, colonSpace...)
		b.B = append(b.B, value...)
		b.B = append(b.B, crlf...)
		return true
	})
	b.B = append(b.B, crlf...)
	c.chunkOff = 0
}

func (c *Connection) writeTrailerBlock() {
	n, err := c.tr.Write(c.chunkBuf.B[c.chunkOff:])
	if !c.checkWrite(err) {
		return
	}
	c.chunkOff += n
	if c.chunkOff == len(c.chunkBuf.B) {
		c.state = StateFootersSent
	}
}

// --- TLS handler variants --------------------------------------------------

// tlsStepHandshake drives the handshaking pre-state: would-block results
// are swallowed, success enables HTTP processing, anything else closes
// the connection with a with-error termination.
func (c *Connection) tlsStepHandshake() bool {
	switch err := c.tr.Handshake(); err {
	case nil:
		c.state = StateInit
		return true
	case ErrAgain:
		return true
	default:
		c.daemon.logConnError(c, "TLS handshake failed", err)
		c.close(TerminationWithError)
		return false
	}
}

func (c *Connection) tlsHandleRead() bool {
	if c.state == StateTLSHandshake {
		c.touch()
		return c.tlsStepHandshake()
	}
	return c.handleRead()
}

func (c *Connection) tlsHandleWrite() bool {
	if c.state == StateTLSHandshake {
		c.touch()
		return c.tlsStepHandshake()
	}
	return c.handleWrite()
}

func (c *Connection) tlsHandleIdle() bool {
	if c.state == StateTLSHandshake {
		if to := c.daemon.cfg.timeout; to > 0 {
			if time.Now().Unix()-c.lastActivity > int64(to/time.Second) {
				c.close(TerminationTimeout)
				return false
			}
		}
		return c.tlsStepHandshake()
	}
	return c.handleIdle()
}

// --- close -----------------------------------------------------------------

// close moves the connection to the terminal state, releasing its
// resources and reporting the termination code exactly once.
func (c *Connection) close(code TerminationCode) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.releaseWriteBuffers()
	if c.response != nil {
		c.response.Destroy()
		c.response = nil
	}
	c.tr.Close()
	c.daemon.connectionClosed(c, code)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
