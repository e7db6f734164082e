package httpd

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

// fakeTransport feeds scripted client bytes to the state machine and
// captures the wire output, emulating a non-blocking socket: an empty
// input yields ErrAgain until eof is set.
type fakeTransport struct {
	in     bytes.Buffer
	out    bytes.Buffer
	eof    bool
	closed bool
}

func (t *fakeTransport) Handshake() error { return nil }

func (t *fakeTransport) Read(p []byte) (int, error) {
	if t.in.Len() == 0 {
		if t.eof {
			return 0, io.EOF
		}
		return 0, ErrAgain
	}
	return t.in.Read(p)
}

func (t *fakeTransport) Write(p []byte) (int, error) {
	return t.out.Write(p)
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) SendfileFd() int { return -1 }

func testDaemon(h AccessHandler, opts ...Option) *Daemon {
	cfg := config{
		handler:     h,
		memoryLimit: DefaultPoolSize,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			panic(err)
		}
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	cfg.logger = l
	return &Daemon{
		cfg:   cfg,
		conns: make(map[*Connection]struct{}),
		perIP: make(map[string]int),
		lfd:   -1,
		wakeR: -1,
		wakeW: -1,
	}
}

// startTestConn wires a connection over a fake transport carrying the
// given client bytes.
func startTestConn(h AccessHandler, wire string, opts ...Option) (*Connection, *fakeTransport) {
	d := testDaemon(h, opts...)
	tr := &fakeTransport{eof: true}
	tr.in.WriteString(wire)
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
	c := newConnection(d, tr, -1, addr, "127.0.0.1", false)
	d.conns[c] = struct{}{}
	d.perIP["127.0.0.1"] = 1
	return c, tr
}

// drive rotates the handler triple the way a poll loop would, until the
// connection closes or reaches a steady state.
func drive(t *testing.T, c *Connection, tr *fakeTransport) {
	t.Helper()
	stale := 0
	for i := 0; i < 10000; i++ {
		if c.state == StateClosed {
			return
		}
		before := [3]int{int(c.state), tr.in.Len(), tr.out.Len()}
		if !c.readHandler(c) {
			return
		}
		if !c.writeHandler(c) {
			return
		}
		if !c.idleHandler(c) {
			return
		}
		after := [3]int{int(c.state), tr.in.Len(), tr.out.Len()}
		if before == after {
			stale++
			if stale > 200 {
				return
			}
		} else {
			stale = 0
		}
	}
	t.Fatal("connection did not settle")
}

// queueOnFinal is the canonical handler shape: acknowledge on the first
// call, accumulate upload bytes, queue on the final call.
func queueOnFinal(status int, body string, gotUpload *bytes.Buffer) AccessHandler {
	return func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		if *uploadSize > 0 {
			if gotUpload != nil {
				gotUpload.Write(upload[:*uploadSize])
			}
			*uploadSize = 0
			return true
		}
		resp := NewResponseFromData([]byte(body), true)
		if err := c.QueueResponse(status, resp); err != nil {
			return false
		}
		resp.Destroy()
		return true
	}
}

func TestSimpleGetHTTP10(t *testing.T) {
	c, tr := startTestConn(queueOnFinal(200, "OK", nil), "GET / HTTP/1.0\r\n\r\n")
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.HasPrefix(out, "HTTP/1.0 200 OK\r\n") {
		t.Errorf("output starts %q, want HTTP/1.0 200 OK", firstLine(out))
	}
	if !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Error("output missing Content-Length: 2")
	}
	if !strings.HasSuffix(out, "\r\n\r\nOK") {
		t.Errorf("output ends %q, want ...\\r\\n\\r\\nOK", tail(out, 8))
	}
	if !tr.closed {
		t.Error("HTTP/1.0 connection must close after the response")
	}
	if c.state != StateClosed {
		t.Errorf("state = %v, want closed", c.state)
	}
}

func TestRequestLineArgumentsReachHandler(t *testing.T) {
	var gotURL, gotMethod, gotVersion string
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			gotURL, gotMethod, gotVersion = url, method, version
			return true
		}
		resp := NewResponseFromData(nil, false)
		c.QueueResponse(204, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h, "DELETE /items/7?force=1 HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)
	if gotMethod != "DELETE" {
		t.Errorf("method = %q, want DELETE", gotMethod)
	}
	if gotURL != "/items/7?force=1" {
		t.Errorf("url = %q, want /items/7?force=1", gotURL)
	}
	if gotVersion != "HTTP/1.1" {
		t.Errorf("version = %q, want HTTP/1.1", gotVersion)
	}
}

func TestExpectContinue(t *testing.T) {
	var upload bytes.Buffer
	c, tr := startTestConn(queueOnFinal(200, "done", &upload),
		"POST /u HTTP/1.1\r\nHost: h\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\nhello")
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.HasPrefix(out, "HTTP/1.1 100 Continue\r\n\r\n") {
		t.Fatalf("output starts %q, want 100 Continue first", firstLine(out))
	}
	rest := out[len("HTTP/1.1 100 Continue\r\n\r\n"):]
	if !strings.HasPrefix(rest, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("after interim reply got %q, want 200", firstLine(rest))
	}
	if upload.String() != "hello" {
		t.Errorf("upload = %q, want %q", upload.String(), "hello")
	}
}

func TestChunkedUpload(t *testing.T) {
	var upload bytes.Buffer
	sawFinal := false
	h := func(c *Connection, url, method, version string, data []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		if *uploadSize > 0 {
			upload.Write(data[:*uploadSize])
			*uploadSize = 0
			return true
		}
		sawFinal = true
		resp := NewResponseFromData([]byte("ok"), false)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"POST /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n")
	drive(t, c, tr)

	if upload.String() != "hello" {
		t.Errorf("upload = %q, want %q", upload.String(), "hello")
	}
	if !sawFinal {
		t.Error("final handler call (uploadSize == 0) missing")
	}
	if !strings.HasPrefix(tr.out.String(), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("response = %q, want 200", firstLine(tr.out.String()))
	}
}

func TestChunkedUploadSplitAcrossReads(t *testing.T) {
	var upload bytes.Buffer
	c, tr := startTestConn(queueOnFinal(200, "ok", &upload),
		"POST /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n")
	tr.eof = false
	// First drive: headers parsed, body pending.
	drive(t, c, tr)
	tr.in.WriteString("3\r\nabc\r\n")
	drive(t, c, tr)
	tr.in.WriteString("2\r\nde\r\n0\r\n\r\n")
	tr.eof = true
	drive(t, c, tr)

	if upload.String() != "abcde" {
		t.Errorf("upload = %q, want %q", upload.String(), "abcde")
	}
}

func TestChunkedTrailersStored(t *testing.T) {
	var footer string
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		if *uploadSize > 0 {
			*uploadSize = 0
			return true
		}
		footer = c.Footer("X-Checksum")
		resp := NewResponseFromData(nil, false)
		c.QueueResponse(204, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"POST /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nhi\r\n0\r\nX-Checksum: abc123\r\n\r\n")
	drive(t, c, tr)
	if footer != "abc123" {
		t.Errorf("footer = %q, want %q", footer, "abc123")
	}
}

func TestPipelinedRequests(t *testing.T) {
	count := 0
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		count++
		resp := NewResponseFromData([]byte(url), true)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"GET /one HTTP/1.1\r\nHost: h\r\n\r\nGET /two HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	if count != 2 {
		t.Fatalf("handled %d requests, want 2", count)
	}
	out := tr.out.String()
	first := strings.Index(out, "/one")
	second := strings.Index(out, "/two")
	if first < 0 || second < 0 || second < first {
		t.Errorf("responses out of order: /one at %d, /two at %d", first, second)
	}
	if got := strings.Count(out, "HTTP/1.1 200 OK\r\n"); got != 2 {
		t.Errorf("status lines = %d, want 2", got)
	}
	if !tr.closed {
		t.Error("connection should close once input is exhausted")
	}
}

func TestKeepAliveConnectionClose(t *testing.T) {
	handled := 0
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		handled++
		resp := NewResponseFromData([]byte("x"), false)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"GET /a HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	if handled != 1 {
		t.Errorf("handled = %d, want 1 (close after first response)", handled)
	}
	if !strings.Contains(tr.out.String(), "Connection: close\r\n") {
		t.Error("response missing Connection: close")
	}
	if !tr.closed {
		t.Error("socket must close after the first response")
	}
}

func TestHeaderFoldingSingleSpace(t *testing.T) {
	var got string
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			got = c.RequestHeader("X-Long")
			return true
		}
		resp := NewResponseFromData(nil, false)
		c.QueueResponse(204, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"GET / HTTP/1.1\r\nHost: h\r\nX-Long: part one\r\n\t part two\r\n\r\n")
	drive(t, c, tr)
	if got != "part one part two" {
		t.Errorf("folded value = %q, want %q", got, "part one part two")
	}
}

func TestBareLFAccepted(t *testing.T) {
	c, tr := startTestConn(queueOnFinal(200, "ok", nil),
		"GET / HTTP/1.1\nHost: h\n\n")
	drive(t, c, tr)
	if !strings.HasPrefix(tr.out.String(), "HTTP/1.1 200 OK\r\n") {
		t.Errorf("LF-only request not accepted: %q", firstLine(tr.out.String()))
	}
}

func TestRejectStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		wire string
		want string
	}{
		{"missing host", "GET / HTTP/1.1\r\n\r\n", "HTTP/1.1 400 "},
		{"bad request line", "GARBAGE\r\n\r\n", "HTTP/1.1 400 "},
		{"unsupported version", "GET / HTTP/2.0\r\n\r\n", "HTTP/1.1 505 "},
		{"both framings", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\nabc", "HTTP/1.1 400 "},
		{"upgrade", "GET / HTTP/1.1\r\nHost: h\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n", "HTTP/1.1 501 "},
		{"oversized uri", "GET /" + strings.Repeat("a", maxRequestLineSize+16) + " HTTP/1.1\r\nHost: h\r\n\r\n", "HTTP/1.1 414 "},
		{"bad content length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: nope\r\n\r\n", "HTTP/1.1 400 "},
		{"space before colon", "GET / HTTP/1.1\r\nHost : h\r\n\r\n", "HTTP/1.1 400 "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlerRan := false
			h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
				handlerRan = true
				if *reqState == nil {
					*reqState = new(int)
					return true
				}
				resp := NewResponseFromData(nil, false)
				c.QueueResponse(204, resp)
				resp.Destroy()
				return true
			}
			c, tr := startTestConn(h, tc.wire)
			drive(t, c, tr)
			if !strings.HasPrefix(tr.out.String(), tc.want) {
				t.Errorf("output = %q, want prefix %q", firstLine(tr.out.String()), tc.want)
			}
			if !tr.closed {
				t.Error("rejected connection must close")
			}
			_ = handlerRan
		})
	}
}

func TestHandlerRefusalCloses(t *testing.T) {
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		return false
	}
	c, tr := startTestConn(h, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)
	if !strings.HasPrefix(tr.out.String(), "HTTP/1.1 500 ") {
		t.Errorf("output = %q, want 500", firstLine(tr.out.String()))
	}
	if !tr.closed {
		t.Error("refused connection must close")
	}
}

func TestHandlerNoResponseIsInternalError(t *testing.T) {
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
		}
		return true // never queues
	}
	c, tr := startTestConn(h, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)
	if !strings.HasPrefix(tr.out.String(), "HTTP/1.1 500 ") {
		t.Errorf("output = %q, want 500", firstLine(tr.out.String()))
	}
}

func TestResponseHeadersEmittedInOrder(t *testing.T) {
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		resp := NewResponseFromData([]byte("hi"), false)
		resp.AddHeader("X-Alpha", "a")
		resp.AddHeader("X-Beta", "b")
		resp.AddHeader("X-Gamma", "c")
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	out := tr.out.String()
	ia := strings.Index(out, "X-Alpha: a\r\n")
	ib := strings.Index(out, "X-Beta: b\r\n")
	ic := strings.Index(out, "X-Gamma: c\r\n")
	if ia < 0 || ib < 0 || ic < 0 {
		t.Fatalf("headers missing from output: %d %d %d", ia, ib, ic)
	}
	if !(ia < ib && ib < ic) {
		t.Errorf("headers out of insertion order: %d %d %d", ia, ib, ic)
	}
}

func TestChunkedResponseUnknownSize(t *testing.T) {
	parts := []string{"first-", "second-", "third"}
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		served := 0
		body := strings.Join(parts, "")
		resp := NewResponseFromReader(SizeUnknown, func(pos uint64, out []byte) (int, error) {
			if int(pos) >= len(body) {
				return 0, io.EOF
			}
			n := copy(out, parts[served])
			served++
			return n, nil
		}, nil)
		resp.AddFooter("X-Trailer", "done")
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h, "GET /s HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.Contains(out, "Transfer-Encoding: chunked\r\n") {
		t.Error("missing Transfer-Encoding: chunked")
	}
	if !strings.Contains(out, "6\r\nfirst-\r\n") {
		t.Errorf("missing first chunk frame in %q", out)
	}
	if !strings.Contains(out, "0\r\nX-Trailer: done\r\n\r\n") {
		t.Errorf("missing terminator with trailer in %q", out)
	}
}

func TestContentReaderSuspension(t *testing.T) {
	stalls := 3
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		sent := false
		resp := NewResponseFromReader(SizeUnknown, func(pos uint64, out []byte) (int, error) {
			if stalls > 0 {
				stalls--
				return 0, nil // no data yet
			}
			if sent {
				return 0, io.EOF
			}
			sent = true
			return copy(out, "late"), nil
		}, nil)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	if stalls != 0 {
		t.Errorf("reader stalls remaining = %d, want 0", stalls)
	}
	if !strings.Contains(tr.out.String(), "4\r\nlate\r\n") {
		t.Errorf("suspended body never emitted: %q", tr.out.String())
	}
}

func TestHTTP10UnknownSizeCloseDelimited(t *testing.T) {
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		done := false
		resp := NewResponseFromReader(SizeUnknown, func(pos uint64, out []byte) (int, error) {
			if done {
				return 0, io.EOF
			}
			done = true
			return copy(out, "stream"), nil
		}, nil)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h, "GET / HTTP/1.0\r\n\r\n")
	drive(t, c, tr)

	out := tr.out.String()
	if strings.Contains(out, "Transfer-Encoding") {
		t.Error("HTTP/1.0 reply must not be chunked")
	}
	if strings.Contains(out, "Content-Length") {
		t.Error("unknown-size reply must not carry Content-Length")
	}
	if !strings.HasSuffix(out, "stream") {
		t.Errorf("output ends %q, want close-delimited body", tail(out, 10))
	}
	if !tr.closed {
		t.Error("close-delimited reply requires closing the socket")
	}
}

func TestHeadSuppressesBody(t *testing.T) {
	c, tr := startTestConn(queueOnFinal(200, "body-bytes", nil),
		"HEAD / HTTP/1.1\r\nHost: h\r\n\r\n")
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.Contains(out, "Content-Length: 10\r\n") {
		t.Error("HEAD reply should carry the Content-Length")
	}
	if !strings.HasSuffix(out, "\r\n\r\n") {
		t.Errorf("HEAD reply must end after headers, got %q", tail(out, 16))
	}
}

func TestEarlyResponseSkipsBody(t *testing.T) {
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			resp := NewResponseFromData([]byte("denied"), false)
			c.QueueResponse(403, resp)
			resp.Destroy()
		}
		return true
	}
	c, tr := startTestConn(h,
		"POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1000000\r\n\r\npartial")
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.HasPrefix(out, "HTTP/1.1 403 ") {
		t.Errorf("output = %q, want 403", firstLine(out))
	}
	if !strings.Contains(out, "Connection: close\r\n") {
		t.Error("early reply with unread body must not keep the connection")
	}
	if !tr.closed {
		t.Error("connection must close after early reply")
	}
}

func TestTerminationCallbackExactlyOnce(t *testing.T) {
	calls := 0
	var code TerminationCode
	c, tr := startTestConn(queueOnFinal(200, "x", nil),
		"GET / HTTP/1.0\r\n\r\n",
		WithNotifyCompleted(func(c *Connection, tc TerminationCode) {
			calls++
			code = tc
		}))
	drive(t, c, tr)
	// A second close must not re-report.
	c.close(TerminationWithError)

	if calls != 1 {
		t.Fatalf("termination callback ran %d times, want 1", calls)
	}
	if code != TerminationCompletedOK {
		t.Errorf("termination code = %v, want completed-ok", code)
	}
}

func TestPoolResetBetweenRequests(t *testing.T) {
	c, tr := startTestConn(queueOnFinal(200, "x", nil),
		"GET /a HTTP/1.1\r\nHost: h\r\n\r\n")
	tr.eof = false
	drive(t, c, tr)
	if c.state != StateInit {
		t.Fatalf("state after first cycle = %v, want init", c.state)
	}
	if got := c.pool.Allocated(); got != initialReadBufferSize {
		t.Errorf("pool allocated after reset = %d, want %d", got, initialReadBufferSize)
	}
}

func TestCookiesParsed(t *testing.T) {
	var session, theme string
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			session = c.Cookie("session")
			theme = c.Cookie("theme")
			return true
		}
		resp := NewResponseFromData(nil, false)
		c.QueueResponse(204, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"GET / HTTP/1.1\r\nHost: h\r\nCookie: session=s3cr3t; theme=dark\r\n\r\n")
	drive(t, c, tr)
	if session != "s3cr3t" {
		t.Errorf("session cookie = %q, want %q", session, "s3cr3t")
	}
	if theme != "dark" {
		t.Errorf("theme cookie = %q, want %q", theme, "dark")
	}
}

func TestContentEncodingNegotiated(t *testing.T) {
	body := strings.Repeat("compressible content ", 64)
	h := func(c *Connection, url, method, version string, upload []byte, uploadSize *int, reqState *any) bool {
		if *reqState == nil {
			*reqState = new(int)
			return true
		}
		resp := NewResponseFromData([]byte(body), true)
		c.QueueResponse(200, resp)
		resp.Destroy()
		return true
	}
	c, tr := startTestConn(h,
		"GET / HTTP/1.1\r\nHost: h\r\nAccept-Encoding: gzip\r\n\r\n",
		WithContentEncoding(true))
	drive(t, c, tr)

	out := tr.out.String()
	if !strings.Contains(out, "Content-Encoding: gzip\r\n") {
		t.Error("missing negotiated Content-Encoding: gzip")
	}
	if strings.Contains(out, body) {
		t.Error("body was sent uncompressed")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i+1]
	}
	return s
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
