package httpd

import (
	"io"
	"os"
	"sync"
)

// SizeUnknown marks a response whose body length is not known up front.
// HTTP/1.1 clients receive it chunked; HTTP/1.0 clients receive a
// close-delimited body.
const SizeUnknown int64 = -1

// ContentReader produces response body bytes on demand.
//
// It is called with the absolute body position and a destination buffer
// and returns the number of bytes written. Three results are meaningful:
//
//	n > 0, nil          — n bytes produced
//	0, nil              — no data yet; the connection suspends and the
//	                      event loop retries after a short delay
//	0, io.EOF           — end of stream
//	0, other error      — abort; the connection closes without
//	                      completing the reply
type ContentReader func(pos uint64, out []byte) (int, error)

// Response is a reply body plus its header list. A response is created
// once, optionally extended with headers, queued against any number of
// connections, and destroyed when the last reference is released.
//
// All fields except the reference count are immutable once the response
// has been queued; serving connections read them without locking.
type Response struct {
	// TotalSize is the body length in bytes, or SizeUnknown.
	TotalSize int64

	data   []byte
	reader ContentReader
	file   *os.File
	free   func()

	headers HeaderList

	mu   sync.Mutex // guards refs only
	refs int
}

// NewResponseFromData creates a response backed by an in-memory body.
// When copyData is set the bytes are duplicated immediately and the caller
// may reuse its buffer; otherwise the response references data directly
// and the caller must not mutate it until the response is destroyed.
func NewResponseFromData(data []byte, copyData bool) *Response {
	if copyData {
		dup := make([]byte, len(data))
		copy(dup, data)
		data = dup
	}
	return &Response{
		TotalSize: int64(len(data)),
		data:      data,
		refs:      1,
	}
}

// NewResponseFromReader creates a response whose body is produced by
// reader. size may be SizeUnknown. free, when non-nil, runs once when the
// response is destroyed.
func NewResponseFromReader(size int64, reader ContentReader, free func()) *Response {
	if reader == nil {
		return nil
	}
	return &Response{
		TotalSize: size,
		reader:    reader,
		free:      free,
		refs:      1,
	}
}

// NewResponseFromFile creates a response served from an open file via
// positional reads. On plain connections the daemon uses the sendfile
// fast path where the platform supports it. The response takes ownership
// of f and closes it on destroy.
func NewResponseFromFile(size int64, f *os.File) *Response {
	if f == nil {
		return nil
	}
	r := &Response{
		TotalSize: size,
		file:      f,
		refs:      1,
	}
	r.reader = func(pos uint64, out []byte) (int, error) {
		n, err := f.ReadAt(out, int64(pos))
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		return 0, nil
	}
	r.free = func() { f.Close() }
	return r
}

// AddHeader appends a header emitted with the status line. Name and value
// must satisfy RFC 7230 field grammar; both are copied.
func (r *Response) AddHeader(name, value string) error {
	return r.addEntry(ResponseHeaderKind, name, value)
}

// AddFooter appends a trailing header, emitted after the final chunk of a
// chunked response body. Footers are ignored for responses with a known
// size.
func (r *Response) AddFooter(name, value string) error {
	return r.addEntry(FooterKind, name, value)
}

func (r *Response) addEntry(kind HeaderKind, name, value string) error {
	if !validHeaderField([]byte(name), []byte(value)) {
		return ErrInvalidHeader
	}
	r.headers.Add(kind, []byte(name), []byte(value))
	return nil
}

// DelHeader removes the first header matching name and value exactly.
// Reports whether a header was removed.
func (r *Response) DelHeader(name, value string) bool {
	return r.headers.Del(ResponseHeaderKind, []byte(name), []byte(value))
}

// GetHeader returns the first header value for name, or "".
func (r *Response) GetHeader(name string) string {
	v := r.headers.Get(ResponseHeaderKind, []byte(name))
	if v == nil {
		return ""
	}
	return string(v)
}

// VisitHeaders calls fn for each header in insertion order until fn
// returns false. Returns the number of entries in the list.
func (r *Response) VisitHeaders(fn func(kind HeaderKind, name, value string) bool) int {
	if fn != nil {
		r.headers.Visit(func(kind HeaderKind, name, value []byte) bool {
			return fn(kind, string(name), string(value))
		})
	}
	return r.headers.Len()
}

// hasHeaderFold reports whether a response header with the given name
// exists (case-insensitive).
func (r *Response) hasHeaderFold(name []byte) bool {
	return r.headers.Get(ResponseHeaderKind, name) != nil
}

// incRef takes a reference on behalf of a connection the response is
// queued against.
func (r *Response) incRef() {
	r.mu.Lock()
	r.refs++
	r.mu.Unlock()
}

// Destroy releases one reference. When the last reference is gone the
// free hook runs and the body source is released. The application calls
// Destroy once for its own reference; the daemon releases the per-
// connection references as each connection finishes with the response.
func (r *Response) Destroy() {
	r.mu.Lock()
	r.refs--
	last := r.refs == 0
	r.mu.Unlock()
	if !last {
		return
	}
	if r.free != nil {
		r.free()
		r.free = nil
	}
	r.data = nil
	r.reader = nil
	r.headers.Reset()
}

// refCount returns the current reference count. Test hook.
func (r *Response) refCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
