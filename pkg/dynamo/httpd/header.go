package httpd

import "golang.org/x/net/http/httpguts"

// HeaderKind distinguishes the origin of a header entry. Request-side
// entries live in the connection's memory pool; response-side entries are
// owned by the Response.
type HeaderKind uint8

const (
	// RequestHeaderKind marks a header parsed from the request.
	RequestHeaderKind HeaderKind = iota

	// ResponseHeaderKind marks a header emitted with the response status
	// line.
	ResponseHeaderKind

	// CookieKind marks a parsed Cookie header pair.
	CookieKind

	// FooterKind marks a trailing header: parsed after a chunked request
	// body, or emitted after a chunked response body.
	FooterKind
)

// HeaderEntry is one (kind, name, value) element of a header list.
// Name bytes keep the case they were inserted with; lookups compare
// case-insensitively.
type HeaderEntry struct {
	Kind  HeaderKind
	Name  []byte
	Value []byte
	next  *HeaderEntry
}

// HeaderList is an ordered list of header entries. Iteration follows
// insertion order, which is also the order headers are emitted on the
// wire.
type HeaderList struct {
	head *HeaderEntry
	tail *HeaderEntry
	n    int
}

// Add appends an entry. O(1).
func (l *HeaderList) Add(kind HeaderKind, name, value []byte) {
	e := &HeaderEntry{Kind: kind, Name: name, Value: value}
	if l.tail == nil {
		l.head = e
	} else {
		l.tail.next = e
	}
	l.tail = e
	l.n++
}

// Get returns the value of the first entry of the given kind whose name
// matches case-insensitively, or nil.
func (l *HeaderList) Get(kind HeaderKind, name []byte) []byte {
	for e := l.head; e != nil; e = e.next {
		if e.Kind == kind && bytesEqualFold(e.Name, name) {
			return e.Value
		}
	}
	return nil
}

// Del removes the first entry matching kind, name and value exactly
// (name compared case-insensitively, value byte-exact). Reports whether
// an entry was removed.
func (l *HeaderList) Del(kind HeaderKind, name, value []byte) bool {
	var prev *HeaderEntry
	for e := l.head; e != nil; prev, e = e, e.next {
		if e.Kind != kind || !bytesEqualFold(e.Name, name) || string(e.Value) != string(value) {
			continue
		}
		if prev == nil {
			l.head = e.next
		} else {
			prev.next = e.next
		}
		if l.tail == e {
			l.tail = prev
		}
		l.n--
		return true
	}
	return false
}

// Len returns the number of entries.
func (l *HeaderList) Len() int {
	return l.n
}

// Visit calls fn for each entry in insertion order until fn returns false.
func (l *HeaderList) Visit(fn func(kind HeaderKind, name, value []byte) bool) {
	for e := l.head; e != nil; e = e.next {
		if !fn(e.Kind, e.Name, e.Value) {
			return
		}
	}
}

// last returns the most recently added entry, or nil. The parser uses it
// to fold header continuation lines.
func (l *HeaderList) last() *HeaderEntry {
	return l.tail
}

// Reset empties the list. Entry memory owned by a pool is reclaimed by the
// pool reset, not here.
func (l *HeaderList) Reset() {
	l.head = nil
	l.tail = nil
	l.n = 0
}

// validHeaderField checks an application-supplied response header against
// RFC 7230 field grammar. Request-side parsing does its own byte-level
// validation; this guards the public AddHeader surface against response
// splitting.
func validHeaderField(name, value []byte) bool {
	if len(name) == 0 {
		return false
	}
	if !httpguts.ValidHeaderFieldName(string(name)) {
		return false
	}
	return httpguts.ValidHeaderFieldValue(string(value))
}
