package httpd

import (
	"io"
	"testing"
)

func TestResponseFromDataCopies(t *testing.T) {
	buf := []byte("hello")
	r := NewResponseFromData(buf, true)
	buf[0] = 'X'
	if string(r.data) != "hello" {
		t.Errorf("data = %q, want %q", r.data, "hello")
	}
	if r.TotalSize != 5 {
		t.Errorf("TotalSize = %d, want 5", r.TotalSize)
	}
	r.Destroy()
}

func TestResponseFromDataNoCopy(t *testing.T) {
	buf := []byte("hello")
	r := NewResponseFromData(buf, false)
	if &r.data[0] != &buf[0] {
		t.Error("no-copy response should reference the caller's buffer")
	}
	r.Destroy()
}

func TestResponseRefCounting(t *testing.T) {
	freed := false
	r := NewResponseFromReader(SizeUnknown, func(pos uint64, out []byte) (int, error) {
		return 0, io.EOF
	}, func() { freed = true })

	r.incRef() // queued against a connection
	r.incRef() // queued against another
	if got := r.refCount(); got != 3 {
		t.Fatalf("refCount = %d, want 3", got)
	}

	r.Destroy() // first connection done
	r.Destroy() // second connection done
	if freed {
		t.Fatal("free hook ran while the application still holds a reference")
	}
	r.Destroy() // application releases its reference
	if !freed {
		t.Fatal("free hook did not run at refcount zero")
	}
}

func TestResponseFromReaderNilReader(t *testing.T) {
	if NewResponseFromReader(10, nil, nil) != nil {
		t.Error("nil reader must yield nil response")
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	r := NewResponseFromData([]byte("x"), false)
	if err := r.AddHeader("X-One", "1"); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if err := r.AddHeader("X-Two", "2"); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if got := r.GetHeader("x-one"); got != "1" {
		t.Errorf("GetHeader(x-one) = %q, want %q", got, "1")
	}
	var got []string
	n := r.VisitHeaders(func(kind HeaderKind, name, value string) bool {
		got = append(got, name+"="+value)
		return true
	})
	if n != 2 {
		t.Errorf("VisitHeaders count = %d, want 2", n)
	}
	if len(got) != 2 || got[0] != "X-One=1" || got[1] != "X-Two=2" {
		t.Errorf("headers = %v, want insertion order", got)
	}
	if !r.DelHeader("X-One", "1") {
		t.Error("DelHeader exact match failed")
	}
	if r.DelHeader("X-Two", "wrong") {
		t.Error("DelHeader with wrong value should fail")
	}
	r.Destroy()
}

func TestResponseAddHeaderRejectsInjection(t *testing.T) {
	r := NewResponseFromData(nil, false)
	if err := r.AddHeader("X-Evil", "a\r\nX-Injected: 1"); err != ErrInvalidHeader {
		t.Errorf("AddHeader CRLF err = %v, want ErrInvalidHeader", err)
	}
	r.Destroy()
}
