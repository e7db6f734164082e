package httpd

import "testing"

func TestHeaderListInsertionOrder(t *testing.T) {
	var l HeaderList
	l.Add(ResponseHeaderKind, []byte("X-First"), []byte("1"))
	l.Add(ResponseHeaderKind, []byte("X-Second"), []byte("2"))
	l.Add(ResponseHeaderKind, []byte("X-Third"), []byte("3"))

	var names []string
	l.Visit(func(kind HeaderKind, name, value []byte) bool {
		names = append(names, string(name))
		return true
	})
	want := []string{"X-First", "X-Second", "X-Third"}
	if len(names) != len(want) {
		t.Fatalf("visited %d entries, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestHeaderListCaseInsensitiveLookup(t *testing.T) {
	var l HeaderList
	l.Add(RequestHeaderKind, []byte("Content-Type"), []byte("text/plain"))

	if got := l.Get(RequestHeaderKind, []byte("content-type")); string(got) != "text/plain" {
		t.Errorf("Get(content-type) = %q, want %q", got, "text/plain")
	}
	if got := l.Get(RequestHeaderKind, []byte("CONTENT-TYPE")); string(got) != "text/plain" {
		t.Errorf("Get(CONTENT-TYPE) = %q, want %q", got, "text/plain")
	}
	if got := l.Get(ResponseHeaderKind, []byte("Content-Type")); got != nil {
		t.Errorf("Get with wrong kind = %q, want nil", got)
	}
}

func TestHeaderListLookupFirst(t *testing.T) {
	var l HeaderList
	l.Add(RequestHeaderKind, []byte("Accept"), []byte("text/html"))
	l.Add(RequestHeaderKind, []byte("Accept"), []byte("application/json"))

	if got := l.Get(RequestHeaderKind, []byte("Accept")); string(got) != "text/html" {
		t.Errorf("Get returned %q, want first value %q", got, "text/html")
	}
}

func TestHeaderListDelExactMatch(t *testing.T) {
	var l HeaderList
	l.Add(ResponseHeaderKind, []byte("Set-Cookie"), []byte("a=1"))
	l.Add(ResponseHeaderKind, []byte("Set-Cookie"), []byte("b=2"))

	if l.Del(ResponseHeaderKind, []byte("Set-Cookie"), []byte("nope")) {
		t.Error("Del with non-matching value should fail")
	}
	if !l.Del(ResponseHeaderKind, []byte("set-cookie"), []byte("b=2")) {
		t.Error("Del with matching (name, value) should succeed")
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
	if got := l.Get(ResponseHeaderKind, []byte("Set-Cookie")); string(got) != "a=1" {
		t.Errorf("remaining value = %q, want %q", got, "a=1")
	}
}

func TestHeaderListDelHead(t *testing.T) {
	var l HeaderList
	l.Add(ResponseHeaderKind, []byte("A"), []byte("1"))
	l.Add(ResponseHeaderKind, []byte("B"), []byte("2"))
	if !l.Del(ResponseHeaderKind, []byte("A"), []byte("1")) {
		t.Fatal("Del head failed")
	}
	l.Add(ResponseHeaderKind, []byte("C"), []byte("3"))
	var names []string
	l.Visit(func(kind HeaderKind, name, value []byte) bool {
		names = append(names, string(name))
		return true
	})
	if len(names) != 2 || names[0] != "B" || names[1] != "C" {
		t.Errorf("names = %v, want [B C]", names)
	}
}

func TestValidHeaderFieldRejectsCRLF(t *testing.T) {
	if validHeaderField([]byte("X-Evil"), []byte("a\r\nInjected: yes")) {
		t.Error("CRLF in value must be rejected")
	}
	if validHeaderField([]byte("X Evil"), []byte("v")) {
		t.Error("space in name must be rejected")
	}
	if validHeaderField([]byte(""), []byte("v")) {
		t.Error("empty name must be rejected")
	}
	if !validHeaderField([]byte("X-Good"), []byte("value")) {
		t.Error("valid field rejected")
	}
}

func TestTokenListContainsFold(t *testing.T) {
	cases := []struct {
		value, token string
		want         bool
	}{
		{"close", "close", true},
		{"Close", "close", true},
		{"keep-alive, Upgrade", "upgrade", true},
		{"keep-alive , close", "close", true},
		{"keepalive", "keep-alive", false},
		{"", "close", false},
	}
	for _, tc := range cases {
		if got := tokenListContainsFold([]byte(tc.value), []byte(tc.token)); got != tc.want {
			t.Errorf("tokenListContainsFold(%q, %q) = %v, want %v", tc.value, tc.token, got, tc.want)
		}
	}
}
